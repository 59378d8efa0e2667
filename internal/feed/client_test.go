package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type connFrames struct {
	conn   int32
	frames []controlFrame
}

func newFeedServer(t *testing.T, serve func(idx int32, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		serve(atomic.AddInt32(&count, 1), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

func readFrames(c *websocket.Conn, n int) ([]controlFrame, error) {
	frames := make([]controlFrame, 0, n)
	for i := 0; i < n; i++ {
		var f controlFrame
		if err := c.ReadJSON(&f); err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func channels(frames []controlFrame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type+" "+f.Channel)
	}
	sort.Strings(out)
	return out
}

func TestReplayAfterReconnect(t *testing.T) {
	const wallet = "0xabc"
	posPath, _ := Path(ChannelPositions, wallet)
	balPath, _ := Path(ChannelBalances, wallet)

	seen := make(chan connFrames, 4)
	srv := newFeedServer(t, func(idx int32, c *websocket.Conn) {
		frames, err := readFrames(c, 2)
		if err != nil {
			return
		}
		seen <- connFrames{conn: idx, frames: frames}
		if idx == 1 {
			return
		}
		_ = c.WriteJSON(map[string]interface{}{"channel": posPath, "data": map[string]string{"qty": "1"}})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(testConfig(wsURL(srv)), nil, zerolog.Nop())
	got := make(chan Message, 1)
	if err := client.Subscribe(ChannelPositions, wallet, func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := client.Subscribe(ChannelBalances, wallet, func(context.Context, Message) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	want := []string{"subscribe " + balPath, "subscribe " + posPath}
	for i := 1; i <= 2; i++ {
		select {
		case cf := <-seen:
			if cf.conn != int32(i) {
				t.Fatalf("expected connection %d, got %d", i, cf.conn)
			}
			if g := channels(cf.frames); strings.Join(g, ",") != strings.Join(want, ",") {
				t.Fatalf("connection %d: got frames %v, want %v", i, g, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for connection %d", i)
		}
	}

	select {
	case msg := <-got:
		if msg.Channel != posPath {
			t.Fatalf("routed to %q", msg.Channel)
		}
		if string(msg.Data) != `{"qty":"1"}` {
			t.Fatalf("unexpected data %s", msg.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for routed message")
	}

	if client.Status().Reconnects < 1 {
		t.Fatalf("expected a reconnect to be counted, got %+v", client.Status())
	}
}

func TestSubscribeWhileConnectedAndUnsubscribe(t *testing.T) {
	frames := make(chan controlFrame, 8)
	srv := newFeedServer(t, func(_ int32, c *websocket.Conn) {
		for {
			var f controlFrame
			if err := c.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	})

	client := NewClient(testConfig(wsURL(srv)), nil, zerolog.Nop())
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for client.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	noop := func(context.Context, Message) error { return nil }
	if err := client.Subscribe(ChannelPrices, "ETH", noop); err != nil {
		t.Fatal(err)
	}
	client.Unsubscribe(ChannelPrices, "ETH")
	client.Unsubscribe(ChannelPrices, "BTC")

	expect := []controlFrame{subscribeFrame("/v2/prices/ETH"), unsubscribeFrame("/v2/prices/ETH")}
	for _, want := range expect {
		select {
		case f := <-frames:
			if f != want {
				t.Fatalf("got %+v, want %+v", f, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %+v", want)
		}
	}

	select {
	case f := <-frames:
		t.Fatalf("unexpected frame %+v for unknown subscription", f)
	case <-time.After(50 * time.Millisecond):
	}

	if n := client.Status().Subscriptions; n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	srv := newFeedServer(t, func(_ int32, c *websocket.Conn) {
		if _, err := readFrames(c, 2); err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = c.WriteJSON(map[string]string{"channel": "/v2/prices/BTC"})
		_ = c.WriteJSON(map[string]string{"type": "/v2/prices/ETH"})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(testConfig(wsURL(srv)), nil, zerolog.Nop())
	_ = client.Subscribe(ChannelPrices, "BTC", func(context.Context, Message) error { panic("boom") })
	got := make(chan Message, 1)
	_ = client.Subscribe(ChannelPrices, "ETH", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	select {
	case msg := <-got:
		if msg.Channel != "/v2/prices/ETH" {
			t.Fatalf("unexpected channel %q", msg.Channel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop died after handler panic")
	}

	if client.Status().Dropped != 1 {
		t.Fatalf("expected the unparsable frame to be dropped, got %+v", client.Status())
	}
}

func TestDisconnectCancelsBackoff(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1")
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	client := NewClient(cfg, nil, zerolog.Nop())
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		client.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect blocked on the backoff wait")
	}
	if client.State() != StateClosed {
		t.Fatalf("expected closed, got %s", client.State())
	}
	if err := client.Start(context.Background()); err == nil {
		t.Fatal("Start after Disconnect should fail")
	}
}

func TestNextDelay(t *testing.T) {
	d := time.Second
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, d)
		d = nextDelay(d, 2, time.Minute)
	}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Fatalf("step %d: got %s, want %s", i, got[i], want[i]*time.Second)
		}
	}
}

func TestPath(t *testing.T) {
	if _, err := Path("orders", "x"); err == nil {
		t.Fatal("expected unknown channel error")
	}
	p, err := Path(ChannelMarketSummary, "ETH-PERP")
	if err != nil || p != "/v2/market/ETH-PERP/summary" {
		t.Fatalf("got %q, %v", p, err)
	}
}
