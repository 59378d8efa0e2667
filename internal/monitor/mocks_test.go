package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liqguard/internal/feed"
	"liqguard/internal/models"
	"liqguard/internal/risk"
	"liqguard/internal/storage"
	"liqguard/internal/throttle"
)

const testWallet = "0xabcdef0123456789abcdef0123456789abcdef01"

type fakeMarket struct {
	mu        sync.Mutex
	account   json.RawMessage
	positions json.RawMessage
	err       error
	calls     int
}

// set installs an account payload and a bare list of positions.
func (f *fakeMarket) set(account string, positions ...string) {
	f.setBody(account, "["+strings.Join(positions, ",")+"]")
}

// setBody installs the positions response body as the venue would send it.
func (f *fakeMarket) setBody(account, positions string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account = json.RawMessage(account)
	f.positions = json.RawMessage(positions)
}

func (f *fakeMarket) GetPositions(ctx context.Context, wallet string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func (f *fakeMarket) GetAccount(ctx context.Context, wallet string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

func (f *fakeMarket) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[string]feed.Handler
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]feed.Handler)}
}

func (f *fakeFeed) Subscribe(channelType, id string, handler feed.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channelType+"|"+id] = handler
	return nil
}

func (f *fakeFeed) Unsubscribe(channelType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channelType+"|"+id)
}

func (f *fakeFeed) deliver(channelType, id, data string) error {
	f.mu.Lock()
	h, ok := f.handlers[channelType+"|"+id]
	f.mu.Unlock()
	if !ok {
		return errors.New("no subscription")
	}
	return h(context.Background(), feed.Message{Channel: channelType, Data: json.RawMessage(data)})
}

func (f *fakeFeed) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type sentAlert struct {
	recipient int64
	message   string
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentAlert
	err  error
}

func (f *fakeSink) SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentAlert{recipient: recipient, message: message})
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *storage.SQLiteStore
	market  *fakeMarket
	feed    *fakeFeed
	sink    *fakeSink
	clock   *clock
	monitor *Monitor
	user    models.User
	wallet  models.Wallet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("打开 sqlite 不应报错: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("迁移不应报错: %v", err)
	}
	t.Cleanup(store.Close)

	user, err := store.UpsertUser(ctx, 4242, "trader")
	if err != nil {
		t.Fatalf("创建用户不应报错: %v", err)
	}
	wallet, err := store.SaveWallet(ctx, user.ID, testWallet)
	if err != nil {
		t.Fatalf("保存钱包不应报错: %v", err)
	}

	h := &harness{
		store:  store,
		market: &fakeMarket{},
		feed:   newFakeFeed(),
		sink:   &fakeSink{},
		clock:  &clock{now: time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)},
		user:   user,
		wallet: wallet,
	}
	h.market.set(`{"total_margin":"1000","used_margin":"500"}`)

	m, err := New(store, h.market, h.feed,
		risk.NewEvaluator(risk.DefaultParams()),
		throttle.New(throttle.DefaultIntervals(), h.clock.Now),
		Options{PollInterval: time.Hour, QueueSize: 2, FetchTimeout: time.Second},
		zerolog.Nop())
	if err != nil {
		t.Fatalf("创建 monitor 不应报错: %v", err)
	}
	m.SetNotifier(h.sink)
	h.monitor = m
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	return h
}

// runOnce drives one full-fetch pipeline pass without goroutines.
func (h *harness) runOnce(t *testing.T) {
	t.Helper()
	h.monitor.run(context.Background(), &task{address: testWallet}, "poll", h.monitor.fullFetch)
}

func (h *harness) alerts(t *testing.T) []models.AlertRecord {
	t.Helper()
	alerts, err := h.store.ListRecentAlerts(context.Background(), h.wallet.ID, 24*time.Hour)
	if err != nil {
		t.Fatalf("读取告警不应报错: %v", err)
	}
	return alerts
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("等待超时: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
