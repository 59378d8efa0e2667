package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"liqguard/internal/metrics"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// State of the feed connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

var allStates = []string{"disconnected", "connecting", "connected", "closed"}

// acks are server confirmations that carry a channel but no payload.
var acks = map[string]bool{"subscribed": true, "unsubscribed": true, "pong": true}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens feed connections.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// DialContext implements Dialer.
func (d WebsocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config tunes the connection supervisor.
type Config struct {
	URL              string
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns 1s/60s/x2 backoff and a 30s ping.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		InitialDelay:     time.Second,
		MaxDelay:         time.Minute,
		Multiplier:       2,
		PingInterval:     30 * time.Second,
		PingTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Message is one inbound frame routed to a handler.
type Message struct {
	Channel string
	Type    string
	// Data is the "data" member when present, otherwise the whole frame.
	Data json.RawMessage
}

// Handler consumes routed messages. Errors are logged by the client.
type Handler func(ctx context.Context, msg Message) error

type subscription struct {
	channelType string
	id          string
	handler     Handler
}

// Status is a point-in-time view of the client.
type Status struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	Reconnects    int64  `json:"reconnects"`
	Dropped       int64  `json:"dropped"`
}

// Client keeps one connection alive and replays the subscription set after every reconnect.
type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	// mu guards conn, subs and every write to conn except control frames.
	mu     sync.Mutex
	conn   Conn
	subs   map[string]subscription
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	state      atomic.Int32
	reconnects atomic.Int64
	dropped    atomic.Int64
}

// NewClient builds a client. A nil dialer uses gorilla/websocket.
func NewClient(cfg Config, dialer Dialer, logger zerolog.Logger) *Client {
	if dialer == nil {
		dialer = WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}}
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "feed").Logger(),
		subs:   make(map[string]subscription),
	}
}

// Start launches the connection supervisor. It returns immediately.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("feed: client disconnected")
	}
	if c.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops reconnecting, cancels the read loop and any backoff wait,
// closes the socket and waits for the supervisor to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(StateClosed)
	c.logger.Info().Msg("feed disconnected")
}

// Subscribe registers a handler. When connected the subscribe frame is sent at once,
// otherwise it goes out with the replay on the next connect.
func (c *Client) Subscribe(channelType, id string, handler Handler) error {
	path, err := Path(channelType, id)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("feed: nil handler for %s", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[path] = subscription{channelType: channelType, id: id, handler: handler}
	if c.conn != nil {
		if err := c.conn.WriteJSON(subscribeFrame(path)); err != nil {
			c.logger.Warn().Err(err).Str("channel", path).Msg("subscribe send failed, will replay on reconnect")
		}
	}
	c.logger.Debug().Str("channel", path).Msg("subscribed")
	return nil
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (c *Client) Unsubscribe(channelType, id string) {
	path, err := Path(channelType, id)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[path]; !ok {
		return
	}
	delete(c.subs, path)
	if c.conn != nil {
		if err := c.conn.WriteJSON(unsubscribeFrame(path)); err != nil {
			c.logger.Warn().Err(err).Str("channel", path).Msg("unsubscribe send failed")
		}
	}
	c.logger.Debug().Str("channel", path).Msg("unsubscribed")
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Status reports state and counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()

	return Status{
		State:         c.State().String(),
		Subscriptions: n,
		Reconnects:    c.reconnects.Load(),
		Dropped:       c.dropped.Load(),
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetFeedState(s.String(), allStates)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := c.cfg.InitialDelay
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("feed connect failed")
		} else {
			delay = c.cfg.InitialDelay
			err = c.serve(ctx, conn)
			c.drop(conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("feed connection lost")
		}

		c.setState(StateDisconnected)
		c.logger.Info().Dur("delay", delay).Msg("reconnecting feed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.reconnects.Add(1)
		metrics.FeedReconnects.Inc()
		delay = nextDelay(delay, c.cfg.Multiplier, c.cfg.MaxDelay)
	}
}

// connect dials and replays every subscription before publishing the connection.
// Holding mu across the replay means a concurrent Subscribe is either replayed
// here or sent by Subscribe itself, never both and never neither.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	c.setState(StateConnecting)

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(dialCtx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = conn.Close()
		return nil, errors.New("feed: client disconnected")
	}
	for path := range c.subs {
		if err := conn.WriteJSON(subscribeFrame(path)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("replay %s: %w", path, err)
		}
	}

	c.conn = conn
	c.setState(StateConnected)
	c.logger.Info().Int("subscriptions", len(c.subs)).Msg("feed connected")
	return conn, nil
}

func (c *Client) drop(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) serve(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

// keepalive pings until stop closes. Closing conn unblocks the reader.
func (c *Client) keepalive(ctx context.Context, conn Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-tick:
			deadline := time.Now().Add(c.cfg.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn().Err(err).Msg("feed ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var frame struct {
		Channel string          `json:"channel"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
	}
	if err := jsonAPI.Unmarshal(data, &frame); err != nil {
		c.dropped.Add(1)
		metrics.FeedMessages.WithLabelValues("unroutable").Inc()
		c.logger.Warn().Err(err).Msg("drop unparsable feed frame")
		return
	}
	if acks[frame.Type] {
		c.logger.Debug().Str("type", frame.Type).Str("channel", frame.Channel).Msg("feed ack")
		return
	}

	key := frame.Channel
	if key == "" {
		key = frame.Type
	}
	if key == "" {
		c.dropped.Add(1)
		metrics.FeedMessages.WithLabelValues("unroutable").Inc()
		c.logger.Warn().Msg("drop feed frame without channel")
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[key]
	c.mu.Unlock()
	if !ok {
		c.dropped.Add(1)
		metrics.FeedMessages.WithLabelValues("unroutable").Inc()
		c.logger.Debug().Str("channel", key).Msg("drop unroutable feed frame")
		return
	}

	msg := Message{Channel: key, Type: frame.Type, Data: frame.Data}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		msg.Data = json.RawMessage(data)
	}
	c.invoke(ctx, sub, msg)
}

func (c *Client) invoke(ctx context.Context, sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FeedMessages.WithLabelValues("failed").Inc()
			c.logger.Error().Interface("panic", r).Str("channel", msg.Channel).Msg("feed handler panicked")
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		metrics.FeedMessages.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("channel", msg.Channel).Msg("feed handler failed")
		return
	}
	metrics.FeedMessages.WithLabelValues("routed").Inc()
}

func nextDelay(current time.Duration, multiplier float64, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > ceiling || next <= 0 {
		return ceiling
	}
	return next
}
