// Package monitor supervises one task per watched wallet and runs the dispatch pipeline
// that turns market updates into stored snapshots and throttled alerts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"liqguard/internal/alerting"
	"liqguard/internal/feed"
	"liqguard/internal/metrics"
	"liqguard/internal/models"
	"liqguard/internal/risk"
	"liqguard/internal/scheduler"
	"liqguard/internal/storage"
	"liqguard/internal/throttle"
)

// ErrWalletInactive is returned when starting a wallet its owner removed.
var ErrWalletInactive = errors.New("monitor: wallet is inactive")

// Store is the persistence the pipeline needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetWalletByAddress(ctx context.Context, address string) (models.Wallet, error)
	ListActiveWallets(ctx context.Context) ([]models.Wallet, error)
	UpsertPosition(ctx context.Context, pos models.PositionSnapshot) error
	ListPositions(ctx context.Context, walletID int64) ([]models.PositionSnapshot, error)
	PrunePositions(ctx context.Context, walletID int64, keep []string) (int64, error)
	UpsertBalance(ctx context.Context, acct models.AccountSnapshot) error
	GetBalance(ctx context.Context, walletID int64) (models.AccountSnapshot, error)
	CreateAlert(ctx context.Context, alert models.AlertRecord) (models.AlertRecord, error)
	MarkAlertSent(ctx context.Context, id int64) error
}

// MarketData is the REST source used for full fetches.
type MarketData interface {
	GetPositions(ctx context.Context, wallet string) (json.RawMessage, error)
	GetAccount(ctx context.Context, wallet string) (json.RawMessage, error)
}

// Feed is the realtime subscription surface.
type Feed interface {
	Subscribe(channelType, id string, handler feed.Handler) error
	Unsubscribe(channelType, id string)
}

// Options tune every wallet task.
type Options struct {
	PollInterval time.Duration
	QueueSize    int
	FetchTimeout time.Duration
	// Thresholds apply to wallets without their own.
	Thresholds models.Thresholds
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Thresholds.Warning.IsZero() && o.Thresholds.Urgent.IsZero() {
		o.Thresholds = models.DefaultThresholds()
	}
	return o
}

type update struct {
	channel string
	data    json.RawMessage
}

// task is the running state of one wallet.
type task struct {
	address string
	updates chan update
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// mu serializes pipeline runs of this wallet.
	mu sync.Mutex
}

type sinkHolder struct {
	sink alerting.Sink
}

// Monitor owns the wallet tasks.
type Monitor struct {
	store     Store
	market    MarketData
	feed      Feed
	evaluator *risk.Evaluator
	throttle  *throttle.Throttle
	poll      *scheduler.Loop
	opts      Options
	logger    zerolog.Logger

	sink atomic.Pointer[sinkHolder]

	mu    sync.Mutex
	tasks map[string]*task
	// gates hold one slot per address ever started or stopped.
	gates map[string]chan struct{}
}

// New builds a monitor. feed may be nil, in which case wallets are polled only.
func New(store Store, market MarketData, rt Feed, evaluator *risk.Evaluator, thr *throttle.Throttle, opts Options, logger zerolog.Logger) (*Monitor, error) {
	if store == nil || market == nil || evaluator == nil || thr == nil {
		return nil, errors.New("monitor: store, market, evaluator and throttle are required")
	}
	opts = opts.withDefaults()
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	poll, err := scheduler.NewLoop(scheduler.Options{Name: "wallet-poll", Interval: opts.PollInterval}, logger)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		store:     store,
		market:    market,
		feed:      rt,
		evaluator: evaluator,
		throttle:  thr,
		poll:      poll,
		opts:      opts,
		logger:    logger.With().Str("component", "monitor").Logger(),
		tasks:     make(map[string]*task),
		gates:     make(map[string]chan struct{}),
	}, nil
}

// SetNotifier installs the alert sink. nil clears it; alerts are then stored unsent.
func (m *Monitor) SetNotifier(sink alerting.Sink) {
	if sink == nil {
		m.sink.Store(nil)
		return
	}
	m.sink.Store(&sinkHolder{sink: sink})
}

func (m *Monitor) notifier() alerting.Sink {
	if h := m.sink.Load(); h != nil {
		return h.sink
	}
	return nil
}

// Start begins monitoring address. Starting a running wallet is a no-op.
// The task outlives ctx; only Stop ends it.
func (m *Monitor) Start(ctx context.Context, address string) error {
	addr := storage.NormalizeAddress(address)
	release, err := m.lockWallet(ctx, addr)
	if err != nil {
		return fmt.Errorf("start %s: %w", addr, err)
	}
	defer release()

	if m.IsRunning(addr) {
		m.logger.Warn().Str("wallet", addr).Msg("钱包已在监控中")
		return nil
	}

	wallet, err := m.store.GetWalletByAddress(ctx, addr)
	if err == nil && !wallet.Active {
		err = ErrWalletInactive
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", addr, err)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		address: addr,
		updates: make(chan update, m.opts.QueueSize),
		cancel:  cancel,
	}
	m.mu.Lock()
	m.tasks[addr] = t
	m.mu.Unlock()

	m.run(taskCtx, t, "initial", m.fullFetch)

	if m.feed != nil {
		for _, channel := range []string{feed.ChannelPositions, feed.ChannelBalances} {
			if err := m.feed.Subscribe(channel, addr, m.enqueue(t, channel)); err != nil {
				m.logger.Warn().Err(err).Str("wallet", addr).Str("channel", channel).Msg("订阅实时频道失败，仅依赖轮询")
			}
		}
	}

	t.wg.Add(2)
	go m.pollLoop(taskCtx, t)
	go m.consume(taskCtx, t)

	metrics.MonitoredWallets.Set(float64(m.count()))
	m.logger.Info().Str("wallet", addr).Int64("wallet_id", wallet.ID).Msg("开始监控钱包")
	return nil
}

// Stop ends monitoring of address and waits until its goroutines have exited.
// Subscriptions are dropped before waiting. If ctx ends first Stop returns its
// error and the remaining teardown completes in the background; the wallet
// cannot be started again until it has.
func (m *Monitor) Stop(ctx context.Context, address string) error {
	addr := storage.NormalizeAddress(address)
	release, err := m.lockWallet(ctx, addr)
	if err != nil {
		return fmt.Errorf("stop %s: %w", addr, err)
	}

	m.mu.Lock()
	t, ok := m.tasks[addr]
	delete(m.tasks, addr)
	m.mu.Unlock()
	if !ok {
		release()
		return nil
	}

	t.cancel()
	if m.feed != nil {
		m.feed.Unsubscribe(feed.ChannelPositions, addr)
		m.feed.Unsubscribe(feed.ChannelBalances, addr)
	}

	joined := make(chan struct{})
	go func() {
		defer release()
		t.wg.Wait()
		m.stopped(addr)
		close(joined)
	}()

	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		m.logger.Warn().Str("wallet", addr).Msg("停止等待超时，任务将在后台退出")
		return ctx.Err()
	}
}

// stopped clears the per-wallet state once the task's goroutines are gone.
func (m *Monitor) stopped(addr string) {
	m.throttle.Forget(addr)
	metrics.ThrottleKeys.Set(float64(m.throttle.Len()))
	metrics.MarginRatio.DeleteLabelValues(addr)
	metrics.MonitoredWallets.Set(float64(m.count()))
	m.logger.Info().Str("wallet", addr).Msg("停止监控钱包")
}

// lockWallet serializes Start and Stop of one address. A free wallet is taken
// even when ctx is already done.
func (m *Monitor) lockWallet(ctx context.Context, addr string) (release func(), err error) {
	m.mu.Lock()
	gate, ok := m.gates[addr]
	if !ok {
		gate = make(chan struct{}, 1)
		m.gates[addr] = gate
	}
	m.mu.Unlock()

	release = func() { <-gate }
	select {
	case gate <- struct{}{}:
		return release, nil
	default:
	}
	select {
	case gate <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartAll starts every active wallet. A failing wallet is logged and skipped.
func (m *Monitor) StartAll(ctx context.Context) error {
	wallets, err := m.store.ListActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("list active wallets: %w", err)
	}
	started := 0
	for _, w := range wallets {
		if err := m.Start(ctx, w.Address); err != nil {
			m.logger.Error().Err(err).Str("wallet", w.Address).Msg("启动钱包监控失败")
			continue
		}
		started++
	}
	m.logger.Info().Int("wallets", len(wallets)).Int("started", started).Msg("钱包监控已全部启动")
	return nil
}

// StopAll stops every running wallet.
func (m *Monitor) StopAll(ctx context.Context) error {
	var errs []error
	for _, addr := range m.Running() {
		if err := m.Stop(ctx, addr); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Reconcile starts active wallets that are not running and stops running ones
// that are no longer active.
func (m *Monitor) Reconcile(ctx context.Context) error {
	wallets, err := m.store.ListActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("list active wallets: %w", err)
	}
	active := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		active[w.Address] = struct{}{}
	}

	running := m.Running()
	runningSet := make(map[string]struct{}, len(running))
	var stopped, started int
	for _, addr := range running {
		runningSet[addr] = struct{}{}
		if _, ok := active[addr]; ok {
			continue
		}
		if err := m.Stop(ctx, addr); err != nil {
			m.logger.Error().Err(err).Str("wallet", addr).Msg("停止已停用钱包失败")
			continue
		}
		stopped++
	}
	for _, w := range wallets {
		if _, ok := runningSet[w.Address]; ok {
			continue
		}
		if err := m.Start(ctx, w.Address); err != nil {
			m.logger.Error().Err(err).Str("wallet", w.Address).Msg("启动新钱包监控失败")
			continue
		}
		started++
	}
	if started > 0 || stopped > 0 {
		m.logger.Info().Int("started", started).Int("stopped", stopped).Msg("钱包集合已同步")
	}
	return nil
}

// Running lists monitored addresses, sorted.
func (m *Monitor) Running() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.tasks))
	for addr := range m.tasks {
		out = append(out, addr)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsRunning reports whether address has a task.
func (m *Monitor) IsRunning(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[storage.NormalizeAddress(address)]
	return ok
}

func (m *Monitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Monitor) pollLoop(ctx context.Context, t *task) {
	defer t.wg.Done()
	_ = m.poll.Run(ctx, func(ctx context.Context, _ time.Time) error {
		m.run(ctx, t, "poll", m.fullFetch)
		return nil
	})
}

func (m *Monitor) consume(ctx context.Context, t *task) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-t.updates:
			m.run(ctx, t, "feed", func(ctx context.Context, w models.Wallet) (bool, error) {
				return m.applyUpdate(ctx, w, u)
			})
		}
	}
}

// enqueue hands feed frames to the wallet queue without blocking the read loop.
func (m *Monitor) enqueue(t *task, channel string) feed.Handler {
	return func(_ context.Context, msg feed.Message) error {
		select {
		case t.updates <- update{channel: channel, data: msg.Data}:
		default:
			metrics.QueueOverflows.Inc()
			m.logger.Warn().Str("wallet", t.address).Str("channel", channel).Msg("更新队列已满，丢弃实时更新")
		}
		return nil
	}
}
