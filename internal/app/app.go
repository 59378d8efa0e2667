package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"liqguard/internal/alerting"
	"liqguard/internal/config"
	"liqguard/internal/feed"
	"liqguard/internal/market"
	"liqguard/internal/monitor"
	"liqguard/internal/risk"
	"liqguard/internal/scheduler"
	"liqguard/internal/server"
	"liqguard/internal/storage"
	"liqguard/internal/throttle"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return store, nil
}

// newSink builds Telegram as the primary channel and NATS as a mirror. It returns
// a nil sink when alerting is disabled or nothing is configured.
func (a *App) newSink() (alerting.Sink, func(), error) {
	cfg := a.Config.Alerting
	closer := func() {}
	if !cfg.Enabled {
		return nil, closer, nil
	}

	var primary alerting.Sink
	if cfg.Telegram.Enabled {
		tg, err := alerting.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger)
		if err != nil {
			return nil, closer, err
		}
		primary = tg
	}

	var mirror alerting.Sink
	if cfg.NATS.Enabled {
		nc, err := alerting.ConnectNATS(cfg.NATS.URL, a.Logger)
		if err != nil {
			return nil, closer, err
		}
		closer = func() {
			if err := nc.Drain(); err != nil {
				a.Logger.Warn().Err(err).Msg("关闭 NATS 连接失败")
			}
		}
		mirror = alerting.NewNATSSink(nc, cfg.NATS.Subject, a.Logger)
	}

	fan := alerting.NewFanout(primary, a.Logger, mirror)
	if fan.Empty() {
		return nil, closer, nil
	}
	return fan, closer, nil
}

func (a *App) newEvaluator() *risk.Evaluator {
	return risk.NewEvaluator(a.Config.RiskParams())
}

// newMonitor wires the pipeline. rt may be nil for poll-only or read-only use.
func (a *App) newMonitor(store storage.Store, rt monitor.Feed) (*monitor.Monitor, error) {
	return monitor.New(
		store,
		market.NewClient(a.Config.MarketOptions(), a.Logger),
		rt,
		a.newEvaluator(),
		throttle.New(a.Config.ThrottleIntervals(), nil),
		monitor.Options{
			PollInterval: a.Config.Monitor.PollInterval,
			QueueSize:    a.Config.Monitor.QueueSize,
			FetchTimeout: a.Config.Monitor.FetchTimeout,
			Thresholds:   a.Config.DefaultThresholds(),
		},
		a.Logger,
	)
}

func (a *App) acquireLock(ctx context.Context, store storage.Store) (func(), error) {
	key := a.Config.Database.AdvisoryLockKey
	if key == 0 {
		return func() {}, nil
	}
	unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, errors.New("another instance already holds the advisory lock")
	}
	return unlock, nil
}

// Run executes the long-running monitoring engine until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	unlock, err := a.acquireLock(ctx, store)
	if err != nil {
		return err
	}
	defer unlock()

	var (
		rt       monitor.Feed
		rtStatus server.FeedStatus
	)
	if a.Config.Feed.Enabled {
		client := feed.NewClient(a.Config.FeedConfig(), nil, a.Logger)
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start feed: %w", err)
		}
		defer client.Disconnect()
		rt, rtStatus = client, client
	} else {
		a.Logger.Warn().Msg("feed.enabled=false; wallets are polled only")
	}

	mon, err := a.newMonitor(store, rt)
	if err != nil {
		return err
	}

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	defer closeSink()
	if sink == nil {
		a.Logger.Warn().Msg("no alert channel configured; alerts are stored unsent")
	}
	mon.SetNotifier(sink)

	if err := mon.StartAll(ctx); err != nil {
		return err
	}

	jobs := scheduler.NewCron(a.Logger)
	if err := a.addJobs(ctx, jobs, mon, store); err != nil {
		return err
	}
	jobs.Start()

	srvErr := make(chan error, 1)
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server.Addr, mon, rtStatus, a.Logger)
		go func() { srvErr <- srv.Run(ctx) }()
	}

	a.Logger.Info().Int("wallets", len(mon.Running())).Msg("starting monitoring engine")
	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			a.Logger.Error().Err(err).Msg("http server terminated with error")
		}
	}

	jobs.Stop()
	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelStop()
	if stopErr := mon.StopAll(stopCtx); stopErr != nil {
		a.Logger.Error().Err(stopErr).Msg("failed to stop every wallet cleanly")
	}

	a.Logger.Info().Msg("monitoring engine stopped")
	return err
}

func (a *App) addJobs(ctx context.Context, jobs *scheduler.Cron, mon *monitor.Monitor, store storage.AlertStore) error {
	if spec := a.Config.Jobs.ReconcileSpec; spec != "" {
		if err := jobs.Add(ctx, scheduler.Job{
			Name:    "reconcile",
			Spec:    spec,
			Timeout: time.Minute,
			Run:     mon.Reconcile,
		}); err != nil {
			return err
		}
	}

	window := a.Config.Jobs.RetentionWindow
	if spec := a.Config.Jobs.RetentionSpec; spec != "" && window > 0 {
		if err := jobs.Add(ctx, scheduler.Job{
			Name:    "retention",
			Spec:    spec,
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				removed, err := store.DeleteAlertsBefore(ctx, time.Now().UTC().Add(-window))
				if err != nil {
					return err
				}
				a.Logger.Info().Int64("removed", removed).Dur("window", window).Msg("pruned alert history")
				return nil
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	Wallet    string
	Window    time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Wallet string
	Hours  int
}

// SimulateOptions describe a synthetic position pushed through evaluation and the sink.
type SimulateOptions struct {
	ChatID      int64
	Wallet      string
	Symbol      string
	Side        string
	Size        float64
	Entry       float64
	Mark        float64
	TotalMargin float64
	UsedMargin  float64
}
