package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"liqguard/internal/metrics"
)

// Job is a named cron task. Timeout bounds one run when positive.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Cron runs Jobs on cron specs ("@every 1m", "@daily", "0 3 * * *").
type Cron struct {
	c      *cron.Cron
	logger zerolog.Logger
}

// NewCron builds a scheduler that recovers panics and never overlaps runs of one job.
func NewCron(logger zerolog.Logger) *Cron {
	log := logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{log: log}
	return &Cron{
		c: cron.New(cron.WithChain(
			cron.Recover(adapter),
			cron.SkipIfStillRunning(adapter),
		)),
		logger: log,
	}
}

// Add registers job; each run gets a context derived from ctx.
func (c *Cron) Add(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("cron job %s has no func", job.Name)
	}
	_, err := c.c.AddFunc(job.Spec, func() {
		runCtx := ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job.Run(runCtx); err != nil {
			metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
			c.logger.Error().Err(err).Str("job", job.Name).Msg("job failed")
			return
		}
		metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
		c.logger.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	c.logger.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
	return nil
}

// Start runs the scheduler in its own goroutine.
func (c *Cron) Start() {
	c.c.Start()
}

// Stop prevents new runs and waits for running ones to finish.
func (c *Cron) Stop() {
	<-c.c.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
