package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune a Loop.
type Options struct {
	Name     string
	Interval time.Duration
	// AlignToStart fires on wall-clock multiples of Interval instead of relative to start.
	AlignToStart bool
	StartupDelay time.Duration
}

// Loop runs a tick function at a fixed interval until its context ends.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// NewLoop validates opts and builds a loop.
func NewLoop(opts Options, logger zerolog.Logger) (*Loop, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	log := logger.With().Str("component", "scheduler")
	if opts.Name != "" {
		log = log.Str("loop", opts.Name)
	}
	return &Loop{opts: opts, logger: log.Logger()}, nil
}

// Interval returns the configured period.
func (l *Loop) Interval() time.Duration {
	return l.opts.Interval
}

// Run blocks until ctx is cancelled. Tick errors are logged and the loop goes on.
// A tick that overruns its slot skips the missed slots rather than firing back to back.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		if err := wait(ctx, l.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := l.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = l.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		l.logger.Debug().Time("next", next).Msg("waiting for next tick")
		if err := wait(ctx, delay); err != nil {
			return err
		}

		if err := tick(ctx, next); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error().Err(err).Time("tick", next).Msg("tick execution failed")
		}

		next = next.Add(l.opts.Interval)
	}
}

func (l *Loop) nextTick(now time.Time) time.Time {
	if !l.opts.AlignToStart {
		return now.Add(l.opts.Interval)
	}
	slot := now.Truncate(l.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(l.opts.Interval)
	}
	return slot
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
