package throttle

import (
	"sync"
	"time"

	"liqguard/internal/models"
)

// Key identifies one alert stream. Keys never span wallets.
type Key struct {
	Wallet   string
	Symbol   string
	Severity models.Severity
}

// Intervals are the minimum gaps between two alerts of the same severity.
type Intervals struct {
	Warning  time.Duration
	Critical time.Duration
	Urgent   time.Duration
}

// DefaultIntervals returns 60m/30m/5m.
func DefaultIntervals() Intervals {
	return Intervals{
		Warning:  time.Hour,
		Critical: 30 * time.Minute,
		Urgent:   5 * time.Minute,
	}
}

func (iv Intervals) of(s models.Severity) time.Duration {
	switch s {
	case models.SeverityUrgent:
		return iv.Urgent
	case models.SeverityCritical:
		return iv.Critical
	default:
		return iv.Warning
	}
}

// Throttle is an in-memory last-alert table. It starts empty on every process start.
type Throttle struct {
	mu        sync.Mutex
	intervals Intervals
	last      map[Key]time.Time
	now       func() time.Time
}

// New builds a throttle. A nil clock uses time.Now.
func New(intervals Intervals, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		intervals: intervals,
		last:      make(map[Key]time.Time),
		now:       now,
	}
}

// ShouldAlert reports whether key may fire now. It never records.
func (t *Throttle) ShouldAlert(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[key]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= t.intervals.of(key.Severity)
}

// Record stores the current time for key. Call only after a confirmed send.
func (t *Throttle) Record(key Key) {
	t.mu.Lock()
	t.last[key] = t.now()
	t.mu.Unlock()
}

// Forget drops every key of a wallet, used when monitoring stops.
func (t *Throttle) Forget(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.last {
		if k.Wallet == wallet {
			delete(t.last, k)
		}
	}
}

// Len is the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
