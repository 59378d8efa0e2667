package alerting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrNoSink indicates no delivery channel is configured.
var ErrNoSink = errors.New("alerting: no sink configured")

// Sink 定义告警输送接口。recipient 为用户的 chat id。
type Sink interface {
	SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, recipient int64, message string, withActions bool) error

func (f SinkFunc) SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error {
	return f(ctx, recipient, message, withActions)
}

// Fanout 先投递主通道，其结果决定成败；镜像通道的失败只记录日志。
type Fanout struct {
	primary Sink
	mirrors []Sink
	logger  zerolog.Logger
}

// NewFanout builds a fan-out sink. primary may be nil, in which case the first
// mirror is promoted.
func NewFanout(primary Sink, logger zerolog.Logger, mirrors ...Sink) *Fanout {
	kept := make([]Sink, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			kept = append(kept, m)
		}
	}
	if primary == nil && len(kept) > 0 {
		primary, kept = kept[0], kept[1:]
	}
	return &Fanout{
		primary: primary,
		mirrors: kept,
		logger:  logger.With().Str("component", "alert_fanout").Logger(),
	}
}

// Empty reports whether no sink at all is wired.
func (f *Fanout) Empty() bool {
	return f == nil || f.primary == nil
}

func (f *Fanout) SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error {
	if f.Empty() {
		return ErrNoSink
	}
	if err := f.primary.SendAlert(ctx, recipient, message, withActions); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.SendAlert(ctx, recipient, message, withActions); err != nil {
			f.logger.Warn().Err(err).Int64("recipient", recipient).Msg("镜像通道投递失败")
		}
	}
	return nil
}

var (
	_ Sink = (*Fanout)(nil)
	_ Sink = SinkFunc(nil)
)
