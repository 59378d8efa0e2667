package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AlertEvent is the JSON document mirrored to NATS for downstream consumers.
type AlertEvent struct {
	ID          string    `json:"id"`
	Recipient   int64     `json:"recipient"`
	Message     string    `json:"message"`
	WithActions bool      `json:"with_actions"`
	Timestamp   time.Time `json:"timestamp"`
}

// NATSSink publishes every alert as an AlertEvent.
type NATSSink struct {
	pub     Publisher
	subject string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewNATSSink wraps a publisher.
func NewNATSSink(pub Publisher, subject string, logger zerolog.Logger) *NATSSink {
	return &NATSSink{
		pub:     pub,
		subject: subject,
		now:     time.Now,
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}
}

func (s *NATSSink) SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt := AlertEvent{
		ID:          uuid.NewString(),
		Recipient:   recipient,
		Message:     message,
		WithActions: withActions,
		Timestamp:   s.now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	s.logger.Debug().Str("event_id", evt.ID).Str("subject", s.subject).Msg("alert mirrored")
	return nil
}

// ConnectNATS dials the broker with unlimited reconnects.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("liqguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

var _ Sink = (*NATSSink)(nil)
