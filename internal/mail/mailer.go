// Package mail hands verification codes to the external notification
// service. Delivery is fire-and-forget: the auth flows never block on
// it and never roll back persisted state when it fails.
package mail

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Message struct {
	To      string `json:"to"`
	Name    string `json:"name"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type natsMailer struct {
	conn    *nats.Conn
	subject string
}

// NewNATSMailer publishes mail events for the mailer service to pick up.
func NewNATSMailer(conn *nats.Conn, subject string) Mailer {
	return &natsMailer{conn: conn, subject: subject}
}

func (m *natsMailer) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.conn.Publish(m.subject, data)
}

type nopMailer struct {
	logger zerolog.Logger
}

// NewNopMailer logs instead of sending, for local development and tests.
func NewNopMailer(logger zerolog.Logger) Mailer {
	return &nopMailer{logger: logger}
}

func (m *nopMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info().
		Str("to", msg.To).
		Str("purpose", msg.Purpose).
		Msg("mail dispatch skipped (no mailer configured)")
	return nil
}
