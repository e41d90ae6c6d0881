// Package null provides a discard transport for tests and local development.
package null

import (
	"context"
	"log/slog"

	"github.com/mailctl/mailctl/internal/message"
)

// Config configures the From address applied to outgoing messages.
type Config struct {
	FromAddress string
	FromName    string
	Logger      *slog.Logger
}

// Sink is a Transport that logs and discards every message.
type Sink struct {
	cfg Config
}

// New constructs a Sink. Unlike the other transports it never fails to
// construct.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

func (s *Sink) Name() string { return "null" }

// Send logs the message at debug level and returns nil.
func (s *Sink) Send(ctx context.Context, msg *message.Message) error {
	logger := s.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "null transport discarding message", "to", msg.To, "subject", msg.Subject, "message_id", msg.MessageID())
	return nil
}
