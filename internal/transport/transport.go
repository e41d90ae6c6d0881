// Package transport defines the common contract every delivery backend
// implements, and the factory that builds one from configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
	"github.com/mailctl/mailctl/internal/transport/mailgun"
	"github.com/mailctl/mailctl/internal/transport/null"
	"github.com/mailctl/mailctl/internal/transport/sendmail"
	"github.com/mailctl/mailctl/internal/transport/smtp"
)

// Transport sends a fully constructed message.
type Transport interface {
	Send(ctx context.Context, msg *message.Message) error
	Name() string
}

// Config is the union of every driver's configuration, as loaded from
// internal/config. Only the section matching Driver is consulted.
type Config struct {
	Driver   string
	SMTP     smtp.Config
	Mailgun  mailgun.Config
	Sendmail sendmail.Config
	Null     null.Config
}

// Build constructs the Transport named by cfg.Driver. It is a pure
// constructor: it performs no I/O beyond validating its own configuration.
func Build(cfg Config) (Transport, error) {
	switch cfg.Driver {
	case "smtp":
		return smtp.New(cfg.SMTP)
	case "mailgun":
		return mailgun.New(cfg.Mailgun)
	case "sendmail":
		return sendmail.New(cfg.Sendmail)
	case "null":
		return null.New(cfg.Null), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", mailerr.ErrConfig, cfg.Driver)
	}
}
