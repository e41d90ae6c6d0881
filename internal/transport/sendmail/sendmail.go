// Package sendmail pipes a composed message to a local MTA binary.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
)

// Config configures the local binary path and the From applied to messages
// that don't already carry one.
type Config struct {
	Path        string
	FromAddress string
	FromName    string
	Logger      *slog.Logger
}

// Pipe spawns the configured sendmail-compatible binary per message.
type Pipe struct {
	cfg Config
}

// New constructs a Pipe, defaulting Path to /usr/sbin/sendmail.
func New(cfg Config) (*Pipe, error) {
	if cfg.Path == "" {
		cfg.Path = "/usr/sbin/sendmail"
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("%w: sendmail driver requires a from address", mailerr.ErrConfig)
	}
	return &Pipe{cfg: cfg}, nil
}

func (p *Pipe) Name() string { return "sendmail" }

// Send writes the serialised message to the sendmail process's stdin.
func (p *Pipe) Send(ctx context.Context, msg *message.Message) error {
	if msg.From() == "" {
		if err := msg.SetFrom(p.cfg.FromAddress); err != nil {
			return err
		}
	}
	payload, err := msg.Bytes()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.cfg.Path, "-t", "-i")
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := p.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		logger.ErrorContext(ctx, "sendmail process failed", "exit_code", exitCode, "stderr", stderr.String())
		return &mailerr.SendmailError{ExitCode: exitCode, Stderr: stderr.String()}
	}

	logger.InfoContext(ctx, "sendmail accepted message", "to", msg.To, "message_id", msg.MessageID())
	return nil
}
