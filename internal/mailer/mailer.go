// Package mailer orchestrates message construction, rate limiting, DKIM
// signing, and dispatch to either a transport directly or a queue.Queue
// for deferred delivery.
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mailctl/mailctl/internal/dkim"
	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
	"github.com/mailctl/mailctl/internal/metrics"
	"github.com/mailctl/mailctl/internal/queue"
	"github.com/mailctl/mailctl/internal/ratelimit"
	"github.com/mailctl/mailctl/internal/transport"
)

// DriverConfig carries the From address and DKIM material applicable to
// the currently active transport, independent of which concrete driver it is.
type DriverConfig struct {
	TransportName string
	FromAddress   string
	DKIMPrivateKey string
	DKIMSelector   string
	DKIMDomain     string
}

// envelope is the JSON payload stored in the queue for a deferred send.
type envelope struct {
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Content     string              `json:"content"`
	AltContent  string              `json:"alt_content,omitempty"`
	ContentType message.ContentType `json:"content_type"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
}

// Mailer is the single entry point for sending or enqueueing mail.
type Mailer struct {
	transport   atomic.Pointer[transport.Transport]
	driverCfg   atomic.Pointer[DriverConfig]
	rateLimiter *ratelimit.RateLimiter
	queue       *queue.Queue
	logger      *slog.Logger
	defaultQueueName string
	metrics     *metrics.Metrics
}

// New constructs a Mailer with its initial transport and driver config. mt
// may be nil, in which case Send and Enqueue record no metrics.
func New(t transport.Transport, driverCfg DriverConfig, rl *ratelimit.RateLimiter, q *queue.Queue, defaultQueueName string, logger *slog.Logger, mt *metrics.Metrics) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailer{
		rateLimiter:      rl,
		queue:            q,
		logger:           logger,
		defaultQueueName: defaultQueueName,
		metrics:          mt,
	}
	m.transport.Store(&t)
	m.driverCfg.Store(&driverCfg)
	return m
}

func (m *Mailer) currentTransport() transport.Transport {
	return *m.transport.Load()
}

func (m *Mailer) currentDriverConfig() DriverConfig {
	return *m.driverCfg.Load()
}

// SetDriver atomically swaps the active transport. The new Transport must
// already be fully built (via transport.Build) before calling this.
func (m *Mailer) SetDriver(t transport.Transport, cfg DriverConfig) {
	m.transport.Store(&t)
	m.driverCfg.Store(&cfg)
}

func (m *Mailer) buildMessage(to, subject, content, altContent string, ct message.ContentType, attachments ...message.Attachment) (*message.Message, error) {
	msg, err := message.New(to, subject, content, ct, attachments...)
	if err != nil {
		return nil, err
	}
	msg.AltContent = altContent

	cfg := m.currentDriverConfig()
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("%w: no from address configured", mailerr.ErrConfig)
	}
	if err := msg.SetFrom(cfg.FromAddress); err != nil {
		return nil, err
	}

	if dkim.ShouldSign(cfg.TransportName, cfg.DKIMPrivateKey, cfg.DKIMSelector, cfg.DKIMDomain) {
		signer, err := dkim.NewSigner(cfg.DKIMDomain, cfg.DKIMSelector, cfg.DKIMPrivateKey)
		if err != nil {
			return nil, err
		}
		body, err := msg.Body()
		if err != nil {
			return nil, err
		}
		sig, err := signer.Sign(msg.CoreHeaders(), body)
		if err != nil {
			return nil, err
		}
		if err := msg.SetDKIMSignature(sig); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// Send builds and immediately delivers a message through the current
// transport, subject to the rate limiter. altContent carries the HTML half
// of a ContentTypeMultipartAlternative message and is ignored otherwise.
func (m *Mailer) Send(ctx context.Context, to, subject, content, altContent string, ct message.ContentType, attachments ...message.Attachment) error {
	start := time.Now()
	driverName := m.currentDriverConfig().TransportName

	if m.rateLimiter != nil {
		allowed, err := m.rateLimiter.Allow()
		if err != nil {
			return fmt.Errorf("mailer: rate limiter: %w", err)
		}
		if !allowed {
			if m.metrics != nil {
				m.metrics.RateLimiterRejected.WithLabelValues(m.rateLimiter.Key).Inc()
			}
			return mailerr.ErrRateLimited
		}
	}

	msg, err := m.buildMessage(to, subject, content, altContent, ct, attachments...)
	if err != nil {
		return err
	}

	err = m.currentTransport().Send(ctx, msg)
	if m.metrics != nil {
		m.metrics.EmailSendDuration.WithLabelValues(driverName).Observe(time.Since(start).Seconds())
		outcome := "sent"
		if err != nil {
			outcome = "error"
		}
		m.metrics.EmailSendTotal.WithLabelValues(driverName, outcome).Inc()
	}
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "message sent", "to", to, "message_id", msg.MessageID(), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Enqueue builds a message (applying From and DKIM) and pushes its
// serialised form onto queueName for later delivery by a worker. It does
// not check the rate limiter; the limiter is applied at dispatch time in
// the worker's send path instead. altContent carries the HTML half of a
// ContentTypeMultipartAlternative message and is ignored otherwise.
func (m *Mailer) Enqueue(ctx context.Context, to, subject, content, altContent string, ct message.ContentType, queueName string, attachments ...message.Attachment) (string, error) {
	if queueName == "" {
		queueName = m.defaultQueueName
	}
	if m.queue == nil {
		return "", fmt.Errorf("%w: no queue configured", mailerr.ErrConfig)
	}

	msg, err := m.buildMessage(to, subject, content, altContent, ct, attachments...)
	if err != nil {
		return "", err
	}

	env := envelope{
		To:          msg.To,
		Subject:     msg.Subject,
		Content:     content,
		AltContent:  altContent,
		ContentType: ct,
		Attachments: attachments,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("mailer: marshal envelope: %w", err)
	}

	id, err := m.queue.Push(ctx, "SendEmail", payload, queueName)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Decode reconstructs a message.Message (with From and DKIM signature
// reapplied) from a queued envelope payload. It is the worker.Decoder
// implementation for Mailer-enqueued jobs, and so also the point where the
// rate limiter is applied on the queue path: each call takes one admission
// and returns ErrRateLimited when none is left.
func (m *Mailer) Decode(payload []byte) (*message.Message, error) {
	if m.rateLimiter != nil {
		allowed, err := m.rateLimiter.Allow()
		if err != nil {
			return nil, fmt.Errorf("mailer: rate limiter: %w", err)
		}
		if !allowed {
			return nil, mailerr.ErrRateLimited
		}
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("mailer: unmarshal envelope: %w", err)
	}
	msg, err := m.buildMessage(env.To, env.Subject, env.Content, env.AltContent, env.ContentType, env.Attachments...)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
