// Package mailgun sends messages through the Mailgun HTTP API using the
// official SDK, which handles the multipart/form-data vs.
// urlencoded-body distinction and h:/o:/v: field prefixing internally.
package mailgun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	mg "github.com/mailgun/mailgun-go/v4"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
)

const maxTags = 3

// Config configures one Mailgun sending domain.
type Config struct {
	APIKey           string
	Domain           string
	Region           string // "us" or "eu"
	FromAddress      string
	FromName         string
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	TrackClicks      bool
	TrackOpens       bool
	DeliveryTime     time.Time
	Tags             []string
	Variables        map[string]string
	Logger           *slog.Logger
}

// Client sends mail through the Mailgun API.
type Client struct {
	cfg Config
	mg  *mg.MailgunImpl
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("%w: mailgun driver requires api_key and domain", mailerr.ErrConfig)
	}
	if cfg.Region != "" && cfg.Region != "us" && cfg.Region != "eu" {
		return nil, fmt.Errorf("%w: mailgun region must be us or eu", mailerr.ErrConfig)
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("%w: mailgun driver requires a from address", mailerr.ErrConfig)
	}
	if len(cfg.Tags) > maxTags {
		return nil, fmt.Errorf("%w: at most %d tags", mailerr.ErrTooManyTags, maxTags)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	client := mg.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.Region == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}
	client.SetClient(&http.Client{Timeout: cfg.Timeout})

	return &Client{cfg: cfg, mg: client}, nil
}

func (c *Client) Name() string { return "mailgun" }

// Send builds an mg.Message from msg and the driver config and POSTs it.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if msg.From() == "" {
		if err := msg.SetFrom(c.cfg.FromAddress); err != nil {
			return err
		}
	}

	from := msg.From()
	if c.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", c.cfg.FromName, msg.From())
	}

	var m *mg.Message
	switch msg.ContentType {
	case message.ContentTypeHTML:
		m = c.mg.NewMessage(from, msg.Subject, "", msg.To)
		m.SetHTML(msg.Content)
	case message.ContentTypeMultipartAlternative:
		m = c.mg.NewMessage(from, msg.Subject, msg.Content, msg.To)
		m.SetHTML(msg.AltContent)
	default:
		m = c.mg.NewMessage(from, msg.Subject, msg.Content, msg.To)
	}

	logger := c.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, att := range msg.Attachments {
		f, err := os.Open(att.Path)
		if err != nil {
			logger.WarnContext(ctx, "mailgun: dropping unreadable attachment", "path", att.Path, "error", err)
			continue
		}
		name := att.Filename
		if name == "" {
			name = filepath.Base(att.Path)
		}
		m.AddReaderAttachment(name, f)
	}

	if sig := msg.DKIMSignature(); sig != "" {
		m.AddHeader("DKIM-Signature", sig)
	}

	if c.cfg.TrackClicks {
		m.SetTracking(true)
		m.SetTrackingClicks(true)
	}
	if c.cfg.TrackOpens {
		m.SetTracking(true)
		m.SetTrackingOpens(true)
	}
	if !c.cfg.DeliveryTime.IsZero() {
		m.SetDeliveryTime(c.cfg.DeliveryTime)
	}
	for _, tag := range c.cfg.Tags {
		if err := m.AddTag(tag); err != nil {
			return fmt.Errorf("%w: %v", mailerr.ErrTooManyTags, err)
		}
	}
	for k, v := range c.cfg.Variables {
		if err := m.AddVariable(k, v); err != nil {
			return fmt.Errorf("mailgun: add variable %s: %w", k, err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, _, err := c.mg.Send(sendCtx, m)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func classifyError(err error) error {
	var unexpected *mg.UnexpectedResponseError
	if errors.As(err, &unexpected) {
		switch unexpected.Actual {
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", mailerr.ErrInvalidRequest, unexpected.Error())
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", mailerr.ErrAuthFailed, unexpected.Error())
		case http.StatusPaymentRequired, http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", mailerr.ErrRejected, unexpected.Error())
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", mailerr.ErrDomainMissing, unexpected.Error())
		case http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%w: %s", mailerr.ErrMessageTooLarge, unexpected.Error())
		}
		if unexpected.Actual >= 500 {
			return fmt.Errorf("%w: %s", mailerr.ErrUpstreamUnavailable, unexpected.Error())
		}
		return fmt.Errorf("%w: %s", mailerr.ErrUpstreamError, unexpected.Error())
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("%w: %v", mailerr.ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %v", mailerr.ErrUpstreamError, err)
}
