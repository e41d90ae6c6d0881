// Package smtp implements the SMTP client state machine: connect, greet,
// optional STARTTLS upgrade, optional AUTH, and the MAIL/RCPT/DATA dialogue.
//
// It is built directly on net/textproto rather than a higher-level SMTP
// client package because the state machine needs response-code-level
// control over every step (recording exactly which step failed, and with
// what code) that a client library's single Send/Auth call would hide.
package smtp

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
)

// Encryption selects how (and whether) TLS is applied to the connection.
type Encryption string

const (
	EncryptionNone Encryption = "none"
	EncryptionTLS  Encryption = "tls" // STARTTLS upgrade after a plaintext EHLO
	EncryptionSSL  Encryption = "ssl" // implicit TLS from the first byte
)

// Config configures one SMTP endpoint.
type Config struct {
	Host           string
	Port           int
	Encryption     Encryption
	Username       string
	Password       string
	ConnectTimeout time.Duration
	FromAddress    string
	FromName       string
	Logger         *slog.Logger
}

// Client drives the SMTP dialogue. Each Send starts from a fresh
// connection: the client does not pool or reuse sockets across sends.
type Client struct {
	cfg Config
}

// New validates cfg and returns a ready Client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp driver requires a host", mailerr.ErrConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionTLS
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("%w: smtp driver requires a from address", mailerr.ErrConfig)
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) Name() string { return "smtp" }

func (c *Client) logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}

// Send runs the full state machine dialogue for one message, closing the
// connection unconditionally on return (success or failure), so the next
// Send always begins from DISCONNECTED.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if msg.From() == "" {
		if err := msg.SetFrom(c.cfg.FromAddress); err != nil {
			return err
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	text := textproto.NewConn(conn)
	defer text.Close()

	if err := c.applyDeadline(conn); err != nil {
		return err
	}

	if err := c.expect(text, "greeting", 220); err != nil {
		return err
	}

	caps, err := c.ehlo(text)
	if err != nil {
		return err
	}

	if c.cfg.Encryption == EncryptionTLS && caps["STARTTLS"] {
		conn, text, caps, err = c.upgradeTLS(ctx, conn)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer text.Close()
	}

	if c.cfg.Username != "" {
		if err := c.authenticate(text, caps); err != nil {
			return err
		}
	}

	if err := c.mailFrom(text, msg.From()); err != nil {
		return err
	}
	if err := c.rcptTo(text, msg.To); err != nil {
		return err
	}
	if err := c.data(text, msg); err != nil {
		return err
	}

	c.quit(text)

	c.logger().InfoContext(ctx, "smtp delivery accepted", "to", msg.To, "message_id", msg.MessageID())
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}

	var conn net.Conn
	var err error
	if c.cfg.Encryption == EncryptionSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &mailerr.SmtpTransportError{Step: "dial", Err: err}
	}
	return conn, nil
}

func (c *Client) applyDeadline(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return &mailerr.SmtpTransportError{Step: "set deadline", Err: err}
	}
	return nil
}

func (c *Client) expect(text *textproto.Conn, step string, expectCode int) error {
	code, msg, err := text.ReadResponse(expectCode)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			return &mailerr.SmtpProtocolError{Step: step, Expected: fmt.Sprintf("%d", expectCode), Code: protoErr.Code, Reply: protoErr.Msg}
		}
		return &mailerr.SmtpTransportError{Step: step, Err: err}
	}
	_ = code
	_ = msg
	return nil
}

func (c *Client) ehlo(text *textproto.Conn) (map[string]bool, error) {
	id, err := text.Cmd("EHLO localhost")
	if err != nil {
		return nil, &mailerr.SmtpTransportError{Step: "ehlo", Err: err}
	}
	text.StartResponse(id)
	defer text.EndResponse(id)

	code, msg, err := text.ReadResponse(250)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			return nil, &mailerr.SmtpProtocolError{Step: "ehlo", Expected: "250", Code: protoErr.Code, Reply: protoErr.Msg}
		}
		return nil, &mailerr.SmtpTransportError{Step: "ehlo", Err: err}
	}
	_ = code

	caps := map[string]bool{}
	for _, line := range strings.Split(msg, "\n") {
		caps[strings.ToUpper(strings.TrimSpace(line))] = true
	}
	return caps, nil
}

func (c *Client) upgradeTLS(ctx context.Context, conn net.Conn) (net.Conn, *textproto.Conn, map[string]bool, error) {
	text := textproto.NewConn(conn)

	id, err := text.Cmd("STARTTLS")
	if err != nil {
		return nil, nil, nil, &mailerr.SmtpTransportError{Step: "starttls", Err: err}
	}
	text.StartResponse(id)
	if _, _, err := text.ReadResponse(220); err != nil {
		text.EndResponse(id)
		if protoErr, ok := err.(*textproto.Error); ok {
			return nil, nil, nil, &mailerr.SmtpProtocolError{Step: "starttls", Expected: "220", Code: protoErr.Code, Reply: protoErr.Msg}
		}
		return nil, nil, nil, &mailerr.SmtpTransportError{Step: "starttls", Err: err}
	}
	text.EndResponse(id)

	tlsConn := tls.Client(conn, &tls.Config{ServerName: c.cfg.Host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, nil, &mailerr.SmtpTransportError{Step: "tls handshake", Err: err}
	}

	newText := textproto.NewConn(tlsConn)
	caps, err := c.ehlo(newText)
	if err != nil {
		return nil, nil, nil, err
	}
	return tlsConn, newText, caps, nil
}

func (c *Client) authenticate(text *textproto.Conn, caps map[string]bool) error {
	if caps["AUTH CRAM-MD5"] || containsMechanism(caps, "CRAM-MD5") {
		return c.authCramMD5(text)
	}
	return c.authLogin(text)
}

func containsMechanism(caps map[string]bool, mech string) bool {
	for k := range caps {
		if strings.HasPrefix(k, "AUTH") && strings.Contains(k, mech) {
			return true
		}
	}
	return false
}

// authLogin drives the full AUTH LOGIN exchange: a 334 username prompt, a
// 334 password prompt, then 235. The go-sasl LoginClient returns the
// username as the initial response from Start and answers only the
// "Password:" challenge in Next, so the username prompt is answered with
// Start's response and Next is called once, for the password prompt.
func (c *Client) authLogin(text *textproto.Conn) error {
	client := sasl.NewLoginClient(c.cfg.Username, c.cfg.Password)
	_, usernameResp, err := client.Start()
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "auth login start", Err: err}
	}

	id, err := text.Cmd("AUTH LOGIN")
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "auth login", Err: err}
	}
	text.StartResponse(id)
	defer text.EndResponse(id)

	if _, _, err := text.ReadResponse(334); err != nil {
		return c.authFailed("auth login username", err)
	}

	passwordChallenge, err := c.sendAuthStep(text, usernameResp, "auth login username", 334)
	if err != nil {
		return err
	}
	passwordResp, err := client.Next(passwordChallenge)
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "auth login password", Err: err}
	}

	_, err = c.sendAuthStep(text, passwordResp, "auth login password", 235)
	return err
}

// sendAuthStep base64-encodes payload, sends it as a continuation line,
// and reads the next server response. When expectCode is 334 the reply is
// itself base64 and is decoded and returned as the next challenge; when it
// is 235 (final success) no challenge follows and nil is returned.
func (c *Client) sendAuthStep(text *textproto.Conn, payload []byte, step string, expectCode int) ([]byte, error) {
	logger := c.logger()
	logger.Debug("smtp auth continuation", "payload", "<redacted>")

	if err := text.PrintfLine("%s", base64.StdEncoding.EncodeToString(payload)); err != nil {
		return nil, &mailerr.SmtpTransportError{Step: step, Err: err}
	}
	_, reply, err := text.ReadResponse(expectCode)
	if err != nil {
		return nil, c.authFailed(step, err)
	}
	if expectCode != 334 {
		return nil, nil
	}
	challenge, err := base64.StdEncoding.DecodeString(reply)
	if err != nil {
		return nil, &mailerr.SmtpTransportError{Step: step + " decode", Err: err}
	}
	return challenge, nil
}

// sendAuthContinuation sends a single continuation payload and expects the
// final 235 success reply. Used by authCramMD5, whose exchange is always
// exactly one challenge/response round.
func (c *Client) sendAuthContinuation(text *textproto.Conn, payload []byte) error {
	_, err := c.sendAuthStep(text, payload, "auth continuation", 235)
	return err
}

func (c *Client) authCramMD5(text *textproto.Conn) error {
	client := sasl.NewCramMD5Client(c.cfg.Username, c.cfg.Password)

	id, err := text.Cmd("AUTH CRAM-MD5")
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "auth cram-md5", Err: err}
	}
	text.StartResponse(id)
	defer text.EndResponse(id)

	code, reply, err := text.ReadResponse(334)
	if err != nil {
		return c.authFailed("auth cram-md5", err)
	}
	_ = code

	challenge, err := base64.StdEncoding.DecodeString(reply)
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "auth cram-md5 decode", Err: err}
	}

	response, err := client.Next(challenge)
	if err != nil {
		mac := hmac.New(md5.New, []byte(c.cfg.Password))
		mac.Write(challenge)
		response = []byte(c.cfg.Username + " " + hex.EncodeToString(mac.Sum(nil)))
	}

	return c.sendAuthContinuation(text, response)
}

func (c *Client) authFailed(step string, err error) error {
	if protoErr, ok := err.(*textproto.Error); ok {
		return fmt.Errorf("%w: %s: %s", mailerr.ErrSmtpAuthFailed, step, protoErr.Msg)
	}
	return &mailerr.SmtpTransportError{Step: step, Err: err}
}

func (c *Client) mailFrom(text *textproto.Conn, from string) error {
	id, err := text.Cmd("MAIL FROM:<%s>", from)
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "mail from", Err: err}
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	return c.expectCode(text, "mail from", 250)
}

func (c *Client) rcptTo(text *textproto.Conn, to string) error {
	id, err := text.Cmd("RCPT TO:<%s>", to)
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "rcpt to", Err: err}
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	return c.expectCode(text, "rcpt to", 250)
}

func (c *Client) data(text *textproto.Conn, msg *message.Message) error {
	id, err := text.Cmd("DATA")
	if err != nil {
		return &mailerr.SmtpTransportError{Step: "data", Err: err}
	}
	text.StartResponse(id)
	if err := c.expectCode(text, "data", 354); err != nil {
		text.EndResponse(id)
		return err
	}
	text.EndResponse(id)

	payload, err := msg.Bytes()
	if err != nil {
		return err
	}

	w := text.DotWriter()
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return &mailerr.SmtpTransportError{Step: "data write", Err: err}
	}
	if err := w.Close(); err != nil {
		return &mailerr.SmtpTransportError{Step: "data close", Err: err}
	}

	return c.expect(text, "data terminator", 250)
}

func (c *Client) quit(text *textproto.Conn) {
	id, err := text.Cmd("QUIT")
	if err != nil {
		return
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	_, _, _ = text.ReadResponse(221)
}

func (c *Client) expectCode(text *textproto.Conn, step string, code int) error {
	_, _, err := text.ReadResponse(code)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			return &mailerr.SmtpProtocolError{Step: step, Expected: fmt.Sprintf("%d", code), Code: protoErr.Code, Reply: protoErr.Msg}
		}
		return &mailerr.SmtpTransportError{Step: step, Err: err}
	}
	return nil
}
