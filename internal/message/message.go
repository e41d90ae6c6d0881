// Package message builds RFC 5322 mail messages with MIME multipart
// encoding and attachment embedding.
package message

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailctl/mailctl/internal/mailerr"
)

// ContentType selects how the body is encoded.
type ContentType int

const (
	ContentTypeText ContentType = iota
	ContentTypeHTML
	ContentTypeMultipartAlternative
)

// Attachment is a descriptor resolved lazily at serialisation time.
type Attachment struct {
	Path        string
	Filename    string
	ContentType string
}

func (a Attachment) resolvedName() string {
	if a.Filename != "" {
		return a.Filename
	}
	return filepath.Base(a.Path)
}

func (a Attachment) resolvedContentType() string {
	if a.ContentType != "" {
		return a.ContentType
	}
	return "application/octet-stream"
}

// Message is a single outbound email. It is immutable after construction
// except for From and the DKIM signature, each of which may be set exactly once.
type Message struct {
	To            string
	from          string
	fromSet       bool
	Subject       string
	Content       string
	AltContent    string // used for the HTML half of a multipart/alternative message
	ContentType   ContentType
	Attachments   []Attachment
	messageID     string
	date          time.Time
	dkimSignature string
	dkimSet       bool
}

// New constructs a Message, validating the recipient and subject, and
// assigning its Message-ID and Date exactly once.
func New(to, subject, content string, ct ContentType, attachments ...Attachment) (*Message, error) {
	if _, err := mail.ParseAddress(to); err != nil {
		return nil, fmt.Errorf("%w: %s", mailerr.ErrRecipientInvalid, to)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, mailerr.ErrSubjectMissing
	}
	id, err := generateMessageID()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	return &Message{
		To:          to,
		Subject:     subject,
		Content:     content,
		ContentType: ct,
		Attachments: attachments,
		messageID:   id,
		date:        time.Now(),
	}, nil
}

func generateMessageID() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("<%s.%d@%s>", base64.RawURLEncoding.EncodeToString(b[:]), time.Now().UnixNano(), host), nil
}

// MessageID returns the stable, once-assigned Message-ID header value.
func (m *Message) MessageID() string { return m.messageID }

// Date returns the stable, once-assigned Date header value.
func (m *Message) Date() time.Time { return m.date }

// SetFrom assigns the From header. It is an error to call it twice.
func (m *Message) SetFrom(from string) error {
	if m.fromSet {
		return fmt.Errorf("%w: From already set", mailerr.ErrConfig)
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return fmt.Errorf("%w: From %q", mailerr.ErrConfig, from)
	}
	m.from = from
	m.fromSet = true
	return nil
}

// From returns the assigned From header, or empty if unset.
func (m *Message) From() string { return m.from }

// SetDKIMSignature assigns the DKIM-Signature header value. It is an error
// to call it twice.
func (m *Message) SetDKIMSignature(sig string) error {
	if m.dkimSet {
		return fmt.Errorf("%w: DKIM signature already set", mailerr.ErrConfig)
	}
	m.dkimSignature = sig
	m.dkimSet = true
	return nil
}

// DKIMSignature returns the assigned signature, or empty if none was set.
func (m *Message) DKIMSignature() string { return m.dkimSignature }

// CoreHeaders returns the five headers the DKIM signer canonicalises over.
// Must be called only after From is set.
func (m *Message) CoreHeaders() map[string]string {
	return map[string]string{
		"From":       m.from,
		"To":         m.To,
		"Subject":    encodeSubject(m.Subject),
		"Date":       m.date.Format(time.RFC1123Z),
		"Message-ID": m.messageID,
	}
}

// Body returns the canonical body bytes the DKIM signer hashes: the
// serialised message with headers stripped.
func (m *Message) Body() (string, error) {
	var buf bytes.Buffer
	if err := m.writeBody(&buf); err != nil {
		return "", err
	}
	body := buf.String()
	// writeBody opens with the top-level Content-Type (and, for a single
	// part, Content-Transfer-Encoding) header lines; drop them.
	if i := strings.Index(body, "\r\n\r\n"); i >= 0 {
		body = body[i+4:]
	}
	return body, nil
}

// Bytes serialises the complete RFC 5322 message, including the
// DKIM-Signature header (if set) as the first header.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if m.dkimSet && m.dkimSignature != "" {
		fmt.Fprintf(&buf, "DKIM-Signature: %s\r\n", m.dkimSignature)
	}
	headers := m.CoreHeaders()
	for _, name := range []string{"From", "To", "Subject", "Date", "Message-ID"} {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, headers[name])
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if err := m.writeBody(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeBody(buf *bytes.Buffer) error {
	if len(m.Attachments) == 0 && m.ContentType != ContentTypeMultipartAlternative {
		return m.writeSinglePart(buf, m.ContentType, m.Content)
	}

	boundary := newBoundary()
	fmt.Fprintf(buf, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary)
	fmt.Fprintf(buf, "--%s\r\n", boundary)

	if m.ContentType == ContentTypeMultipartAlternative {
		if err := m.writeMultipartAlternative(buf); err != nil {
			return err
		}
	} else {
		if err := m.writeSinglePart(buf, m.ContentType, m.Content); err != nil {
			return err
		}
	}

	for _, att := range m.Attachments {
		fmt.Fprintf(buf, "\r\n--%s\r\n", boundary)
		if err := writeAttachment(buf, att); err != nil {
			return err
		}
	}
	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
	return nil
}

func (m *Message) writeMultipartAlternative(buf *bytes.Buffer) error {
	boundary := newBoundary()
	fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(buf, "--%s\r\n", boundary)
	if err := m.writeSinglePart(buf, ContentTypeText, m.Content); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\r\n--%s\r\n", boundary)
	if err := m.writeSinglePart(buf, ContentTypeHTML, m.AltContent); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
	return nil
}

func (m *Message) writeSinglePart(buf *bytes.Buffer, ct ContentType, content string) error {
	mimeType := "text/plain"
	if ct == ContentTypeHTML {
		mimeType = "text/html"
	}
	fmt.Fprintf(buf, "Content-Type: %s; charset=\"UTF-8\"\r\n", mimeType)
	fmt.Fprintf(buf, "Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(content)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(buf *bytes.Buffer, att Attachment) error {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", mailerr.ErrAttachmentMissing, att.Path, err)
	}
	fmt.Fprintf(buf, "Content-Type: %s; name=\"%s\"\r\n", att.resolvedContentType(), att.resolvedName())
	fmt.Fprintf(buf, "Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(buf, "Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", att.resolvedName())

	encoded := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		buf.WriteString(encoded[i:end])
		buf.WriteString("\r\n")
	}
	return nil
}

func encodeSubject(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("UTF-8", s)
		}
	}
	return s
}

func newBoundary() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "mailctl-" + base64.RawURLEncoding.EncodeToString(b[:])
}

// HeaderMap builds a textproto.MIMEHeader view of the core headers, useful
// for transports (Mailgun) that need individually addressable headers
// rather than a serialised blob.
func (m *Message) HeaderMap() textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	for k, v := range m.CoreHeaders() {
		h.Set(k, v)
	}
	return h
}
