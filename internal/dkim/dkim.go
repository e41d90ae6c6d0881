// Package dkim implements the signer's deliberately simplified
// canonicalisation and signing algorithm (see the design notes on the
// "relaxed/relaxed" tag versus the simple canonicalisation actually
// performed).
package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/mailctl/mailctl/internal/mailerr"
)

// HeaderList is the fixed, ordered set of headers the signature covers.
var HeaderList = []string{"From", "To", "Subject", "Date", "Message-ID"}

// localOnlyDrivers never sign outbound mail: they never leave the host.
var localOnlyDrivers = map[string]bool{
	"null":     true,
	"sendmail": true,
}

// ShouldSign reports whether the given transport/config combination calls
// for a DKIM signature.
func ShouldSign(transportName, privateKey, selector, domain string) bool {
	if localOnlyDrivers[transportName] {
		return false
	}
	return privateKey != "" && selector != "" && domain != ""
}

// Signer signs messages with a single RSA private key, domain, and selector.
type Signer struct {
	Domain      string
	Selector    string
	PrivateKey  *rsa.PrivateKey
}

// NewSigner parses a raw base64 PEM body (no BEGIN/END guards) into an RSA
// private key and returns a ready Signer.
func NewSigner(domain, selector, rawBase64Key string) (*Signer, error) {
	key, err := ParsePrivateKey(rawBase64Key)
	if err != nil {
		return nil, err
	}
	return &Signer{Domain: domain, Selector: selector, PrivateKey: key}, nil
}

// ParsePrivateKey wraps a raw base64 PEM body at 64 columns, adds PEM
// guards, and parses it as a PKCS#8 RSA private key.
func ParsePrivateKey(rawBase64 string) (*rsa.PrivateKey, error) {
	pemText := WrapPEM(rawBase64, "PRIVATE KEY")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("%w: not valid PEM", mailerr.ErrSigningKeyInvalid)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrSigningKeyInvalid, err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", mailerr.ErrSigningKeyInvalid)
	}
	if err := rsaKey.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrSigningKeyInvalid, err)
	}
	rsaKey.Precompute()
	return rsaKey, nil
}

// WrapPEM wraps a raw base64 body at 64 columns with BEGIN/END guards of
// the given block type.
func WrapPEM(rawBase64, blockType string) string {
	rawBase64 = strings.TrimSpace(rawBase64)
	var sb strings.Builder
	sb.WriteString("-----BEGIN " + blockType + "-----\n")
	for i := 0; i < len(rawBase64); i += 64 {
		end := i + 64
		if end > len(rawBase64) {
			end = len(rawBase64)
		}
		sb.WriteString(rawBase64[i:end])
		sb.WriteString("\n")
	}
	sb.WriteString("-----END " + blockType + "-----\n")
	return sb.String()
}

// GenerateKeyPair produces a new RSA key, returning the private key as a
// raw base64 PKCS#8 body and the public key as a raw base64 PKIX DER blob
// (suitable for publication in a DNS TXT record).
func GenerateKeyPair(bits int) (privateKeyBase64, publicKeyBase64 string, err error) {
	if bits <= 0 || bits%1024 != 0 {
		return "", "", fmt.Errorf("%w: bits must be a positive multiple of 1024", mailerr.ErrConfig)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("generate rsa key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(privDER), base64.StdEncoding.EncodeToString(pubDER), nil
}

// CanonicaliseBody normalises line endings to CRLF and ensures the body
// ends in exactly one trailing CRLF. Idempotent.
func CanonicaliseBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = strings.TrimRight(body, "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return body + "\r\n"
}

func canonicaliseHeaders(headers map[string]string) string {
	var sb strings.Builder
	for _, name := range HeaderList {
		v, ok := headers[name]
		if !ok {
			continue
		}
		sb.WriteString(strings.ToLower(name))
		sb.WriteString(":")
		sb.WriteString(strings.TrimSpace(v))
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// Sign computes the DKIM-Signature value (everything after "DKIM-Signature: ")
// for the given headers and body, using the simple-canonicalisation,
// relaxed/relaxed-labeled scheme described in the package docs.
func (s *Signer) Sign(headers map[string]string, body string) (string, error) {
	canonBody := CanonicaliseBody(body)
	bodyHash := sha256.Sum256([]byte(canonBody))
	bh := base64.StdEncoding.EncodeToString(bodyHash[:])

	tag := fmt.Sprintf(
		"v=1; a=rsa-sha256; c=relaxed/relaxed; d=%s; s=%s; h=from:to:subject:date:message-id; bh=%s; b=",
		s.Domain, s.Selector, bh,
	)

	signedInput := canonicaliseHeaders(headers) + "dkim-signature:" + tag
	digest := sha256.Sum256([]byte(signedInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", mailerr.ErrSigningFailed, err)
	}

	return tag + base64.StdEncoding.EncodeToString(sig), nil
}
