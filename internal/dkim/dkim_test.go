package dkim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairProducesValidRSAKey(t *testing.T) {
	priv, pub, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	require.NotEmpty(t, priv)
	require.NotEmpty(t, pub)

	key, err := ParsePrivateKey(priv)
	require.NoError(t, err)
	assert.Equal(t, 2048, key.N.BitLen())
}

func TestGenerateKeyPairRejectsBadBits(t *testing.T) {
	_, _, err := GenerateKeyPair(100)
	require.Error(t, err)
}

func TestCanonicaliseBodyIdempotent(t *testing.T) {
	body := "line one\r\nline two\n\n\n"
	once := CanonicaliseBody(body)
	twice := CanonicaliseBody(once)
	assert.Equal(t, once, twice)
}

func TestCanonicaliseBodyNormalisesLineEndings(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n", CanonicaliseBody("a\rb"))
}

func TestSignIsDeterministic(t *testing.T) {
	priv, _, err := GenerateKeyPair(1024)
	require.NoError(t, err)
	signer, err := NewSigner("example.com", "sel1", priv)
	require.NoError(t, err)

	headers := map[string]string{
		"From":       "a@example.com",
		"To":         "b@example.com",
		"Subject":    "hi",
		"Date":       "Wed, 29 Jul 2026 00:00:00 +0000",
		"Message-ID": "<1@example.com>",
	}

	sig1, err := signer.Sign(headers, "hello world")
	require.NoError(t, err)
	sig2, err := signer.Sign(headers, "hello world")
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
	assert.Contains(t, sig1, "d=example.com")
	assert.Contains(t, sig1, "s=sel1")
}

func TestShouldSign(t *testing.T) {
	assert.False(t, ShouldSign("null", "k", "s", "d"))
	assert.False(t, ShouldSign("sendmail", "k", "s", "d"))
	assert.False(t, ShouldSign("smtp", "", "s", "d"))
	assert.True(t, ShouldSign("smtp", "k", "s", "d"))
	assert.True(t, ShouldSign("mailgun", "k", "s", "d"))
}
