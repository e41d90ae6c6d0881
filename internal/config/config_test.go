package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "smtp", cfg.Driver)
	assert.Equal(t, 587, cfg.Drivers.SMTP.Port)
	assert.Equal(t, "tls", cfg.Drivers.SMTP.Encryption)
	assert.Equal(t, "default", cfg.Queue.DefaultQueue)
	assert.Equal(t, 3, cfg.Queue.Worker.Sleep)
	assert.Equal(t, 60, cfg.RateLimiter.Limit)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MAIL_DRIVER", "mailgun")
	t.Setenv("MAILGUN_API_KEY", "key-123")
	t.Setenv("MAILGUN_DOMAIN", "example.com")
	t.Setenv("QUEUE_MAX_TRIES", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mailgun", cfg.Driver)
	assert.Equal(t, "key-123", cfg.Drivers.Mailgun.APIKey)
	assert.Equal(t, "example.com", cfg.Drivers.Mailgun.Domain)
	assert.Equal(t, 5, cfg.Queue.Worker.MaxTries)
}

func TestLoadIgnoresUnrecognisedEnvVars(t *testing.T) {
	t.Setenv("SOME_UNRELATED_VAR", "whatever")
	_, err := Load("")
	require.NoError(t, err)
}

func TestRedisAddrFormatsHostPort(t *testing.T) {
	cfg := QueueConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}
