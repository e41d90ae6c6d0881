// Package config loads the Config record from defaults, an optional YAML
// file, and a fixed set of unprefixed environment variables, using the
// same layered koanf stack (confmap defaults -> file -> env) the rest of
// the ecosystem uses, but with env.Provider mapping each exact variable
// name onto its dotted config key rather than stripping a common prefix.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FromConfig is the shared From-address shape used by every driver.
type FromConfig struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`
}

// SMTPConfig configures the smtp driver.
type SMTPConfig struct {
	Host            string     `koanf:"host"`
	Port            int        `koanf:"port"`
	Encryption      string     `koanf:"encryption"`
	Username        string     `koanf:"username"`
	Password        string     `koanf:"password"`
	TimeoutSec      int        `koanf:"timeout_sec"`
	From            FromConfig `koanf:"from"`
	DKIMPrivateKey  string     `koanf:"dkim_private_key"`
	DKIMSelector    string     `koanf:"dkim_selector"`
	DKIMDomain      string     `koanf:"dkim_domain"`
}

// MailgunConfig configures the mailgun driver.
type MailgunConfig struct {
	APIKey             string            `koanf:"api_key"`
	Domain             string            `koanf:"domain"`
	Region             string            `koanf:"region"`
	From               FromConfig        `koanf:"from"`
	TimeoutSec         int               `koanf:"timeout_sec"`
	ConnectTimeoutSec  int               `koanf:"connect_timeout_sec"`
	TrackClicks        bool              `koanf:"tracking.clicks"`
	TrackOpens         bool              `koanf:"tracking.opens"`
	Tags               []string          `koanf:"tags"`
	Variables          map[string]string `koanf:"variables"`
	DKIMPrivateKey     string            `koanf:"dkim_private_key"`
	DKIMSelector       string            `koanf:"dkim_selector"`
	DKIMDomain         string            `koanf:"dkim_domain"`
}

// SendmailConfig configures the sendmail driver.
type SendmailConfig struct {
	Path           string     `koanf:"path"`
	From           FromConfig `koanf:"from"`
	DKIMPrivateKey string     `koanf:"dkim_private_key"`
	DKIMSelector   string     `koanf:"dkim_selector"`
	DKIMDomain     string     `koanf:"dkim_domain"`
}

// NullConfig configures the null driver.
type NullConfig struct {
	From FromConfig `koanf:"from"`
}

// DriversConfig groups every driver-specific sub-config.
type DriversConfig struct {
	SMTP     SMTPConfig     `koanf:"smtp"`
	Mailgun  MailgunConfig  `koanf:"mailgun"`
	Sendmail SendmailConfig `koanf:"sendmail"`
	Null     NullConfig     `koanf:"null"`
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	Sleep     int `koanf:"sleep"`
	MaxTries  int `koanf:"max_tries"`
	MemoryMB  int `koanf:"memory_mb"`
	TimeoutSec int `koanf:"timeout_sec"`
}

// QueueConfig configures the Redis-backed job queue.
type QueueConfig struct {
	Host           string       `koanf:"host"`
	Port           int          `koanf:"port"`
	Password       string       `koanf:"password"`
	DB             int          `koanf:"db"`
	DefaultQueue   string       `koanf:"default_queue"`
	KeyPrefix      string       `koanf:"key_prefix"`
	FailedJobsKey  string       `koanf:"failed_jobs_key"`
	Worker         WorkerConfig `koanf:"worker"`
}

// RateLimiterConfig configures the sliding-window file-backed limiter.
type RateLimiterConfig struct {
	Key         string `koanf:"key"`
	Limit       int    `koanf:"limit"`
	Seconds     int    `koanf:"seconds"`
	StoragePath string `koanf:"storage_path"`
}

// Config is the complete, validated configuration record.
type Config struct {
	Driver      string            `koanf:"driver"`
	Drivers     DriversConfig     `koanf:"drivers"`
	Queue       QueueConfig       `koanf:"queue"`
	RateLimiter RateLimiterConfig `koanf:"rate_limiter"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"driver":                            "smtp",
		"drivers.smtp.port":                 587,
		"drivers.smtp.encryption":           "tls",
		"drivers.smtp.timeout_sec":          30,
		"drivers.mailgun.region":            "us",
		"drivers.mailgun.timeout_sec":       30,
		"drivers.mailgun.connect_timeout_sec": 10,
		"drivers.sendmail.path":             "/usr/sbin/sendmail",
		"queue.host":                        "127.0.0.1",
		"queue.port":                        6379,
		"queue.db":                          0,
		"queue.default_queue":               "default",
		"queue.key_prefix":                  "mailctl:",
		"queue.failed_jobs_key":             "failed",
		"queue.worker.sleep":                3,
		"queue.worker.max_tries":            3,
		"queue.worker.memory_mb":            128,
		"queue.worker.timeout_sec":          60,
		"rate_limiter.key":                  "default",
		"rate_limiter.limit":                60,
		"rate_limiter.seconds":              60,
		"rate_limiter.storage_path":         "/tmp/mailctl/ratelimit",
	}
}

// envMap fixes every recognised environment variable's name to its dotted
// config key. Unlike a single-prefix transform, this subsystem's env
// vars do not share a common prefix or a mechanical dot-mapping, so each
// is named explicitly.
var envMap = map[string]string{
	"MAIL_DRIVER":            "driver",
	"MAIL_HOST":              "drivers.smtp.host",
	"MAIL_PORT":              "drivers.smtp.port",
	"MAIL_ENCRYPTION":        "drivers.smtp.encryption",
	"MAIL_USERNAME":          "drivers.smtp.username",
	"MAIL_PASSWORD":          "drivers.smtp.password",
	"MAIL_TIMEOUT":           "drivers.smtp.timeout_sec",
	"MAIL_FROM_ADDRESS":      "drivers.smtp.from.address",
	"MAIL_FROM_NAME":         "drivers.smtp.from.name",
	"MAIL_DKIM_PRIVATE_KEY":  "drivers.smtp.dkim_private_key",
	"MAIL_DKIM_SELECTOR":     "drivers.smtp.dkim_selector",
	"MAIL_DKIM_DOMAIN":       "drivers.smtp.dkim_domain",
	"MAILGUN_API_KEY":        "drivers.mailgun.api_key",
	"MAILGUN_DOMAIN":         "drivers.mailgun.domain",
	"MAILGUN_REGION":         "drivers.mailgun.region",
	"REDIS_HOST":             "queue.host",
	"REDIS_PORT":             "queue.port",
	"REDIS_PASSWORD":         "queue.password",
	"REDIS_DB":               "queue.db",
	"QUEUE_DEFAULT":          "queue.default_queue",
	"QUEUE_PREFIX":           "queue.key_prefix",
	"QUEUE_SLEEP":            "queue.worker.sleep",
	"QUEUE_MAX_TRIES":        "queue.worker.max_tries",
	"QUEUE_MEMORY":           "queue.worker.memory_mb",
	"QUEUE_TIMEOUT":          "queue.worker.timeout_sec",
	"RATE_LIMITER_KEY":       "rate_limiter.key",
	"RATE_LIMITER_LIMIT":     "rate_limiter.limit",
	"RATE_LIMITER_SECONDS":   "rate_limiter.seconds",
	"RATE_LIMITER_STORAGE_PATH": "rate_limiter.storage_path",
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if empty), and environment variables, in that order of increasing priority.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		dotted, ok := envMap[key]
		if !ok {
			return "", nil
		}
		return dotted, value
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// SleepDuration and TimeoutDuration convert the worker's int-seconds
// fields into time.Duration.
func (w WorkerConfig) SleepDuration() time.Duration     { return time.Duration(w.Sleep) * time.Second }
func (w WorkerConfig) TimeoutDuration() time.Duration   { return time.Duration(w.TimeoutSec) * time.Second }

func (s SMTPConfig) TimeoutDuration() time.Duration { return time.Duration(s.TimeoutSec) * time.Second }

func (m MailgunConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}
func (m MailgunConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(m.ConnectTimeoutSec) * time.Second
}

func (r RateLimiterConfig) Window() time.Duration { return time.Duration(r.Seconds) * time.Second }

// RedisAddr builds the host:port address the queue package expects.
func (q QueueConfig) RedisAddr() string {
	return q.Host + ":" + strconv.Itoa(q.Port)
}
