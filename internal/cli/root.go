// Package cli wires the mailctl subcommands (mail:test, mail:work,
// mail:list, mail:failed, mail:retry, mail:clear, mail:flush, mail:purge)
// into a cobra root command.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mailctl/mailctl/internal/config"
	"github.com/mailctl/mailctl/internal/mailer"
	"github.com/mailctl/mailctl/internal/message"
	"github.com/mailctl/mailctl/internal/metrics"
	"github.com/mailctl/mailctl/internal/queue"
	"github.com/mailctl/mailctl/internal/ratelimit"
	"github.com/mailctl/mailctl/internal/transport"
	"github.com/mailctl/mailctl/internal/transport/mailgun"
	"github.com/mailctl/mailctl/internal/transport/null"
	"github.com/mailctl/mailctl/internal/transport/sendmail"
	"github.com/mailctl/mailctl/internal/transport/smtp"
	"github.com/mailctl/mailctl/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
	metricsRegistry = prometheus.NewRegistry()
	metricsCollector = metrics.New(metricsRegistry)
)

var rootCmd = &cobra.Command{
	Use:   "mailctl",
	Short: "Mail delivery subsystem: send, queue, and work outbound email",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(mailTestCmd, mailWorkCmd, mailListCmd, mailFailedCmd, mailRetryCmd, mailClearCmd, mailFlushCmd, mailPurgeCmd)
	return rootCmd.Execute()
}

func buildTransportFromConfig(c *config.Config) (transport.Transport, mailer.DriverConfig, error) {
	tCfg := transport.Config{
		Driver: c.Driver,
		SMTP: smtp.Config{
			Host:           c.Drivers.SMTP.Host,
			Port:           c.Drivers.SMTP.Port,
			Encryption:     smtp.Encryption(c.Drivers.SMTP.Encryption),
			Username:       c.Drivers.SMTP.Username,
			Password:       c.Drivers.SMTP.Password,
			ConnectTimeout: c.Drivers.SMTP.TimeoutDuration(),
			FromAddress:    c.Drivers.SMTP.From.Address,
			FromName:       c.Drivers.SMTP.From.Name,
			Logger:         logger,
		},
		Mailgun: mailgun.Config{
			APIKey:         c.Drivers.Mailgun.APIKey,
			Domain:         c.Drivers.Mailgun.Domain,
			Region:         c.Drivers.Mailgun.Region,
			FromAddress:    c.Drivers.Mailgun.From.Address,
			FromName:       c.Drivers.Mailgun.From.Name,
			Timeout:        c.Drivers.Mailgun.TimeoutDuration(),
			ConnectTimeout: c.Drivers.Mailgun.ConnectTimeoutDuration(),
			TrackClicks:    c.Drivers.Mailgun.TrackClicks,
			TrackOpens:     c.Drivers.Mailgun.TrackOpens,
			Tags:           c.Drivers.Mailgun.Tags,
			Variables:      c.Drivers.Mailgun.Variables,
			Logger:         logger,
		},
		Sendmail: sendmail.Config{
			Path:        c.Drivers.Sendmail.Path,
			FromAddress: c.Drivers.Sendmail.From.Address,
			FromName:    c.Drivers.Sendmail.From.Name,
			Logger:      logger,
		},
		Null: null.Config{
			FromAddress: c.Drivers.Null.From.Address,
			FromName:    c.Drivers.Null.From.Name,
			Logger:      logger,
		},
	}

	t, err := transport.Build(tCfg)
	if err != nil {
		return nil, mailer.DriverConfig{}, err
	}

	driverCfg := driverConfigFor(c)
	return t, driverCfg, nil
}

func driverConfigFor(c *config.Config) mailer.DriverConfig {
	switch c.Driver {
	case "smtp":
		return mailer.DriverConfig{
			TransportName:  "smtp",
			FromAddress:    c.Drivers.SMTP.From.Address,
			DKIMPrivateKey: c.Drivers.SMTP.DKIMPrivateKey,
			DKIMSelector:   c.Drivers.SMTP.DKIMSelector,
			DKIMDomain:     c.Drivers.SMTP.DKIMDomain,
		}
	case "mailgun":
		return mailer.DriverConfig{
			TransportName:  "mailgun",
			FromAddress:    c.Drivers.Mailgun.From.Address,
			DKIMPrivateKey: c.Drivers.Mailgun.DKIMPrivateKey,
			DKIMSelector:   c.Drivers.Mailgun.DKIMSelector,
			DKIMDomain:     c.Drivers.Mailgun.DKIMDomain,
		}
	case "sendmail":
		return mailer.DriverConfig{
			TransportName:  "sendmail",
			FromAddress:    c.Drivers.Sendmail.From.Address,
			DKIMPrivateKey: c.Drivers.Sendmail.DKIMPrivateKey,
			DKIMSelector:   c.Drivers.Sendmail.DKIMSelector,
			DKIMDomain:     c.Drivers.Sendmail.DKIMDomain,
		}
	default:
		return mailer.DriverConfig{TransportName: "null", FromAddress: c.Drivers.Null.From.Address}
	}
}

func buildQueue(c *config.Config) (*queue.Queue, error) {
	return queue.New(queue.Config{
		Addr:      c.Queue.RedisAddr(),
		Password:  c.Queue.Password,
		DB:        c.Queue.DB,
		KeyPrefix: c.Queue.KeyPrefix,
		FailedKey: c.Queue.FailedJobsKey,
	})
}

func buildRateLimiter(c *config.Config) (*ratelimit.RateLimiter, error) {
	return ratelimit.New(c.RateLimiter.Key, c.RateLimiter.Limit, c.RateLimiter.Window(), c.RateLimiter.StoragePath)
}

func buildMailer(c *config.Config) (*mailer.Mailer, *queue.Queue, error) {
	t, driverCfg, err := buildTransportFromConfig(c)
	if err != nil {
		return nil, nil, err
	}
	q, err := buildQueue(c)
	if err != nil {
		return nil, nil, err
	}
	rl, err := buildRateLimiter(c)
	if err != nil {
		return nil, nil, err
	}
	m := mailer.New(t, driverCfg, rl, q, c.Queue.DefaultQueue, logger, metricsCollector)
	return m, q, nil
}

var mailTestCmd = &cobra.Command{
	Use:   "mail:test <email>",
	Short: "Send a fixed test message synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := buildMailer(cfg)
		if err != nil {
			return err
		}
		return m.Send(cmd.Context(), args[0], "mailctl test message", "This is a test message from mailctl.", "", message.ContentTypeText)
	},
}

var mailWorkCmd = &cobra.Command{
	Use:   "mail:work [queue]",
	Short: "Run the worker loop until signalled",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := cfg.Queue.DefaultQueue
		if len(args) == 1 {
			queueName = args[0]
		}

		m, q, err := buildMailer(cfg)
		if err != nil {
			return err
		}
		t, _, err := buildTransportFromConfig(cfg)
		if err != nil {
			return err
		}

		w := worker.New(worker.Config{
			QueueName:     queueName,
			Sleep:         cfg.Queue.Worker.SleepDuration(),
			MaxTries:      cfg.Queue.Worker.MaxTries,
			MemoryLimitMB: uint64(cfg.Queue.Worker.MemoryMB),
			JobTimeout:    cfg.Queue.Worker.TimeoutDuration(),
		}, q, t, m.Decode, logger, metricsCollector)

		ctx, cancel := newSignalContext(cmd.Context())
		defer cancel()

		logger.Info("worker starting", "queue", queueName)
		err = w.Run(ctx)
		logger.Info("worker stopped", "queue", queueName)
		return err
	},
}

var mailListCmd = &cobra.Command{
	Use:   "mail:list [queue]",
	Short: "Print the number of pending jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := cfg.Queue.DefaultQueue
		if len(args) == 1 {
			queueName = args[0]
		}
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		size, err := q.Size(cmd.Context(), queueName)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d pending\n", queueName, size)
		return nil
	},
}

var mailFailedCmd = &cobra.Command{
	Use:   "mail:failed",
	Short: "Print up to 50 failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		records, err := q.FailedJobs(cmd.Context(), 50)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\t%.0f\n", r.ID, r.Job.JobClass, r.Error, r.FailedAt)
		}
		return nil
	},
}

var retryAll bool

var mailRetryCmd = &cobra.Command{
	Use:   "mail:retry [id]",
	Short: "Move a failed job (or, with --all, every failed job) back to its queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		if retryAll {
			records, err := q.FailedJobs(cmd.Context(), 1<<20)
			if err != nil {
				return err
			}
			for _, r := range records {
				if _, err := q.RetryFailed(cmd.Context(), r.ID); err != nil {
					return err
				}
			}
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("mail:retry requires an id, or --all")
		}
		_, err = q.RetryFailed(cmd.Context(), args[0])
		return err
	},
}

var mailClearCmd = &cobra.Command{
	Use:   "mail:clear [queue]",
	Short: "Delete all pending jobs on a queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm("This will permanently delete all pending jobs. Continue?") {
			return nil
		}
		queueName := cfg.Queue.DefaultQueue
		if len(args) == 1 {
			queueName = args[0]
		}
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		return q.Clear(cmd.Context(), queueName)
	},
}

var mailFlushCmd = &cobra.Command{
	Use:   "mail:flush",
	Short: "Delete all failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm("This will permanently delete all failed jobs. Continue?") {
			return nil
		}
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		return q.ClearFailed(cmd.Context())
	},
}

var mailPurgeCmd = &cobra.Command{
	Use:   "mail:purge",
	Short: "Delete all pending and failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm("This will permanently delete all pending and failed jobs. Continue?") {
			return nil
		}
		q, err := buildQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		if err := q.Clear(cmd.Context(), cfg.Queue.DefaultQueue); err != nil {
			return err
		}
		return q.ClearFailed(cmd.Context())
	},
}

func init() {
	mailRetryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed job")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y"
}

func newSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signalContext(parent)
}
