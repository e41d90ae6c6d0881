// Package worker implements the polling loop that drains a queue.Queue,
// dispatching each job to a transport.Transport under a per-job timeout
// and retrying failures up to MaxTries before sidelining them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
	"github.com/mailctl/mailctl/internal/metrics"
	"github.com/mailctl/mailctl/internal/queue"
	"github.com/mailctl/mailctl/internal/transport"
)

// Config tunes the worker loop's polling and resource limits.
type Config struct {
	QueueName     string
	Sleep         time.Duration
	MaxTries      int
	MemoryLimitMB uint64
	JobTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.Sleep == 0 {
		c.Sleep = 3 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = 128
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 60 * time.Second
	}
}

// Decoder turns a queued payload back into a sendable message. The worker
// is agnostic to how the payload was serialised; internal/mailer supplies
// the concrete implementation.
type Decoder func(payload []byte) (*message.Message, error)

// Worker drains one queue name against one transport.
type Worker struct {
	cfg       Config
	queue     *queue.Queue
	transport transport.Transport
	decode    Decoder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New constructs a Worker. cfg's zero values are replaced with documented
// defaults. m may be nil, in which case no metrics are recorded.
func New(cfg Config, q *queue.Queue, t transport.Transport, decode Decoder, logger *slog.Logger, m *metrics.Metrics) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, queue: q, transport: t, decode: decode, logger: logger, metrics: m}
}

// Run drains the queue until ctx is cancelled, at which point the current
// in-flight job is allowed to finish (or time out) before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping: context cancelled")
			return nil
		}

		if w.overMemoryLimit() {
			w.logger.Warn("worker stopping: memory limit exceeded", "limit_mb", w.cfg.MemoryLimitMB)
			return nil
		}

		job, err := w.queue.Pop(ctx, w.cfg.QueueName)
		if err != nil {
			w.logger.Error("worker: pop failed", "error", err)
			if !sleepOrDone(ctx, w.cfg.Sleep) {
				return nil
			}
			continue
		}
		if job == nil {
			w.recordQueueDepth(ctx)
			if !sleepOrDone(ctx, w.cfg.Sleep) {
				return nil
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	// The job's deadline is JobTimeout alone: cancelling ctx stops the loop
	// but does not abort the in-flight send.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := w.dispatch(jobCtx, job)
	duration := time.Since(start)

	if w.metrics != nil {
		w.metrics.WorkerTaskDuration.WithLabelValues(w.cfg.QueueName).Observe(duration.Seconds())
	}

	if err == nil {
		w.logger.Info("message sent", "job_id", job.ID, "queue", w.cfg.QueueName, "duration_ms", duration.Milliseconds())
		w.recordOutcome("sent")
		return
	}

	w.logger.Error("message failed", "job_id", job.ID, "queue", w.cfg.QueueName, "attempts", job.Attempts, "error", err)

	if isValidationError(err) {
		if pushErr := w.queue.PushFailed(context.Background(), job, err); pushErr != nil {
			w.logger.Error("worker: failed to sideline validation-failed job", "job_id", job.ID, "error", pushErr)
		}
		w.recordOutcome("invalid")
		return
	}

	job.Attempts++
	if job.Attempts < w.cfg.MaxTries {
		if reqErr := w.queue.Requeue(context.Background(), job); reqErr != nil {
			w.logger.Error("worker: failed to requeue job", "job_id", job.ID, "error", reqErr)
		}
		w.recordOutcome("retried")
		return
	}

	if pushErr := w.queue.PushFailed(context.Background(), job, err); pushErr != nil {
		w.logger.Error("worker: failed to sideline exhausted job", "job_id", job.ID, "error", pushErr)
	}
	w.recordOutcome("failed")
}

func (w *Worker) recordOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.WorkerTasksTotal.WithLabelValues(w.cfg.QueueName, outcome).Inc()
	}
}

func (w *Worker) recordQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	n, err := w.queue.Size(ctx, w.cfg.QueueName)
	if err != nil {
		return
	}
	w.metrics.QueueDepth.WithLabelValues(w.cfg.QueueName).Set(float64(n))
}

func (w *Worker) dispatch(ctx context.Context, job *queue.Job) error {
	msg, err := w.decode(job.Payload)
	if err != nil {
		return err
	}
	return w.transport.Send(ctx, msg)
}

func isValidationError(err error) bool {
	return errors.Is(err, mailerr.ErrRecipientInvalid) ||
		errors.Is(err, mailerr.ErrSubjectMissing) ||
		errors.Is(err, mailerr.ErrSigningKeyInvalid)
}

func (w *Worker) overMemoryLimit() bool {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limitBytes := w.cfg.MemoryLimitMB * 1024 * 1024
	return stats.Alloc >= limitBytes
}

// sleepOrDone sleeps for d, returning false early (without sleeping the
// full duration) if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
