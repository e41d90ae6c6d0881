// Package metrics exposes Prometheus collectors for the send path, the
// SMTP transport, and the worker loop, trimmed to this subsystem's own
// concerns (no HTTP API here, so no HTTP collectors).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. The mailer and the worker record to them;
// SMTPConnections is registered but no transport records to it.
type Metrics struct {
	EmailSendDuration   *prometheus.HistogramVec
	EmailSendTotal      *prometheus.CounterVec
	SMTPConnections     *prometheus.CounterVec
	WorkerTasksTotal    *prometheus.CounterVec
	WorkerTaskDuration  *prometheus.HistogramVec
	RateLimiterRejected *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
}

// New registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EmailSendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailctl_email_send_duration_seconds",
			Help:    "Time spent sending a single message through a transport.",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver"}),
		EmailSendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailctl_email_send_total",
			Help: "Total messages sent, by driver and outcome.",
		}, []string{"driver", "outcome"}),
		SMTPConnections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailctl_smtp_connections_total",
			Help: "Total SMTP connection attempts, by outcome.",
		}, []string{"outcome"}),
		WorkerTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailctl_worker_tasks_total",
			Help: "Total jobs processed by the worker, by outcome.",
		}, []string{"queue", "outcome"}),
		WorkerTaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailctl_worker_task_duration_seconds",
			Help:    "Time spent processing a single queued job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		RateLimiterRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailctl_rate_limiter_rejected_total",
			Help: "Total sends rejected by the rate limiter, by key.",
		}, []string{"key"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailctl_queue_depth",
			Help: "Current number of pending jobs, by queue name.",
		}, []string{"queue"}),
	}
}
