package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.EmailSendDuration.WithLabelValues("smtp").Observe(0.1)
	m.EmailSendTotal.WithLabelValues("smtp", "sent").Inc()
	m.SMTPConnections.WithLabelValues("ok").Inc()
	m.WorkerTasksTotal.WithLabelValues("default", "sent").Inc()
	m.WorkerTaskDuration.WithLabelValues("default").Observe(0.2)
	m.RateLimiterRejected.WithLabelValues("global").Inc()
	m.QueueDepth.WithLabelValues("default").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
