package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("audit:record").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("audit:record").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("audit:record", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("audit:record", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("audit:record")))
}

func TestAuditDropped(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AuditDropped("direct")
	m.AuditDropped("direct")
	m.AuditDropped("worker")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("worker")))

	var nilMetrics *Metrics
	nilMetrics.AuditDropped("direct")
	assert.NoError(t, nilMetrics.Track("x").End(nil))
}
