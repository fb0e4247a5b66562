package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordExecutionStarted()
	c.RecordExecutionFinished("completed", 2*time.Second)
	c.RecordJobFinished("train", "completed", time.Second)
	c.RecordJobFinished("train", "failed", time.Second)
	c.RecordJobRetry("train")
	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordCacheLookup(false)
	c.SetActiveExecutions(3)
	c.SetQueueDepth("layer", 5)
	c.RecordWorkerPoolStatus(1, 2, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("train", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeExecutions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workerPoolBusy))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Each collector owns its registry, so constructing two must not panic.
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
