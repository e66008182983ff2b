package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("codeagent", reg, zap.NewNop()), reg
}

func TestCollector_RecordExecution(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordExecution("docker", "python", "completed", 120*time.Millisecond)
	c.RecordExecution("docker", "python", "completed", 80*time.Millisecond)
	c.RecordExecution("", "python", "backendUnavailable", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("docker", "python", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("none", "python", "backendUnavailable")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.executionDuration))
}

func TestCollector_Counters(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordFallback("e2b")
	c.RecordFallback("e2b")
	c.RecordDenied("strict")
	c.RecordTruncation("stdout")
	c.RecordRejected()
	c.RecordSnapshot(true)
	c.RecordSnapshot(false)
	c.RecordRollback(true)
	c.RecordRollback(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.fallbacksTotal.WithLabelValues("e2b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejectedTotal))

	expected := `
# HELP codeagent_rollbacks_total Total number of rollback attempts by outcome
# TYPE codeagent_rollbacks_total counter
codeagent_rollbacks_total{outcome="none"} 1
codeagent_rollbacks_total{outcome="restored"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "codeagent_rollbacks_total"))
}

func TestCollector_InFlight(t *testing.T) {
	c, _ := newTestCollector(t)

	done1 := c.ExecutionStarted()
	done2 := c.ExecutionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordExecution("docker", "python", "completed", time.Second)
		c.RecordFallback("docker")
		c.RecordDenied("strict")
		c.RecordTruncation("stderr")
		c.RecordRejected()
		c.ExecutionStarted()()
		c.RecordSnapshot(true)
		c.RecordRollback(false)
	})
}
