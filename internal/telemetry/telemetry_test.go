package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/nikolay-makurin/routecheck/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveProbe(t *testing.T) {
	m := NewMetrics()

	m.ObserveProbe(types.ProbeResult{Kind: types.KindWrite, Success: true, Passed: true, Duration: 3 * time.Millisecond})
	m.ObserveProbe(types.ProbeResult{Kind: types.KindWrite, Success: true, Duration: time.Millisecond})
	m.ObserveProbe(types.ProbeResult{Kind: types.KindRead, ErrorKind: types.ErrorTimeout})
	m.ObserveProbe(types.ProbeResult{Kind: types.KindRead, ErrorKind: types.ErrorConnection})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("write", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("write", "misrouted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("read", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("read", "connection")))
	// Only results with a measured duration land in the histogram.
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProbeDuration))
}

func TestObserveRun(t *testing.T) {
	m := NewMetrics()

	m.ObserveRun(&types.Report{Passed: true, ReplayLagBytes: 512})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunPassed))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.ReplayLag))

	m.ObserveRun(&types.Report{Passed: false})
	m.ObserveRun(&types.Report{Aborted: "connection failures"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunPassed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("aborted")))
}

func TestSinkFailed(t *testing.T) {
	m := NewMetrics()
	m.SinkFailed("history")
	m.SinkFailed("history")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SinkFailures.WithLabelValues("history")))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProbe(types.ProbeResult{})
		m.ObserveRun(&types.Report{})
		m.SinkFailed("x")
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "probe", "insert_routing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "insert_routing", entry["probe"])

	buf.Reset()
	logger, err = NewLogger(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
