package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.GrantSubmitted()
	m.GrantDecided(true)
	m.GrantDecided(false)
	m.GrantDecided(true)
	m.Switch("pause", true)
	m.Released(250)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GrantsDecided.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantsDecided.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TreasurySwitches.WithLabelValues("pause")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.FundsReleased))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.GrantSubmitted()
	m.Evaluated("technical", "ok", 1)
	m.Webhook("ok")
}

func TestSetupTracingWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(&buf)
	require.NoError(t, err)
	_, span := Tracer().Start(context.Background(), "stage.evaluation")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "stage.evaluation")
}
