package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/model"
)

func TestCountersRecord(t *testing.T) {
	m := NewWith(prometheus.NewRegistry())
	m.Frame("tcp")
	m.Frame("tcp")
	m.Alert(model.CO2, model.LevelWarning)
	m.ChainAppend(true)
	m.ChainAppend(false)
	m.SetPanels(map[model.ConnectionStatus]int{model.StatusConnected: 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("co2", "4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chainAppends.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.panels.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.panels.WithLabelValues("waiting")))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	m.Frame("tcp")
	m.Ignored()
	m.StoreError("append_sample")
	m.SetPanels(nil)
}
