package validate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/model"
)

func feed(v *Validator, key model.SensorKey, values ...float64) []float64 {
	var out []float64
	for _, val := range values {
		if v.Accept(key, val) {
			out = append(out, val)
		}
	}
	return out
}

func TestWarmupBurstDropped(t *testing.T) {
	for _, x := range []float64{0.1, 1, 420, 30000} {
		v := New()
		got := feed(v, model.CO2, -1, -1, -1, x, x+1)
		require.NotEmpty(t, got)
		assert.Equal(t, x, got[0])
	}
}

func TestNonPositiveNeedsConfirmation(t *testing.T) {
	v := New()
	assert.True(t, v.Accept(model.H2S, 1))
	got := feed(v, model.H2S, -2, -2, -2)
	assert.Equal(t, []float64{-2}, got)
	assert.True(t, v.Accept(model.H2S, -2), "counter stays confirmed")
	assert.GreaterOrEqual(t, v.State(model.H2S).NegativeCount, ConfirmCount)
}

func TestFirstFrameBadSensor(t *testing.T) {
	// the first non-sentinel value is emitted even when non-positive
	v := New()
	assert.True(t, v.Accept(model.H2S, -2))
	assert.False(t, v.Accept(model.H2S, -2))
	assert.False(t, v.Accept(model.H2S, -2))
	assert.True(t, v.Accept(model.H2S, -2))
}

func TestDifferentNegativeRestartsCount(t *testing.T) {
	v := New()
	v.Accept(model.CO, 5)
	assert.Empty(t, feed(v, model.CO, 0, 0, -3, -3))
	assert.Equal(t, []float64{-3}, feed(v, model.CO, -3))
	assert.Equal(t, []float64{7}, feed(v, model.CO, 7))
	st := v.State(model.CO)
	assert.Zero(t, st.NegativeCount)
	assert.Nil(t, st.LastNegativeValue)
}

func TestTemperatureNegativePasses(t *testing.T) {
	v := New()
	v.Accept(model.Temperature, 21)
	assert.Equal(t, []float64{-5, 0, -100}, feed(v, model.Temperature, -5, 0, -100))
	assert.False(t, v.Accept(model.Temperature, -120))
}

func TestUnknownKeyPassesAndNonFiniteDropped(t *testing.T) {
	v := New()
	assert.True(t, v.Accept("radon", -1))
	assert.False(t, v.Accept(model.CO2, math.NaN()))
	assert.False(t, v.Accept(model.CO2, math.Inf(1)))
	assert.True(t, v.State(model.CO2).FirstValue, "non-finite values do not consume the first pass")
}

func TestFilterSample(t *testing.T) {
	v := New()
	assert.Nil(t, v.Filter(model.Sample{model.CO2: -1, model.O2: -1}))
	out := v.Filter(model.Sample{model.CO2: 420, model.O2: -1})
	assert.Equal(t, model.Sample{model.CO2: 420}, out)
}
