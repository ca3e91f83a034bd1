package level

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"gasguard/internal/config"
	"gasguard/internal/model"
)

func TestOfDefaultTable(t *testing.T) {
	cases := []struct {
		key   model.SensorKey
		value float64
		want  model.Level
	}{
		{model.CO2, 420, 1},
		{model.CO2, 1000, 2},
		{model.CO2, 14999, 3},
		{model.CO2, 20000, 4},
		{model.CO2, 30000, 5},
		{model.H2S, 4.9, 1},
		{model.H2S, 7.5, 3},
		{model.H2S, 15, 5},
		{model.H2S, -2, 1},
		{model.CO, 8, 1},
		{model.CO, 25, 3},
		{model.CO, 49.9, 4},
		{model.O2, 20.9, 1},
		{model.O2, 19, 2},
		{model.O2, 24, 2},
		{model.O2, 17, 3},
		{model.O2, 15, 4},
		{model.O2, 13.9, 5},
		{model.O2, 25, 5},
		{model.LEL, 9, 1},
		{model.LEL, 60, 4},
		{model.LEL, 75, 5},
		{model.Smoke, 0, 1},
		{model.Smoke, 1, 2},
		{model.Smoke, 2, 3},
		{model.Smoke, 3, 4},
		{model.Smoke, 7, 5},
		{model.Temperature, 22, 1},
		{model.Temperature, 31, 2},
		{model.Temperature, 34, 3},
		{model.Temperature, 36, 4},
		{model.Temperature, 38, 5},
		{model.Temperature, -20, 5},
		{model.Temperature, -19.5, 4},
		{model.Temperature, 15, 2},
		{model.Humidity, 50, 1},
		{model.Humidity, 35, 2},
		{model.Humidity, 70, 2},
		{model.Humidity, 25, 3},
		{model.Humidity, 85, 3},
		{model.Humidity, 15, 4},
		{model.Humidity, 92, 4},
		{model.Humidity, 5, 5},
		{model.Humidity, 97, 5},
		{model.Water, 0, 1},
		{model.Water, 1, 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Of(tc.key, tc.value), "%s=%v", tc.key, tc.value)
	}
}

func TestOfUnknownAndNonFinite(t *testing.T) {
	assert.Equal(t, model.LevelNormal, Of("radon", 1e9))
	assert.Equal(t, model.LevelNormal, Of(model.CO2, math.NaN()))
	assert.Equal(t, model.LevelNormal, Of(model.CO2, math.Inf(1)))
	assert.Equal(t, model.LevelNormal, Of(model.O2, math.Inf(-1)))
}

func TestOfRangeAndMonotone(t *testing.T) {
	// one-sided sensors never decrease as the value rises
	for _, key := range []model.SensorKey{model.CO2, model.H2S, model.CO, model.LEL, model.Smoke, model.Water} {
		prev := model.LevelNormal
		for v := 0.0; v <= 40000; v += 0.5 {
			got := Of(key, v)
			assert.GreaterOrEqual(t, int(got), 1)
			assert.LessOrEqual(t, int(got), 5)
			if got < prev {
				t.Fatalf("%s not monotone at %v: %d < %d", key, v, got, prev)
			}
			prev = got
		}
	}
	// two-sided sensors are monotone on each side of the normal band
	for _, key := range []model.SensorKey{model.O2, model.Temperature, model.Humidity} {
		band := config.DefaultBands()[key]
		prev := model.LevelNormal
		for v := band.Low[0]; v >= -60; v -= 0.25 {
			got := Of(key, v)
			if got < prev {
				t.Fatalf("%s not monotone (low side) at %v", key, v)
			}
			prev = got
		}
		prev = model.LevelNormal
		for v := band.High[0] - 0.25; v <= 120; v += 0.25 {
			got := Of(key, v)
			if got < prev {
				t.Fatalf("%s not monotone (high side) at %v", key, v)
			}
			prev = got
		}
	}
}

func TestCustomThresholds(t *testing.T) {
	th := NewThresholds(map[model.SensorKey]config.Band{
		model.CO2: {High: []float64{500, 600, 700, 800}},
	})
	assert.Equal(t, model.LevelWarning, th.Of(model.CO2, 750))
	assert.Equal(t, model.LevelCaution, th.Of(model.H2S, 12), "unspecified keys keep defaults")
	assert.Equal(t, model.LevelDanger, th.Worst(model.Sample{model.CO2: 900, model.O2: 20.9}))
}

func TestTabColor(t *testing.T) {
	assert.Equal(t, ColorDimGrey, TabColor(model.StatusWaiting, model.LevelDanger, true))
	assert.Equal(t, ColorGrey, TabColor(model.StatusDisconnected, model.LevelNormal, true))
	assert.Equal(t, levelColors[model.LevelCaution], TabColor(model.StatusConnected, model.LevelCaution, false))
	assert.Equal(t, levelColors[model.LevelWarning], TabColor(model.StatusConnected, model.LevelWarning, true))
	assert.Equal(t, ColorGrey, TabColor(model.StatusConnected, model.LevelWarning, false))
	assert.True(t, ShouldBlink(model.StatusConnected, model.LevelDanger))
	assert.False(t, ShouldBlink(model.StatusDisconnected, model.LevelDanger))
}
