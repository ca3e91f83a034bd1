// Package level maps a sensor reading onto the five-step alarm scale.
//
// The mapping is a pure function of the sensor key, the value and the
// configured bands. It keeps no history; spurious low readings are filtered
// before they get here.
package level

import (
	"gasguard/internal/config"
	"gasguard/internal/model"
)

type Thresholds struct {
	bands map[model.SensorKey]config.Band
}

func NewThresholds(bands map[model.SensorKey]config.Band) Thresholds {
	merged := config.DefaultBands()
	for k, b := range bands {
		merged[k] = b
	}
	return Thresholds{bands: merged}
}

func FromConfig(cfg *config.Config) Thresholds {
	if cfg == nil {
		return NewThresholds(nil)
	}
	return NewThresholds(cfg.Std.Bands)
}

// Of returns the level of value for key. Unknown keys and non-finite values
// are level 1.
func (t Thresholds) Of(key model.SensorKey, value float64) model.Level {
	if !model.IsFinite(value) {
		return model.LevelNormal
	}
	band, ok := t.bands[key]
	if !ok {
		return model.LevelNormal
	}
	lvl := highSide(band.High, value)
	if low := lowSide(band.Low, band.LowInclusive, value); low > lvl {
		lvl = low
	}
	return lvl
}

func highSide(bounds []float64, v float64) model.Level {
	for i := len(bounds) - 1; i >= 0; i-- {
		if v >= bounds[i] {
			return model.Level(i + 2)
		}
	}
	return model.LevelNormal
}

func lowSide(bounds []float64, inclusive bool, v float64) model.Level {
	for i := len(bounds) - 1; i >= 0; i-- {
		// only the outermost bound honours inclusivity
		if v < bounds[i] || (inclusive && i == len(bounds)-1 && v == bounds[i]) {
			return model.Level(i + 2)
		}
	}
	return model.LevelNormal
}

// Worst is the maximum level over every recognised key in s.
func (t Thresholds) Worst(s model.Sample) model.Level {
	worst := model.LevelNormal
	for k, v := range s {
		if l := t.Of(k, v); l > worst {
			worst = l
		}
	}
	return worst
}

// Of evaluates against the default bands.
func Of(key model.SensorKey, value float64) model.Level {
	return defaults.Of(key, value)
}

var defaults = NewThresholds(nil)
