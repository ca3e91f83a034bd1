// Package validate filters raw sensor readings before they reach a panel.
//
// Devices emit a burst of -1 readings while their sensors warm up, and a
// failing cell tends to report a constant non-positive value. A Validator
// drops the warm-up burst and only passes a non-positive reading once the
// same value has been seen three times in a row.
package validate

import (
	"gasguard/internal/model"
)

// ConfirmCount is the number of identical non-positive readings required
// before one is passed through.
const ConfirmCount = 3

// MinTemperature is the lowest temperature accepted without confirmation.
const MinTemperature = -100.0

// KeyState is the filter state for one sensor key.
type KeyState struct {
	FirstValue        bool     `json:"first_value"`
	NegativeCount     int      `json:"negative_count"`
	LastNegativeValue *float64 `json:"last_negative_value,omitempty"`
}

func (s *KeyState) resetNegative() {
	s.NegativeCount = 0
	s.LastNegativeValue = nil
}

// Validator holds the per-key state for a single panel. It is not safe for
// concurrent use; the owning panel serialises access.
type Validator struct {
	states map[model.SensorKey]*KeyState
}

func New() *Validator {
	return &Validator{states: make(map[model.SensorKey]*KeyState)}
}

func (v *Validator) state(key model.SensorKey) *KeyState {
	st, ok := v.states[key]
	if !ok {
		st = &KeyState{FirstValue: true}
		v.states[key] = st
	}
	return st
}

// State returns a copy of the state for key.
func (v *Validator) State(key model.SensorKey) KeyState {
	st := *v.state(key)
	if st.LastNegativeValue != nil {
		val := *st.LastNegativeValue
		st.LastNegativeValue = &val
	}
	return st
}

// Accept runs one value through the filter and reports whether it is emitted.
func (v *Validator) Accept(key model.SensorKey, value float64) bool {
	if !model.IsFinite(value) {
		return false
	}
	if !key.Valid() {
		return true
	}
	st := v.state(key)
	if st.FirstValue {
		if value == model.Uninitialized {
			return false
		}
		st.FirstValue = false
		st.resetNegative()
		return true
	}
	if value > 0 {
		st.resetNegative()
		return true
	}
	if key == model.Temperature && value >= MinTemperature {
		st.resetNegative()
		return true
	}
	if st.LastNegativeValue != nil && *st.LastNegativeValue == value {
		st.NegativeCount++
		return st.NegativeCount >= ConfirmCount
	}
	val := value
	st.LastNegativeValue = &val
	st.NegativeCount = 1
	return false
}

// Filter returns the subset of sample that passes. Unknown keys pass
// unchanged. The result is nil when nothing passes.
func (v *Validator) Filter(sample model.Sample) model.Sample {
	var out model.Sample
	for key, value := range sample {
		if !v.Accept(key, value) {
			continue
		}
		if out == nil {
			out = make(model.Sample, len(sample))
		}
		out[key] = value
	}
	return out
}

// Reset forgets all state, as after a reconnect with a fresh device.
// States copies the state of every key seen since the last reset.
func (v *Validator) States() map[model.SensorKey]KeyState {
	out := make(map[model.SensorKey]KeyState, len(v.states))
	for key := range v.states {
		out[key] = v.State(key)
	}
	return out
}

func (v *Validator) Reset() {
	v.states = make(map[model.SensorKey]*KeyState)
}
