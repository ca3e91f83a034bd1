// Package panel owns per-device state: the latest accepted sample, the
// connection status, the validator state and today's alert list.
package panel

import (
	"sync"
	"time"

	"gasguard/internal/level"
	"gasguard/internal/model"
	"gasguard/internal/validate"
)

// Panel is the live state of one device. Fields are guarded by mu; callers
// outside the package only ever see a Snapshot.
type Panel struct {
	mu sync.Mutex

	key         string
	sid         string
	peer        string
	version     string
	created     time.Time
	lastRx      time.Time
	status      model.ConnectionStatus
	data        model.Sample
	levels      map[model.SensorKey]model.Level
	todayAlerts []model.AlertRecord
	day         time.Time
	validator   *validate.Validator
}

func newPanel(key, sid, peer string, now time.Time) *Panel {
	return &Panel{
		key:       key,
		sid:       sid,
		peer:      peer,
		created:   now,
		status:    model.StatusWaiting,
		data:      make(model.Sample),
		levels:    make(map[model.SensorKey]model.Level),
		validator: validate.New(),
	}
}

// Snapshot is a point-in-time copy of a panel.
type Snapshot struct {
	Key         string                          `json:"key"`
	SID         string                          `json:"sid"`
	Peer        string                          `json:"peer"`
	Version     string                          `json:"version,omitempty"`
	Status      model.ConnectionStatus          `json:"status"`
	Created     time.Time                       `json:"created"`
	LastRx      time.Time                       `json:"last_rx,omitempty"`
	Data        model.Sample                    `json:"data"`
	Levels      map[model.SensorKey]model.Level `json:"levels"`
	Worst       model.Level                     `json:"worst"`
	TodayAlerts []model.AlertRecord             `json:"today_alerts"`
	Closable    bool                            `json:"closable"`
	Blinking    bool                            `json:"blinking"`
	TabColor    string                          `json:"tab_color"`
}

func (p *Panel) snapshotLocked(blinkOn bool) Snapshot {
	levels := make(map[model.SensorKey]model.Level, len(p.levels))
	worst := model.LevelNormal
	for k := range p.data {
		if l, ok := p.levels[k]; ok {
			levels[k] = l
			if l > worst {
				worst = l
			}
		}
	}
	alerts := make([]model.AlertRecord, len(p.todayAlerts))
	copy(alerts, p.todayAlerts)
	return Snapshot{
		Key:         p.key,
		SID:         p.sid,
		Peer:        p.peer,
		Version:     p.version,
		Status:      p.status,
		Created:     p.created,
		LastRx:      p.lastRx,
		Data:        p.data.Clone(),
		Levels:      levels,
		Worst:       worst,
		TodayAlerts: alerts,
		Closable:    p.status == model.StatusDisconnected,
		Blinking:    level.ShouldBlink(p.status, worst),
		TabColor:    level.TabColor(p.status, worst, blinkOn),
	}
}

func (p *Panel) validatorStates() map[model.SensorKey]validate.KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validator.States()
}

// knownKeys returns the recognised keys present in s, in column order.
func knownKeys(s model.Sample) []model.SensorKey {
	keys := make([]model.SensorKey, 0, len(s))
	for _, k := range model.SensorKeys {
		if _, ok := s[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}
