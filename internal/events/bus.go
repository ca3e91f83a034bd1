// Package events carries panel and pipeline notifications to subscribers
// such as the websocket stream and the liveness ticker.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	PanelCreated      Type = "panel_created"
	PanelConnected    Type = "panel_connected"
	PanelDisconnected Type = "panel_disconnected"
	PanelClosed       Type = "panel_closed"
	WaitingSlot       Type = "waiting_slot"
	SampleAccepted    Type = "sample_accepted"
	AlertRaised       Type = "alert_raised"
	AlertsCleared     Type = "alerts_cleared"
	TabRefresh        Type = "tab_refresh"
	EvidenceSaved     Type = "evidence_saved"
	EvidenceFailed    Type = "evidence_failed"
)

type Event struct {
	Type     Type      `json:"type"`
	PanelKey string    `json:"panel_key,omitempty"`
	Time     time.Time `json:"time"`
	// Focus asks the UI to bring the panel forward and switch to tile view.
	Focus   bool `json:"focus,omitempty"`
	Payload any  `json:"payload,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded because a subscriber was slow.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
