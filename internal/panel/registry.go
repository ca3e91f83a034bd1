package panel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gasguard/internal/alerts"
	"gasguard/internal/clock"
	"gasguard/internal/config"
	"gasguard/internal/events"
	"gasguard/internal/level"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/model"
	"gasguard/internal/validate"
)

var (
	ErrNotFound    = errors.New("panel not found")
	ErrNotClosable = errors.New("panel is still connected")
)

// Sink receives accepted samples and alert events for durable storage.
type Sink interface {
	AppendSample(ctx context.Context, sid, peer string, data model.Sample, ts time.Time) error
	AppendAlert(ctx context.Context, rec model.AlertRecord) error
}

type Options struct {
	Policy     string
	MaxSensors int
	Timeout    time.Duration
	Thresholds level.Thresholds
	Location   *time.Location
}

// OptionsFromConfig builds registry options from the [UI] and [STD] sections.
func OptionsFromConfig(cfg *config.Config) Options {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	return Options{
		Policy:     cfg.UI.PanelKeyPolicy,
		MaxSensors: cfg.UI.MaxSensors,
		Timeout:    cfg.UI.ConnectionTimeout,
		Thresholds: level.FromConfig(cfg),
		Location:   loc,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxSensors <= 0 {
		o.MaxSensors = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Policy == "" {
		o.Policy = config.PolicyByIP
	}
	return o
}

type Deps struct {
	Clock   clock.Clock
	Sink    Sink
	Bus     *events.Bus
	History *alerts.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Result describes what one frame did to the registry.
type Result struct {
	PanelKey  string
	Created   bool
	Ignored   bool
	Connected bool
	Accepted  model.Sample
	Alerts    []model.AlertRecord
}

// Registry maps panel keys to panels and applies inbound frames. Frames for
// different panels may be handled concurrently; frames for one panel are
// applied under that panel's lock.
type Registry struct {
	mu     sync.RWMutex
	opts   Options
	panels map[string]*Panel
	order  []string

	clock   clock.Clock
	sink    Sink
	bus     *events.Bus
	history *alerts.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	blinkOn atomic.Bool
}

func NewRegistry(opts Options, deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Registry{
		opts:    opts.withDefaults(),
		panels:  make(map[string]*Panel),
		clock:   deps.Clock,
		sink:    deps.Sink,
		bus:     deps.Bus,
		history: deps.History,
		metrics: deps.Metrics,
		logger:  logging.OrDiscard(deps.Logger),
	}
}

// UpdateOptions applies reloaded settings. Existing panels are kept even if
// the new cap is lower.
func (r *Registry) UpdateOptions(opts Options) {
	r.mu.Lock()
	r.opts = opts.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// Handle applies one frame. It never fails: store errors are logged and
// counted and the in-memory state is kept.
func (r *Registry) Handle(ctx context.Context, f model.Frame) Result {
	opts := r.options()
	key := Key(opts.Policy, f.SID, f.Peer)
	res := Result{PanelKey: key}

	p, created, ok := r.lookupOrCreate(key, f, opts)
	if !ok {
		res.Ignored = true
		r.metrics.Ignored()
		r.logger.Debug("panel cap reached, frame ignored", "panel", key, "peer", f.Peer)
		return res
	}
	res.Created = created

	p.mu.Lock()
	now := r.clock.Now()
	// last_rx moves before any filtering so keep-alives hold the connection
	if now.After(p.lastRx) {
		p.lastRx = now
	}
	p.peer = f.Peer
	if f.Version != "" {
		p.version = f.Version
	}
	r.rollDayLocked(p, now, opts.Location)

	wasStatus := p.status
	if wasStatus == model.StatusDisconnected {
		// a device that went quiet may have rebooted and will warm up again
		p.validator.Reset()
	}

	if len(f.Data) > 0 {
		accepted := p.validator.Filter(f.Data)
		for k := range f.Data {
			if _, ok := accepted[k]; !ok {
				r.metrics.ValidatorDrop(k)
			}
		}
		if len(accepted) > 0 {
			res.Accepted = accepted
			res.Alerts = r.applyLocked(ctx, p, accepted, now, opts)
		}
	}

	if wasStatus != model.StatusConnected {
		p.status = model.StatusConnected
		res.Connected = true
	}
	snap := p.snapshotLocked(r.blinkOn.Load())
	p.mu.Unlock()

	if res.Connected {
		r.logger.Info("panel connected", "panel", key, "peer", f.Peer, "from", wasStatus)
		r.publish(events.Event{Type: events.PanelConnected, PanelKey: key, Time: now, Focus: true, Payload: snap})
		r.publishCounts()
	}
	if res.Accepted != nil {
		r.publish(events.Event{Type: events.SampleAccepted, PanelKey: key, Time: now, Payload: snap})
	}
	for _, rec := range res.Alerts {
		r.publish(events.Event{Type: events.AlertRaised, PanelKey: key, Time: now, Payload: rec})
	}
	return res
}

func (r *Registry) lookupOrCreate(key string, f model.Frame, opts Options) (*Panel, bool, bool) {
	r.mu.RLock()
	p, ok := r.panels[key]
	r.mu.RUnlock()
	if ok {
		return p, false, true
	}

	r.mu.Lock()
	if p, ok = r.panels[key]; ok {
		r.mu.Unlock()
		return p, false, true
	}
	if len(r.panels) >= opts.MaxSensors {
		r.mu.Unlock()
		return nil, false, false
	}
	now := r.clock.Now()
	p = newPanel(key, f.SID, f.Peer, now)
	r.panels[key] = p
	r.order = append(r.order, key)
	waiting := len(r.panels) < opts.MaxSensors
	r.mu.Unlock()

	r.logger.Info("panel created", "panel", key, "sid", f.SID, "peer", f.Peer)
	p.mu.Lock()
	snap := p.snapshotLocked(false)
	p.mu.Unlock()
	r.publish(events.Event{Type: events.PanelCreated, PanelKey: key, Time: now, Payload: snap})
	r.publish(events.Event{Type: events.WaitingSlot, Time: now, Payload: waiting})
	return p, true, true
}

// applyLocked merges accepted values, persists them and raises alerts on
// rising edges. p.mu must be held.
func (r *Registry) applyLocked(ctx context.Context, p *Panel, accepted model.Sample, now time.Time, opts Options) []model.AlertRecord {
	for k, v := range accepted {
		p.data[k] = v
	}
	if r.sink != nil {
		if err := r.sink.AppendSample(ctx, p.sid, p.peer, accepted, now); err != nil {
			r.metrics.StoreError("append_sample")
			r.logger.Warn("store sample failed", "panel", p.key, "error", err)
		}
	}

	var raised []model.AlertRecord
	for _, k := range knownKeys(accepted) {
		v := accepted[k]
		lvl := opts.Thresholds.Of(k, v)
		prev := p.levels[k]
		p.levels[k] = lvl
		if !lvl.Alarming() || lvl <= prev {
			continue
		}
		rec := model.AlertRecord{
			Timestamp: now,
			SID:       p.sid,
			Peer:      p.peer,
			PanelKey:  p.key,
			Sensor:    k,
			Level:     lvl,
			Value:     v,
		}
		p.todayAlerts = append(p.todayAlerts, rec)
		raised = append(raised, rec)
		r.metrics.Alert(k, lvl)
		if r.history != nil {
			r.history.Add(rec)
		}
		r.logger.Warn("alert raised", "panel", p.key, "sensor", k, "level", int(lvl), "value", v)
		if r.sink != nil {
			if err := r.sink.AppendAlert(ctx, rec); err != nil {
				r.metrics.StoreError("append_alert")
				r.logger.Warn("store alert failed", "panel", p.key, "error", err)
			}
		}
	}
	return raised
}

// rollDayLocked empties today's alerts when the local day has changed since
// they were collected.
func (r *Registry) rollDayLocked(p *Panel, now time.Time, loc *time.Location) {
	day := clock.StartOfDay(now, loc)
	if p.day.IsZero() {
		p.day = day
		return
	}
	if !day.Equal(p.day) {
		p.day = day
		p.todayAlerts = nil
	}
}

// Expire marks panels whose last frame is older than the connection timeout
// as disconnected and returns their keys.
func (r *Registry) Expire(now time.Time) []string {
	opts := r.options()
	var expired []string
	for _, p := range r.all() {
		p.mu.Lock()
		if p.status == model.StatusConnected && now.Sub(p.lastRx) > opts.Timeout {
			p.status = model.StatusDisconnected
			expired = append(expired, p.key)
			snap := p.snapshotLocked(r.blinkOn.Load())
			p.mu.Unlock()
			r.logger.Warn("panel disconnected", "panel", p.key, "last_rx", snap.LastRx)
			r.publish(events.Event{Type: events.PanelDisconnected, PanelKey: p.key, Time: now, Payload: snap})
			continue
		}
		p.mu.Unlock()
	}
	if len(expired) > 0 {
		r.publishCounts()
	}
	return expired
}

// ClearToday empties today's alerts on every panel, as at local midnight.
func (r *Registry) ClearToday(now time.Time) {
	loc := r.options().Location
	day := clock.StartOfDay(now, loc)
	for _, p := range r.all() {
		p.mu.Lock()
		p.todayAlerts = nil
		p.day = day
		p.mu.Unlock()
	}
	r.publish(events.Event{Type: events.AlertsCleared, Time: now})
}

// ClearAlerts empties today's alerts of one panel on operator request.
func (r *Registry) ClearAlerts(key string) error {
	p := r.get(key)
	if p == nil {
		return ErrNotFound
	}
	p.mu.Lock()
	p.todayAlerts = nil
	p.mu.Unlock()
	r.publish(events.Event{Type: events.AlertsCleared, PanelKey: key, Time: r.clock.Now()})
	return nil
}

// Close removes a disconnected panel, freeing its slot.
func (r *Registry) Close(key string) error {
	r.mu.Lock()
	p, ok := r.panels[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	p.mu.Lock()
	closable := p.status == model.StatusDisconnected
	p.mu.Unlock()
	if !closable {
		r.mu.Unlock()
		return ErrNotClosable
	}
	delete(r.panels, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	now := r.clock.Now()
	r.logger.Info("panel closed", "panel", key)
	r.publish(events.Event{Type: events.PanelClosed, PanelKey: key, Time: now})
	r.publish(events.Event{Type: events.WaitingSlot, Time: now, Payload: true})
	r.publishCounts()
	return nil
}

func (r *Registry) Get(key string) (Snapshot, bool) {
	p := r.get(key)
	if p == nil {
		return Snapshot{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(r.blinkOn.Load()), true
}

// List returns snapshots in creation order.
func (r *Registry) List() []Snapshot {
	blink := r.blinkOn.Load()
	panels := r.all()
	out := make([]Snapshot, 0, len(panels))
	for _, p := range panels {
		p.mu.Lock()
		out = append(out, p.snapshotLocked(blink))
		p.mu.Unlock()
	}
	return out
}

func (r *Registry) TodayAlerts(key string) ([]model.AlertRecord, error) {
	snap, ok := r.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return snap.TodayAlerts, nil
}

// Validator reports the warm-up and negative-run filter state of one panel.
func (r *Registry) Validator(key string) (map[model.SensorKey]validate.KeyState, error) {
	p := r.get(key)
	if p == nil {
		return nil, ErrNotFound
	}
	return p.validatorStates(), nil
}

// WaitingSlot reports whether the synthetic waiting panel should be shown.
func (r *Registry) WaitingSlot() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.panels) < r.opts.MaxSensors
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.panels)
}

func (r *Registry) Counts() map[model.ConnectionStatus]int {
	counts := make(map[model.ConnectionStatus]int, 3)
	for _, p := range r.all() {
		p.mu.Lock()
		counts[p.status]++
		p.mu.Unlock()
	}
	return counts
}

// ToggleBlink flips the blink phase and returns the new phase.
func (r *Registry) ToggleBlink() bool {
	for {
		old := r.blinkOn.Load()
		if r.blinkOn.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (r *Registry) BlinkOn() bool {
	return r.blinkOn.Load()
}

func (r *Registry) get(key string) *Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.panels[key]
}

func (r *Registry) all() []*Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Panel, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.panels[k])
	}
	return out
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func (r *Registry) publishCounts() {
	r.metrics.SetPanels(r.Counts())
}
