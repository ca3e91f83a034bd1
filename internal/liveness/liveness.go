// Package liveness runs the background housekeeping of the panel registry:
// connection timeouts, the tab blink phase, the manager heartbeat and the
// midnight reset of today's alerts.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"gasguard/internal/clock"
	"gasguard/internal/events"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/panel"
	"gasguard/internal/watchdog"
)

type Options struct {
	ScanInterval      time.Duration
	BlinkInterval     time.Duration
	HeartbeatInterval time.Duration
	Location          *time.Location
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Second
	}
	if o.BlinkInterval <= 0 {
		o.BlinkInterval = 600 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

type Ticker struct {
	reg     *panel.Registry
	signals *watchdog.Signals
	bus     *events.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	day time.Time
}

func New(reg *panel.Registry, signals *watchdog.Signals, bus *events.Bus, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger, opts Options) *Ticker {
	if clk == nil {
		clk = clock.System{}
	}
	opts = opts.withDefaults()
	return &Ticker{
		reg:     reg,
		signals: signals,
		bus:     bus,
		clock:   clk,
		metrics: m,
		logger:  logging.OrDiscard(logger),
		opts:    opts,
		day:     clock.StartOfDay(clk.Now(), opts.Location),
	}
}

// Run drives Scan, Blink and Heartbeat from their own tickers until ctx is
// done. The first heartbeat is written immediately.
func (t *Ticker) Run(ctx context.Context) error {
	scan := time.NewTicker(t.opts.ScanInterval)
	defer scan.Stop()
	blink := time.NewTicker(t.opts.BlinkInterval)
	defer blink.Stop()
	beat := time.NewTicker(t.opts.HeartbeatInterval)
	defer beat.Stop()

	t.Heartbeat()
	for {
		select {
		case <-scan.C:
			t.Scan()
		case <-blink.C:
			t.Blink()
		case <-beat.C:
			t.Heartbeat()
		case <-ctx.Done():
			return nil
		}
	}
}

// Scan expires silent panels and clears today's alerts once the local day
// has changed.
func (t *Ticker) Scan() []string {
	now := t.clock.Now()
	expired := t.reg.Expire(now)
	day := clock.StartOfDay(now, t.opts.Location)
	if day.After(t.day) {
		t.day = day
		t.logger.Info("local day rolled over, clearing today's alerts", "day", day.Format("2006-01-02"))
		t.reg.ClearToday(now)
	}
	return expired
}

// Blink flips the blink phase and asks the UI to repaint tabs.
func (t *Ticker) Blink() bool {
	on := t.reg.ToggleBlink()
	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.TabRefresh, Time: t.clock.Now(), Payload: on})
	}
	return on
}

func (t *Ticker) Heartbeat() {
	if t.signals == nil {
		return
	}
	now := t.clock.Now()
	if err := t.signals.WriteHeartbeat(watchdog.ManagerHeartbeat, now); err != nil {
		t.logger.Warn("heartbeat write failed", "error", err)
		return
	}
	t.metrics.Heartbeat(float64(now.Unix()))
}
