// Package ingest receives telemetry from field devices and routes each frame
// to its panel. Transports parse their payloads and submit frames to a
// Dispatcher, which keeps one device's frames in arrival order.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/model"
	"gasguard/internal/normalize"
	"gasguard/internal/panel"
)

var ErrMalformedFrame = normalize.ErrMalformedFrame

// Handler applies a frame to panel state.
type Handler interface {
	Handle(ctx context.Context, f model.Frame) panel.Result
}

// Dispatcher fans frames out to serial lanes. A frame's lane is chosen by its
// sid, so every panel key derived from that sid is served by one goroutine.
type Dispatcher struct {
	handler Handler
	lanes   []chan model.Frame
	metrics *metrics.Metrics
	logger  *slog.Logger

	dropLog      rate.Sometimes
	malformedLog rate.Sometimes
}

func NewDispatcher(h Handler, lanes, buffer int, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if lanes <= 0 {
		lanes = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		handler:      h,
		lanes:        make([]chan model.Frame, lanes),
		metrics:      m,
		logger:       logging.OrDiscard(logger),
		dropLog:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
		malformedLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	per := buffer / lanes
	if per < 1 {
		per = 1
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan model.Frame, per)
	}
	return d
}

func (d *Dispatcher) lane(sid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sid))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

// Submit queues a frame without blocking. It reports false when the lane is
// full or ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, f model.Frame) bool {
	d.metrics.Frame(f.Source)
	select {
	case d.lanes[d.lane(f.SID)] <- f:
		return true
	case <-ctx.Done():
		return false
	default:
		d.metrics.QueueDropped(f.Source)
		d.dropLog.Do(func() {
			d.logger.Warn("dispatcher lane full, dropping frame", "sid", f.SID, "peer", f.Peer, "source", f.Source)
		})
		return false
	}
}

// Process applies a frame synchronously on the caller's goroutine.
func (d *Dispatcher) Process(ctx context.Context, f model.Frame) panel.Result {
	return d.handler.Handle(ctx, f)
}

// Run serves every lane until ctx is done. Frames still queued at shutdown
// are applied before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range d.lanes {
		ch := ch
		g.Go(func() error {
			for {
				select {
				case f := <-ch:
					d.handler.Handle(gctx, f)
				case <-gctx.Done():
					d.drain(ch)
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) drain(ch chan model.Frame) {
	for {
		select {
		case f := <-ch:
			d.handler.Handle(context.Background(), f)
		default:
			return
		}
	}
}

// Ingest parses a payload received from peer and submits the resulting
// frames. A message that fails to parse but names its sid still refreshes
// that panel's liveness.
func (d *Dispatcher) Ingest(ctx context.Context, p *Parser, source, peer, payload string) (accepted, failed int) {
	return d.IngestAs(ctx, p, source, peer, "", payload)
}

// IngestAs is Ingest with a fallback sid for messages that do not name one,
// as when the device id is carried by a broker topic.
func (d *Dispatcher) IngestAs(ctx context.Context, p *Parser, source, peer, sid, payload string) (accepted, failed int) {
	if p == nil {
		p = NewParser()
	}
	now := time.Now()
	for _, line := range splitLines(payload) {
		fields, err := p.ParseLine(line)
		if err == nil && fields == nil {
			continue
		}
		var f model.Frame
		if err == nil {
			if fields.SID == "" {
				fields.SID = sid
			}
			f, err = normalize.Normalize(*fields, peer, now)
		}
		if err != nil {
			failed++
			d.metrics.Malformed(source)
			d.malformedLog.Do(func() {
				d.logger.Warn("malformed frame", "source", source, "peer", peer, "error", err)
			})
			if !errors.Is(err, ErrMalformedFrame) || f.SID == "" {
				continue
			}
			f.Data = nil
		}
		f.Source = source
		if d.Submit(ctx, f) && err == nil {
			accepted++
		}
	}
	return accepted, failed
}

// BackoffSleep waits d or until ctx is done; it reports whether the full
// delay elapsed.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
