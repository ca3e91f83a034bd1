package detect

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gasguard/internal/clock"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
)

const DefaultInterval = 500 * time.Millisecond

// Runner feeds the most recent preview frame to the detector at a fixed
// rate and caches the last good result. Frames arrive much faster than
// inference runs, so only the latest one is kept.
type Runner struct {
	det      Detector
	tracker  *Tracker
	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	errLog   rate.Sometimes

	mu     sync.Mutex
	frame  image.Image
	last   Result
	have   bool
	errors int
}

func NewRunner(det Detector, tracker *Tracker, interval time.Duration, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if det == nil {
		det = Unavailable{}
	}
	if tracker == nil {
		tracker = NewTracker(0)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Runner{
		det:      det,
		tracker:  tracker,
		interval: interval,
		clock:    clk,
		metrics:  m,
		logger:   logging.OrDiscard(logger).With("component", "detect"),
		errLog:   rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Submit replaces the pending preview frame.
func (r *Runner) Submit(img image.Image) {
	r.mu.Lock()
	r.frame = img
	r.mu.Unlock()
}

func (r *Runner) Available() bool {
	return r.det.Available()
}

func (r *Runner) Run(ctx context.Context) error {
	if !r.det.Available() {
		r.logger.Info("detector not available; preview runs without detection")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one detection on the pending frame, if any.
func (r *Runner) Tick(ctx context.Context) {
	if !r.det.Available() {
		return
	}
	r.mu.Lock()
	img := r.frame
	r.frame = nil
	r.mu.Unlock()
	if img == nil {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, 4*r.interval)
	defer cancel()
	start := r.clock.Now()
	res, err := r.det.Detect(dctx, img)
	if err != nil {
		if !errors.Is(err, ErrDetector) {
			err = errors.Join(ErrDetector, err)
		}
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
		r.metrics.DetectorError()
		r.errLog.Do(func() { r.logger.Warn("detection failed", "err", err) })
		return
	}
	now := r.clock.Now()
	r.metrics.DetectDuration(now.Sub(start).Seconds())
	res.Persons = r.tracker.Update(res.Persons, res.Faces, now)
	res.At = now

	r.mu.Lock()
	r.last = res
	r.have = true
	r.mu.Unlock()
}

// Last returns the cached result of the latest successful detection.
func (r *Runner) Last() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.have
}

func (r *Runner) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// ResetSession clears the tracks and the cached result.
func (r *Runner) ResetSession() {
	r.tracker.Reset()
	r.mu.Lock()
	r.last = Result{}
	r.have = false
	r.mu.Unlock()
}
