// Package evidence runs a safety-education session and turns it into a
// signed evidence bundle: composite image, metadata, hash text and a chain
// record.
package evidence

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gasguard/internal/clock"
	"gasguard/internal/config"
	"gasguard/internal/detect"
)

var (
	ErrPostersNotViewed = errors.New("not every safety poster was viewed")
	ErrNotConfirmed     = errors.New("confirmation not checked")
	ErrNoFace           = errors.New("face not captured")
	ErrCountdown        = errors.New("capture countdown not finished")
	ErrNoSignature      = errors.New("signature is empty")
)

type CaptureKind string

const (
	CaptureRecognised CaptureKind = "recognised"
	CaptureUnknown    CaptureKind = "unknown_face"
	CaptureNoFace     CaptureKind = "no_face"
)

type FaceCapture struct {
	Kind  CaptureKind
	Name  string
	Image image.Image
}

type SessionOptions struct {
	FaceCapture        bool
	RecognitionTimeout time.Duration
	NoFaceTimeout      time.Duration
	Countdown          time.Duration
}

func SessionOptionsFromConfig(c config.CameraConfig) SessionOptions {
	return SessionOptions{
		FaceCapture:        c.FaceCapture,
		RecognitionTimeout: c.RecognitionTimeout,
		NoFaceTimeout:      c.NoFaceTimeout,
		Countdown:          c.Countdown,
	}
}

// Session tracks one operator-supervised education run from the first
// poster to the signature.
type Session struct {
	mu         sync.Mutex
	id         string
	opts       SessionOptions
	clock      clock.Clock
	pages      map[int]bool
	viewed     map[int]bool
	confirmed  bool
	started    time.Time
	capture    *FaceCapture
	capturedAt time.Time
	ppe        detect.PPEStatus
	signature  *Signature
}

// NewSession starts a session that requires every page in pages to be
// viewed. The face preview clock starts now.
func NewSession(pages []int, opts SessionOptions, sig *Signature, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.System{}
	}
	if sig == nil {
		sig = NewSignature(DefaultSignatureWidth, DefaultSignatureHeight)
	}
	required := make(map[int]bool, len(pages))
	for _, p := range pages {
		required[p] = true
	}
	return &Session{
		id:        uuid.NewString(),
		opts:      opts,
		clock:     clk,
		pages:     required,
		viewed:    make(map[int]bool),
		started:   clk.Now(),
		ppe:       detect.PPEStatus{},
		signature: sig,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ViewPage(page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pages[page] {
		return fmt.Errorf("unknown poster page %d", page)
	}
	s.viewed[page] = true
	return nil
}

func (s *Session) ViewedPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewedLocked()
}

func (s *Session) viewedLocked() []int {
	out := make([]int, 0, len(s.viewed))
	for p := range s.viewed {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// AllViewed compares sets, not counts: viewing one page twice does not
// stand in for another.
func (s *Session) AllViewed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allViewedLocked()
}

func (s *Session) allViewedLocked() bool {
	if len(s.viewed) != len(s.pages) {
		return false
	}
	for p := range s.pages {
		if !s.viewed[p] {
			return false
		}
	}
	return true
}

func (s *Session) SetConfirmed(v bool) {
	s.mu.Lock()
	s.confirmed = v
	s.mu.Unlock()
}

func (s *Session) SetPPE(p detect.PPEStatus) {
	s.mu.Lock()
	s.ppe = p.Complete()
	s.mu.Unlock()
}

// Observe feeds one detection result from the live preview. It captures a
// recognised face at once, an unrecognised face after the recognition
// timeout, and a frame with no face after the no-face timeout. Once a face
// is captured later results only update the PPE status.
func (s *Session) Observe(res detect.Result, frame image.Image) (FaceCapture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.PPE != nil {
		s.ppe = res.PPE.Complete()
	}
	if s.capture != nil {
		return *s.capture, true
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.started)

	var c *FaceCapture
	if face, ok := res.BestFace(); ok {
		switch {
		case face.Recognised():
			c = &FaceCapture{Kind: CaptureRecognised, Name: face.Name, Image: frame}
		case elapsed >= s.opts.RecognitionTimeout:
			c = &FaceCapture{Kind: CaptureUnknown, Image: frame}
		}
	} else if elapsed >= s.opts.NoFaceTimeout {
		c = &FaceCapture{Kind: CaptureNoFace, Image: frame}
	}
	if c == nil {
		return FaceCapture{}, false
	}
	s.capture = c
	s.capturedAt = now
	return *c, true
}

func (s *Session) Capture() (FaceCapture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return FaceCapture{}, false
	}
	return *s.capture, true
}

// SetCapture records a capture made outside the preview loop.
func (s *Session) SetCapture(c FaceCapture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = &c
	s.capturedAt = s.clock.Now()
}

// Retake discards the capture and restarts the preview timers.
func (s *Session) Retake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = nil
	s.capturedAt = time.Time{}
	s.started = s.clock.Now()
}

// CountdownRemaining is the time left before the captured frame is final.
// It is the full countdown while nothing is captured.
func (s *Session) CountdownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdownLocked()
}

func (s *Session) countdownLocked() time.Duration {
	if s.capture == nil {
		return s.opts.Countdown
	}
	left := s.opts.Countdown - s.clock.Now().Sub(s.capturedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (s *Session) AddStroke(points []image.Point) {
	s.mu.Lock()
	s.signature.AddStroke(points)
	s.mu.Unlock()
}

// SignatureBounds is the signature pad canvas; strokes are clamped to it.
func (s *Session) SignatureBounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature.Bounds()
}

func (s *Session) ClearSignature() {
	s.mu.Lock()
	s.signature.Clear()
	s.mu.Unlock()
}

// Ready reports the first unmet precondition for composing the bundle.
func (s *Session) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Session) readyLocked() error {
	if !s.allViewedLocked() {
		return ErrPostersNotViewed
	}
	if !s.confirmed {
		return ErrNotConfirmed
	}
	if s.opts.FaceCapture {
		if s.capture == nil {
			return ErrNoFace
		}
		if s.countdownLocked() > 0 {
			return ErrCountdown
		}
	}
	if s.signature.Empty() {
		return ErrNoSignature
	}
	return nil
}

// Bundle checks the preconditions and assembles the composer input.
// posters are the poster images in page order.
func (s *Session) Bundle(posters []image.Image) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return Bundle{}, err
	}
	b := Bundle{
		SessionID:   s.id,
		Posters:     posters,
		ViewedPages: s.viewedLocked(),
		Signature:   s.signature.Render(),
		PPE:         s.ppe.Complete(),
		CreatedAt:   s.clock.Now(),
	}
	if s.opts.FaceCapture && s.capture != nil {
		b.Capture = s.capture.Kind
		b.Person = s.capture.Name
		if s.capture.Kind != CaptureNoFace {
			b.Face = s.capture.Image
		}
	}
	return b, nil
}
