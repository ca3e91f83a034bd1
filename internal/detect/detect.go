// Package detect is the narrow port to face recognition, PPE detection and
// person tracking. Implementations wrap whatever inference stack is
// installed; the core only sees Detector.
package detect

import (
	"context"
	"errors"
	"image"
	"math"
	"time"
)

// ErrDetector wraps inference failures. The runner keeps its cached result
// and retries on the next tick.
var ErrDetector = errors.New("detector error")

// Box is an axis-aligned rectangle in image pixels.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Width() float64  { return math.Max(0, b.X2-b.X1) }
func (b Box) Height() float64 { return math.Max(0, b.Y2-b.Y1) }
func (b Box) Area() float64   { return b.Width() * b.Height() }

func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b Box) Contains(x, y float64) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// IoU is intersection over union; 0 for disjoint or empty boxes.
func (b Box) IoU(o Box) float64 {
	inter := Box{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance is the Euclidean distance between box centres.
func (b Box) CenterDistance(o Box) float64 {
	ax, ay := b.Center()
	bx, by := o.Center()
	return math.Hypot(ax-bx, ay-by)
}

type PersonBox struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence,omitempty"`
	// TrackID is 0 until the tracker assigns one.
	TrackID int    `json:"track_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type FaceBox struct {
	Box        Box     `json:"box"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (f FaceBox) Recognised() bool { return f.Name != "" }

type PPEClass string

const (
	Helmet  PPEClass = "helmet"
	Vest    PPEClass = "vest"
	Mask    PPEClass = "mask"
	Glasses PPEClass = "glasses"
	Gloves  PPEClass = "gloves"
	Boots   PPEClass = "boots"
)

// PPEClasses is the display and metadata order.
var PPEClasses = []PPEClass{Helmet, Vest, Mask, Glasses, Gloves, Boots}

type PPEItem struct {
	Worn  bool    `json:"worn"`
	Color *string `json:"color"`
	Count *int    `json:"count"`
}

type PPEStatus map[PPEClass]PPEItem

// Complete returns every class, filling the ones the detector did not
// report as not worn.
func (s PPEStatus) Complete() PPEStatus {
	out := make(PPEStatus, len(PPEClasses))
	for _, c := range PPEClasses {
		out[c] = s[c]
	}
	return out
}

type Result struct {
	Persons []PersonBox `json:"persons"`
	PPE     PPEStatus   `json:"ppe"`
	Faces   []FaceBox   `json:"faces"`
	At      time.Time   `json:"at"`
}

// BestFace returns the recognised face with the highest confidence, or the
// largest unrecognised one.
func (r Result) BestFace() (FaceBox, bool) {
	var (
		best  FaceBox
		found bool
	)
	for _, f := range r.Faces {
		switch {
		case !found:
			best, found = f, true
		case f.Recognised() && !best.Recognised():
			best = f
		case f.Recognised() == best.Recognised() && f.Recognised() && f.Confidence > best.Confidence:
			best = f
		case !f.Recognised() && !best.Recognised() && f.Box.Area() > best.Box.Area():
			best = f
		}
	}
	return best, found
}

// Detector is the capability probe plus the per-frame call. Detect is only
// invoked when Available reports true.
type Detector interface {
	Available() bool
	Detect(ctx context.Context, img image.Image) (Result, error)
}

// Unavailable is the inert detector used when no backend is configured.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Detect(context.Context, image.Image) (Result, error) {
	return Result{}, errors.New("detector not available")
}
