package evidence

import (
	"image"
	"image/color"
	"image/draw"
)

const (
	DefaultSignatureWidth  = 800
	DefaultSignatureHeight = 200
	penRadius              = 1
)

// Signature is the stroke list of the signature pad.
type Signature struct {
	Width   int
	Height  int
	strokes [][]image.Point
}

func NewSignature(width, height int) *Signature {
	return &Signature{Width: width, Height: height}
}

// AddStroke keeps a copy of points clamped to the canvas; an empty stroke
// is ignored.
func (s *Signature) AddStroke(points []image.Point) {
	if len(points) == 0 {
		return
	}
	stroke := make([]image.Point, len(points))
	for i, p := range points {
		stroke[i] = image.Pt(clamp(p.X, s.Width-1), clamp(p.Y, s.Height-1))
	}
	s.strokes = append(s.strokes, stroke)
}

// Bounds is the drawable canvas.
func (s *Signature) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}

func (s *Signature) Clear() { s.strokes = nil }

func (s *Signature) Empty() bool { return len(s.strokes) == 0 }

func (s *Signature) Strokes() int { return len(s.strokes) }

// Render draws the strokes in black on white.
func (s *Signature) Render() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	for _, stroke := range s.strokes {
		if len(stroke) == 1 {
			dot(img, stroke[0])
			continue
		}
		for i := 1; i < len(stroke); i++ {
			line(img, stroke[i-1], stroke[i])
		}
	}
	return img
}

// line is Bresenham with a square pen.
func line(img *image.RGBA, a, b image.Point) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	for {
		dot(img, a)
		if a == b {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			a.X += sx
		}
		if e2 <= dx {
			e += dx
			a.Y += sy
		}
	}
}

func dot(img *image.RGBA, p image.Point) {
	for y := p.Y - penRadius; y <= p.Y+penRadius; y++ {
		for x := p.X - penRadius; x <= p.X+penRadius; x++ {
			if (image.Point{X: x, Y: y}).In(img.Rect) {
				img.SetRGBA(x, y, color.RGBA{A: 0xff})
			}
		}
	}
}

func clamp(v, hi int) int {
	if hi < 0 {
		hi = 0
	}
	switch {
	case v < 0:
		return 0
	case v > hi:
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
