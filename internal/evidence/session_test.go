package evidence

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/clock"
	"gasguard/internal/detect"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func defaultOpts() SessionOptions {
	return SessionOptions{
		FaceCapture:        true,
		RecognitionTimeout: 5 * time.Second,
		NoFaceTimeout:      10 * time.Second,
		Countdown:          3 * time.Second,
	}
}

func unknownFace() detect.Result {
	return detect.Result{Faces: []detect.FaceBox{{Box: detect.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}}}}
}

func TestSessionPreconditionsInOrder(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewSession([]int{1, 2, 3}, defaultOpts(), nil, clk)
	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))

	require.NoError(t, s.ViewPage(1))
	require.NoError(t, s.ViewPage(2))
	require.NoError(t, s.ViewPage(2))
	assert.Error(t, s.ViewPage(9))
	assert.False(t, s.AllViewed(), "a repeated page does not count twice")
	assert.ErrorIs(t, s.Ready(), ErrPostersNotViewed)

	require.NoError(t, s.ViewPage(3))
	assert.True(t, s.AllViewed())
	assert.Equal(t, []int{1, 2, 3}, s.ViewedPages())
	assert.ErrorIs(t, s.Ready(), ErrNotConfirmed)

	s.SetConfirmed(true)
	assert.ErrorIs(t, s.Ready(), ErrNoFace)

	c, ok := s.Observe(detect.Result{Faces: []detect.FaceBox{{Name: "kim", Confidence: 0.9}}}, frame)
	require.True(t, ok)
	assert.Equal(t, CaptureRecognised, c.Kind)
	assert.ErrorIs(t, s.Ready(), ErrCountdown)
	assert.Equal(t, 3*time.Second, s.CountdownRemaining())

	clk.Advance(3 * time.Second)
	assert.Zero(t, s.CountdownRemaining())
	assert.ErrorIs(t, s.Ready(), ErrNoSignature)

	s.AddStroke(nil)
	assert.ErrorIs(t, s.Ready(), ErrNoSignature)
	s.AddStroke([]image.Point{{10, 10}, {60, 40}})
	require.NoError(t, s.Ready())

	b, err := s.Bundle(nil)
	require.NoError(t, err)
	assert.Equal(t, "kim", b.Person)
	assert.Equal(t, s.ID(), b.SessionID)
	assert.NotNil(t, b.Face)
	assert.NotNil(t, b.Signature)
	assert.Len(t, b.PPE, len(detect.PPEClasses))

	s.ClearSignature()
	_, err = s.Bundle(nil)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestSessionUnknownFaceAfterRecognitionTimeout(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewSession(nil, defaultOpts(), nil, clk)
	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))

	clk.Advance(4 * time.Second)
	_, ok := s.Observe(unknownFace(), frame)
	assert.False(t, ok)

	clk.Advance(time.Second)
	c, ok := s.Observe(unknownFace(), frame)
	require.True(t, ok)
	assert.Equal(t, CaptureUnknown, c.Kind)
	assert.Empty(t, c.Name)

	// later results keep the first capture
	again, ok := s.Observe(detect.Result{Faces: []detect.FaceBox{{Name: "lee"}}}, frame)
	require.True(t, ok)
	assert.Equal(t, CaptureUnknown, again.Kind)
}

func TestSessionNoFaceAfterTimeout(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewSession(nil, defaultOpts(), nil, clk)
	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))

	clk.Advance(9 * time.Second)
	_, ok := s.Observe(detect.Result{}, frame)
	assert.False(t, ok)

	clk.Advance(time.Second)
	c, ok := s.Observe(detect.Result{PPE: detect.PPEStatus{detect.Helmet: {Worn: true}}}, frame)
	require.True(t, ok)
	assert.Equal(t, CaptureNoFace, c.Kind)

	clk.Advance(3 * time.Second)
	s.SetConfirmed(true)
	s.AddStroke([]image.Point{{1, 1}})
	b, err := s.Bundle(nil)
	require.NoError(t, err)
	assert.Nil(t, b.Face, "no-face frames are not embedded")
	assert.Empty(t, b.Person)
	assert.True(t, b.PPE[detect.Helmet].Worn)

	s.Retake()
	assert.ErrorIs(t, s.Ready(), ErrNoFace)
}

func TestSessionWithoutFaceCapture(t *testing.T) {
	opts := defaultOpts()
	opts.FaceCapture = false
	s := NewSession([]int{1}, opts, nil, clock.NewManual(t0))
	require.NoError(t, s.ViewPage(1))
	s.SetConfirmed(true)
	s.AddStroke([]image.Point{{5, 5}, {6, 6}})
	require.NoError(t, s.Ready())
}

func TestSignatureRender(t *testing.T) {
	sig := NewSignature(50, 20)
	assert.True(t, sig.Empty())
	sig.AddStroke([]image.Point{{0, 10}, {49, 10}})
	sig.AddStroke([]image.Point{{25, 2}})
	assert.Equal(t, 2, sig.Strokes())

	img := sig.Render()
	r, g, b, _ := img.At(20, 10).RGBA()
	assert.Zero(t, r+g+b, "stroke pixel is black")
	r, _, _, _ = img.At(20, 18).RGBA()
	assert.Equal(t, uint32(0xffff), r, "background is white")
	r, _, _, _ = img.At(25, 2).RGBA()
	assert.Zero(t, r)
}

func TestSignatureClampsOffCanvasStrokes(t *testing.T) {
	sig := NewSignature(800, 200)
	sig.AddStroke([]image.Point{{0, 0}, {400000000, 0}})
	sig.AddStroke([]image.Point{{-2000000000, -2000000000}, {2000000000, 2000000000}})

	done := make(chan *image.RGBA, 1)
	go func() { done <- sig.Render() }()
	select {
	case img := <-done:
		r, _, _, _ := img.At(799, 0).RGBA()
		assert.Zero(t, r, "clamped end point is drawn on the edge")
		r, _, _, _ = img.At(799, 199).RGBA()
		assert.Zero(t, r)
	case <-time.After(5 * time.Second):
		t.Fatal("render did not finish")
	}
	assert.Equal(t, image.Rect(0, 0, 800, 200), sig.Bounds())
}
