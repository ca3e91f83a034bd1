package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"gasguard/internal/logging"
)

// HTTPDetector calls an inference sidecar. The sidecar owns the camera
// models and the face database; frames are posted as JPEG.
//
//	GET  /health  -> 200 when models are loaded
//	POST /detect  -> {"persons": [...], "ppe": {...}, "faces": [...]}
type HTTPDetector struct {
	client    *resty.Client
	available atomic.Bool
	logger    *slog.Logger
}

func NewHTTPDetector(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPDetector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPDetector{
		client: client,
		logger: logging.OrDiscard(logger).With("component", "detector_http"),
	}
}

// Probe checks the sidecar health endpoint and records the outcome for
// Available.
func (d *HTTPDetector) Probe(ctx context.Context) bool {
	resp, err := d.client.R().SetContext(ctx).Get("/health")
	ok := err == nil && resp.IsSuccess()
	if d.available.Swap(ok) != ok {
		d.logger.Info("detector availability changed", "available", ok)
	}
	return ok
}

func (d *HTTPDetector) Available() bool {
	return d.available.Load()
}

func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) (Result, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return Result{}, fmt.Errorf("%w: encode frame: %v", ErrDetector, err)
	}
	var res Result
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetBody(buf.Bytes()).
		SetResult(&res).
		Post("/detect")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDetector, err)
	}
	if !resp.IsSuccess() {
		return Result{}, fmt.Errorf("%w: status %d", ErrDetector, resp.StatusCode())
	}
	if res.PPE == nil {
		res.PPE = PPEStatus{}
	}
	return res, nil
}

// Watch re-probes the sidecar until ctx ends so a late-starting sidecar is
// picked up.
func (d *HTTPDetector) Watch(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	d.Probe(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Probe(ctx)
		}
	}
}
