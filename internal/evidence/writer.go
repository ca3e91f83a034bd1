package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gasguard/internal/chain"
	"gasguard/internal/clock"
	"gasguard/internal/events"
	"gasguard/internal/fsutil"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
	"gasguard/internal/model"
)

const (
	PhotoDir        = "safety_photos"
	MetadataVersion = "1.0"
)

// ErrUnlicensed is returned by Save when the installation is not licensed.
var ErrUnlicensed = errors.New("evidence saving requires a license")

// AuditSink receives one row per committed chain record.
type AuditSink interface {
	AppendEvidence(ctx context.Context, row model.EvidenceRow) error
}

type WriterOptions struct {
	Compose  ComposeOptions
	Location *time.Location
	// Licensed is consulted on every save; nil means licensed.
	Licensed func() bool
}

// Writer composes bundles and commits them under root
// (usually <data_dir>/safety_photos). The chain log must live in root.
type Writer struct {
	root    string
	chain   *chain.Log
	audit   AuditSink
	opts    WriterOptions
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewWriter(root string, log *chain.Log, audit AuditSink, opts WriterOptions, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Compose.Location == nil {
		opts.Compose.Location = opts.Location
	}
	return &Writer{
		root:    root,
		chain:   log,
		audit:   audit,
		opts:    opts,
		clock:   clk,
		metrics: m,
		logger:  logging.OrDiscard(logger).With("component", "evidence"),
	}
}

type Result struct {
	SessionID    string    `json:"session_id"`
	RecordID     int64     `json:"record_id"`
	ChainHash    string    `json:"chain_hash"`
	ImageHash    string    `json:"image_hash"`
	ImagePath    string    `json:"image_path"`
	MetadataPath string    `json:"metadata_path"`
	HashPath     string    `json:"hash_path"`
	CreatedAt    time.Time `json:"created_at"`
}

type metadataDoc struct {
	Version         string            `json:"version"`
	Person          *string           `json:"person"`
	SafetyEquipment map[string]any    `json:"safety_equipment"`
	Education       educationInfo     `json:"education"`
	Timestamps      map[string]string `json:"timestamps"`
	SystemInfo      map[string]any    `json:"system_info"`
	ImageHash       string            `json:"image_hash"`
}

type educationInfo struct {
	PostersViewed int   `json:"posters_viewed"`
	ViewedPages   []int `json:"viewed_pages"`
}

// Save composes the bundle, writes jpg and json, appends the chain record
// and finally writes the .hash text. If the chain append fails the written
// files are removed so nothing outlives a failed commit.
func (w *Writer) Save(ctx context.Context, b Bundle) (Result, error) {
	res, err := w.save(ctx, b)
	w.metrics.EvidenceSave(err == nil)
	if err != nil {
		w.logger.Error("evidence save failed", "session", b.SessionID, "err", err)
		return Result{}, err
	}
	w.logger.Info("evidence saved", "session", b.SessionID, "record_id", res.RecordID, "image", res.ImagePath)
	return res, nil
}

func (w *Writer) save(ctx context.Context, b Bundle) (Result, error) {
	if w.opts.Licensed != nil && !w.opts.Licensed() {
		return Result{}, ErrUnlicensed
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = w.clock.Now()
	}
	created := b.CreatedAt.In(w.opts.Location)

	comp, err := Compose(b, w.opts.Compose)
	if err != nil {
		return Result{}, fmt.Errorf("compose: %w", err)
	}
	jpg, err := comp.EncodeJPEG(w.opts.Compose.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Join(w.root, created.Format("2006"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}
	base, err := reserveBase(dir, "safety_"+FileName(b.Person)+"_"+created.Format("20060102_150405"))
	if err != nil {
		return Result{}, err
	}
	res := Result{
		SessionID:    b.SessionID,
		ImageHash:    comp.ImageHash,
		ImagePath:    filepath.Join(dir, base+".jpg"),
		MetadataPath: filepath.Join(dir, base+".json"),
		HashPath:     filepath.Join(dir, base+".hash"),
		CreatedAt:    created,
	}

	meta, err := json.MarshalIndent(w.metadata(b, created, comp.ImageHash), "", "  ")
	if err != nil {
		_ = os.Remove(res.ImagePath)
		return Result{}, err
	}
	// replaces the empty placeholder left by reserveBase
	if err := fsutil.WriteFileAtomic(res.ImagePath, jpg, 0o644); err != nil {
		_ = os.Remove(res.ImagePath)
		return Result{}, err
	}
	if err := fsutil.WriteFileAtomic(res.MetadataPath, meta, 0o644); err != nil {
		_ = os.Remove(res.ImagePath)
		return Result{}, err
	}

	rec, err := w.chain.Append(map[string]string{
		"combined_image": res.ImagePath,
		"metadata":       res.MetadataPath,
	}, map[string]any{
		"session_id": b.SessionID,
		"person":     nullable(b.Person),
		"image_hash": comp.ImageHash,
		"created_at": created.Format(time.RFC3339),
	})
	if err != nil {
		_ = os.Remove(res.ImagePath)
		_ = os.Remove(res.MetadataPath)
		return Result{}, err
	}
	res.RecordID = rec.RecordID
	res.ChainHash = rec.ChainHash

	// the record is committed; a missing .hash text is only logged
	if err := fsutil.WriteFileAtomic(res.HashPath, []byte(hashText(base+".jpg", created, res)), 0o644); err != nil {
		w.logger.Warn("hash text not written", "path", res.HashPath, "err", err)
	}
	if w.audit != nil {
		row := model.EvidenceRow{
			RecordID:  rec.RecordID,
			CreatedAt: created,
			Person:    b.Person,
			ImagePath: res.ImagePath,
			ImageHash: res.ImageHash,
			ChainHash: res.ChainHash,
		}
		if err := w.audit.AppendEvidence(ctx, row); err != nil {
			w.metrics.StoreError("append_evidence")
			w.logger.Warn("evidence audit row not stored", "record_id", rec.RecordID, "err", err)
		}
	}
	return res, nil
}

func (w *Writer) metadata(b Bundle, created time.Time, imageHash string) metadataDoc {
	ppe := make(map[string]any, len(b.PPE))
	for class, item := range b.PPE.Complete() {
		ppe[string(class)] = item
	}
	host, _ := os.Hostname()
	pages := b.ViewedPages
	if pages == nil {
		pages = []int{}
	}
	return metadataDoc{
		Version:         MetadataVersion,
		Person:          nullable(b.Person),
		SafetyEquipment: ppe,
		Education:       educationInfo{PostersViewed: len(pages), ViewedPages: pages},
		Timestamps:      map[string]string{"record_created": created.Format(time.RFC3339)},
		SystemInfo: map[string]any{
			"app":            "gasguard",
			"session_id":     b.SessionID,
			"hostname":       host,
			"os":             runtime.GOOS,
			"has_face_image": b.Face != nil,
			"capture":        string(b.Capture),
		},
		ImageHash: imageHash,
	}
}

func hashText(fileName string, created time.Time, res Result) string {
	var sb strings.Builder
	sb.WriteString("파일명: " + fileName + "\n")
	sb.WriteString("촬영일시: " + created.Format("2006-01-02 15:04:05") + "\n")
	sb.WriteString("해시함수: SHA256\n")
	sb.WriteString("해시값: " + res.ImageHash + "\n")
	if res.RecordID > 0 {
		sb.WriteString("기록ID: " + strconv.FormatInt(res.RecordID, 10) + "\n")
		sb.WriteString("체인해시: " + res.ChainHash + "\n")
	}
	return sb.String()
}

// reserveBase claims base, or base_2, base_3, ... when another save holds
// the name, by creating an empty <name>.jpg exclusively. Concurrent saves
// finishing in the same second get distinct names.
func reserveBase(dir, base string) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate+".jpg"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return candidate, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		candidate = base + "_" + strconv.Itoa(n)
	}
}

// FileName makes a person name safe for a file name; empty becomes
// "unknown".
func FileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Saver runs saves off the caller's goroutine and lets shutdown wait for
// the ones in flight.
type Saver struct {
	writer *Writer
	bus    *events.Bus
	clock  clock.Clock
	wg     sync.WaitGroup
}

func NewSaver(w *Writer, bus *events.Bus) *Saver {
	return &Saver{writer: w, bus: bus, clock: w.clock}
}

// Submit starts a save. done, if set, is called with the outcome from the
// worker goroutine. The save is not cancelled with ctx.
func (s *Saver) Submit(ctx context.Context, b Bundle, done func(Result, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.writer.Save(context.WithoutCancel(ctx), b)
		ev := events.Event{Type: events.EvidenceSaved, Time: s.clock.Now(), Payload: res}
		if err != nil {
			ev.Type = events.EvidenceFailed
			ev.Payload = err.Error()
		}
		s.bus.Publish(ev)
		if done != nil {
			done(res, err)
		}
	}()
}

// SaveSync saves on a worker goroutine and blocks for the result.
func (s *Saver) SaveSync(ctx context.Context, b Bundle) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	s.Submit(ctx, b, func(r Result, err error) { ch <- outcome{r, err} })
	o := <-ch
	return o.res, o.err
}

// Wait blocks until every submitted save finished or timeout passed. It
// reports whether all saves finished.
func (s *Saver) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
