// Package assets catalogues the safety posters and site blueprints shipped
// with an installation and stores ad-hoc screen captures.
package assets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gasguard/internal/fsutil"
)

const (
	PosterDir        = "safety_posters"
	BlueprintDir     = "blueprints"
	BlueprintDataDir = "blueprint_data"
	CaptureDir       = "captures"
)

// names look like 03_ladder_safety.png
var assetName = regexp.MustCompile(`(?i)^(\d{2})_(.+)\.(png|jpe?g)$`)

type Asset struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"path"`
}

// Stem is the file name without extension.
func (a Asset) Stem() string {
	base := filepath.Base(a.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (a Asset) Load() (image.Image, error) {
	return DecodeImage(a.Path)
}

// Marker places a sensor on a blueprint, in image pixels.
type Marker struct {
	SID   string  `json:"sid"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

type Blueprint struct {
	Asset
	DataPath string         `json:"data_path,omitempty"`
	Markers  []Marker       `json:"markers,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Catalog resolves asset directories under one data root.
type Catalog struct {
	root string
}

func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

func (c *Catalog) Root() string { return c.root }

// Posters lists safety posters in prefix order. A missing directory is an
// empty list.
func (c *Catalog) Posters() ([]Asset, error) {
	return scan(filepath.Join(c.root, PosterDir))
}

// PosterPages returns the page numbers a session must cover.
func (c *Catalog) PosterPages() ([]int, error) {
	posters, err := c.Posters()
	if err != nil {
		return nil, err
	}
	pages := make([]int, len(posters))
	for i, p := range posters {
		pages[i] = p.Index
	}
	return pages, nil
}

// LoadPosters decodes the posters for the given pages, in page order.
func (c *Catalog) LoadPosters(pages []int) ([]image.Image, error) {
	posters, err := c.Posters()
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]Asset, len(posters))
	for _, p := range posters {
		byIndex[p.Index] = p
	}
	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)
	out := make([]image.Image, 0, len(sorted))
	for _, page := range sorted {
		p, ok := byIndex[page]
		if !ok {
			return nil, fmt.Errorf("poster page %d not found", page)
		}
		img, err := p.Load()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// Blueprints lists blueprints with their marker data from
// blueprint_data/<stem>.json, when present.
func (c *Catalog) Blueprints() ([]Blueprint, error) {
	found, err := scan(filepath.Join(c.root, BlueprintDir))
	if err != nil {
		return nil, err
	}
	out := make([]Blueprint, 0, len(found))
	for _, a := range found {
		bp := Blueprint{Asset: a}
		path := filepath.Join(c.root, BlueprintDataDir, a.Stem()+".json")
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := decodeBlueprintData(data, &bp); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			bp.DataPath = path
		}
		out = append(out, bp)
	}
	return out, nil
}

func decodeBlueprintData(data []byte, bp *Blueprint) error {
	var doc struct {
		Sensors []Marker `json:"sensors"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	delete(extra, "sensors")
	bp.Markers = doc.Sensors
	if len(extra) > 0 {
		bp.Extra = extra
	}
	return nil
}

// CapturePath is captures/capture_<sid>_<YYYYMMDD_HHMMSS>.png.
func (c *Catalog) CapturePath(sid string, at time.Time) string {
	name := "capture_" + safe(sid) + "_" + at.Format("20060102_150405") + ".png"
	return filepath.Join(c.root, CaptureDir, name)
}

// SaveCapture writes img as PNG and returns its path.
func (c *Catalog) SaveCapture(sid string, at time.Time, img image.Image) (string, error) {
	path := c.CapturePath(sid, at)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func DecodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func scan(dir string) ([]Asset, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := assetName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		out = append(out, Asset{Index: idx, Name: m[2], Path: filepath.Join(dir, e.Name())})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func safe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}
