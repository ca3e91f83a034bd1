// Package chain keeps the append-only hash chain that binds every evidence
// bundle to all earlier ones, and verifies it.
//
// Each record's chain_hash is SHA-256 over
//
//	record_id | prev_chain_hash | sha256,sha256,... (files sorted by role) | canonical_json(metadata)
//
// so editing a referenced file, a record, or the record order is detectable.
package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gasguard/internal/clock"
	"gasguard/internal/fsutil"
	"gasguard/internal/logging"
	"gasguard/internal/metrics"
)

const (
	FileName = "hash_chain.json"
	Version  = "1.0"
	// GenesisHash is the prev_chain_hash of record 1.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// ErrAppend wraps every failure of Append. Nothing is persisted when it is
// returned.
var ErrAppend = errors.New("chain append failed")

type FileRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type Record struct {
	RecordID      int64              `json:"record_id"`
	CreatedAt     time.Time          `json:"created_at"`
	Files         map[string]FileRef `json:"files"`
	Metadata      map[string]any     `json:"metadata"`
	PrevChainHash string             `json:"prev_chain_hash"`
	ChainHash     string             `json:"chain_hash"`
}

type document struct {
	Version     string   `json:"version"`
	GenesisHash string   `json:"genesis_hash"`
	Records     []Record `json:"records"`
}

// Log is the single writer of hash_chain.json in dir. File paths inside
// records are stored relative to dir.
type Log struct {
	dir     string
	path    string
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

func New(dir string, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Log {
	if clk == nil {
		clk = clock.System{}
	}
	return &Log{
		dir:     dir,
		path:    filepath.Join(dir, FileName),
		clock:   clk,
		metrics: m,
		logger:  logging.OrDiscard(logger).With("component", "chain"),
	}
}

func (l *Log) Path() string { return l.path }
func (l *Log) Dir() string  { return l.dir }

// Append hashes the files (role to path), links a new record to the last
// one and atomically rewrites the chain file. The rename is the commit
// point.
func (l *Log) Append(files map[string]string, metadata map[string]any) (Record, error) {
	rec, err := l.append(files, metadata)
	l.metrics.ChainAppend(err == nil)
	if err != nil {
		l.logger.Error("chain append failed", "err", err)
		return Record{}, err
	}
	l.logger.Info("chain record appended", "record_id", rec.RecordID, "chain_hash", rec.ChainHash)
	return rec, nil
}

func (l *Log) append(files map[string]string, metadata map[string]any) (Record, error) {
	if len(files) == 0 {
		return Record{}, fmt.Errorf("%w: no files", ErrAppend)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	prev := GenesisHash
	var nextID int64 = 1
	if n := len(doc.Records); n > 0 {
		prev = doc.Records[n-1].ChainHash
		nextID = doc.Records[n-1].RecordID + 1
	}

	refs := make(map[string]FileRef, len(files))
	for role, p := range files {
		abs := l.resolve(p)
		sum, err := fsutil.HashFile(abs)
		if err != nil {
			return Record{}, fmt.Errorf("%w: hash %s: %v", ErrAppend, role, err)
		}
		refs[role] = FileRef{Path: l.relative(abs), SHA256: sum}
	}

	// round-trip so the stored metadata hashes the same after a reload
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return Record{}, fmt.Errorf("%w: metadata: %v", ErrAppend, err)
	}

	rec := Record{
		RecordID:      nextID,
		CreatedAt:     l.clock.Now(),
		Files:         refs,
		Metadata:      meta,
		PrevChainHash: prev,
	}
	if rec.ChainHash, err = ComputeHash(rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	doc.Records = append(doc.Records, rec)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := fsutil.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return rec, nil
}

// Records returns every record in order. A missing chain file is an empty
// chain.
func (l *Log) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	return doc.Records, nil
}

func (l *Log) Last() (Record, bool, error) {
	recs, err := l.Records()
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

func (l *Log) load() (*document, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return &document{Version: Version, GenesisHash: GenesisHash}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.path, err)
	}
	if doc.GenesisHash == "" {
		doc.GenesisHash = GenesisHash
	}
	return &doc, nil
}

func (l *Log) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.dir, p)
}

func (l *Log) relative(abs string) string {
	base, err := filepath.Abs(l.dir)
	if err != nil {
		return abs
	}
	target, err := filepath.Abs(abs)
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return filepath.ToSlash(rel)
}

// LeafInput builds the string that chain_hash is computed over.
func LeafInput(rec Record) (string, error) {
	roles := sortedRoles(rec.Files)
	sums := make([]string, len(roles))
	for i, role := range roles {
		sums[i] = rec.Files[role].SHA256
	}
	meta, err := CanonicalJSON(rec.Metadata)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(rec.RecordID, 10) +
		"|" + rec.PrevChainHash +
		"|" + strings.Join(sums, ",") +
		"|" + string(meta), nil
}

func sortedRoles(files map[string]FileRef) []string {
	roles := make([]string, 0, len(files))
	for r := range files {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

func ComputeHash(rec Record) (string, error) {
	leaf, err := LeafInput(rec)
	if err != nil {
		return "", err
	}
	return fsutil.HashBytes([]byte(leaf)), nil
}

// CanonicalJSON encodes v with sorted keys, no whitespace and no HTML
// escaping. Structs are flattened to maps first so their keys sort too.
func CanonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := encodeCompact(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return encodeCompact(generic)
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := encodeCompact(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
