// Package storage persists sensor samples, alert events and evidence audit
// rows. SQLite is the default local store; PostgreSQL is supported for
// installations that centralise data.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gasguard/internal/config"
	"gasguard/internal/model"
)

// ErrUnavailable wraps every database failure. Callers log it and carry on;
// the next sample retries.
var ErrUnavailable = errors.New("store unavailable")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	AppendSample(ctx context.Context, sid, peer string, data model.Sample, ts time.Time) error
	AppendAlert(ctx context.Context, rec model.AlertRecord) error
	AppendEvidence(ctx context.Context, row model.EvidenceRow) error
	TodayAlerts(ctx context.Context, sid, peerIP string, now time.Time, loc *time.Location) ([]model.AlertRecord, error)
	RangeStats(ctx context.Context, q Query) ([]model.Stats, error)
	RawSeries(ctx context.Context, q Query) ([]model.Point, error)
}

// Query selects one sensor of one device over [Start, End). Bucket groups
// rows into fixed windows aligned to Start; zero means one bucket for
// RangeStats and raw rows for RawSeries.
type Query struct {
	SID    string
	PeerIP string
	Sensor model.SensorKey
	Start  time.Time
	End    time.Time
	Bucket time.Duration
}

func (q Query) validate() error {
	if !q.Sensor.Valid() {
		return fmt.Errorf("unknown sensor %q", q.Sensor)
	}
	if !q.End.After(q.Start) {
		return errors.New("end must be after start")
	}
	return nil
}

// NewStore opens the store named by [ENV]. Driver "none" returns a nil Store.
// A relative SQLite path is placed under the data directory.
func NewStore(cfg config.EnvConfig) (Store, error) {
	switch strings.ToLower(cfg.DBDriver) {
	case "", "sqlite":
		dsn := cfg.DBDSN
		if dsn != "" && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) && cfg.DataDir != "" {
			dsn = filepath.Join(cfg.DataDir, dsn)
		}
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DBDSN)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.DBDriver)
	}
}

type dialect struct {
	name string
	// bucket expression with two placeholders: start and bucket seconds
	bucketExpr string
	numbered   bool
	ddl        []string
}

// baseStore implements Store over database/sql. Writes are serialised by mu;
// reads go straight to the pool.
type baseStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex
}

func newBaseStore(db *sql.DB, d dialect) *baseStore {
	return &baseStore{db: db, dialect: d}
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.dialect.ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init %s: %v", ErrUnavailable, b.dialect.name, err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.ExecContext(ctx, b.rebind(query), args...); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (b *baseStore) rebind(query string) string {
	if !b.dialect.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var sampleInsert = func() string {
	cols := make([]string, 0, len(model.SensorKeys))
	marks := make([]string, 0, len(model.SensorKeys))
	for _, k := range model.SensorKeys {
		cols = append(cols, string(k))
		marks = append(marks, "?")
	}
	return `INSERT INTO sensor_data (sid, peer_ip, timestamp, ` + strings.Join(cols, ", ") +
		`) VALUES (?, ?, ?, ` + strings.Join(marks, ", ") + `)`
}()

func (b *baseStore) AppendSample(ctx context.Context, sid, peer string, data model.Sample, ts time.Time) error {
	args := []any{sid, PeerIP(peer), epoch(ts)}
	for _, k := range model.SensorKeys {
		if v, ok := data[k]; ok && model.IsFinite(v) {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return b.exec(ctx, sampleInsert, args...)
}

func (b *baseStore) AppendAlert(ctx context.Context, rec model.AlertRecord) error {
	return b.exec(ctx,
		`INSERT INTO alert_events (timestamp, sid, peer_ip, sensor_key, level, value) VALUES (?, ?, ?, ?, ?, ?)`,
		epoch(rec.Timestamp), rec.SID, PeerIP(rec.Peer), string(rec.Sensor), int(rec.Level), rec.Value,
	)
}

func (b *baseStore) AppendEvidence(ctx context.Context, row model.EvidenceRow) error {
	return b.exec(ctx,
		`INSERT INTO evidence_records (record_id, created_at, person, image_path, image_hash, chain_hash) VALUES (?, ?, ?, ?, ?, ?)`,
		row.RecordID, epoch(row.CreatedAt), row.Person, row.ImagePath, row.ImageHash, row.ChainHash,
	)
}

func (b *baseStore) TodayAlerts(ctx context.Context, sid, peerIP string, now time.Time, loc *time.Location) ([]model.AlertRecord, error) {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := now.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT timestamp, sid, peer_ip, sensor_key, level, value FROM alert_events
		WHERE sid = ? AND peer_ip = ? AND timestamp >= ? ORDER BY timestamp`),
		sid, PeerIP(peerIP), epoch(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]model.AlertRecord, 0)
	for rows.Next() {
		var (
			ts     float64
			rec    model.AlertRecord
			sensor string
			lvl    int
		)
		if err := rows.Scan(&ts, &rec.SID, &rec.Peer, &sensor, &lvl, &rec.Value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		rec.Timestamp = fromEpoch(ts)
		rec.Sensor = model.SensorKey(sensor)
		rec.Level = model.Level(lvl)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// validity returns the per-sensor filter applied by the query API: the -1
// sentinel is dropped, temperature is limited to [-50, 50], and everything
// else must be non-negative.
func validity(col string) string {
	if col == string(model.Temperature) {
		return col + " IS NOT NULL AND " + col + " <> -1 AND " + col + " BETWEEN -50 AND 50"
	}
	return col + " IS NOT NULL AND " + col + " <> -1 AND " + col + " >= 0"
}

func bucketSeconds(q Query) float64 {
	if q.Bucket > 0 {
		return q.Bucket.Seconds()
	}
	return q.End.Sub(q.Start).Seconds()
}

func (b *baseStore) RangeStats(ctx context.Context, q Query) ([]model.Stats, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	col := string(q.Sensor)
	bucket := bucketSeconds(q)
	query := `SELECT ` + b.dialect.bucketExpr + ` AS bucket, MIN(` + col + `), MAX(` + col + `), AVG(` + col + `), COUNT(` + col + `)
		FROM sensor_data
		WHERE sid = ? AND peer_ip = ? AND timestamp >= ? AND timestamp < ? AND ` + validity(col) + `
		GROUP BY bucket ORDER BY bucket`
	rows, err := b.db.QueryContext(ctx, b.rebind(query),
		epoch(q.Start), bucket, q.SID, PeerIP(q.PeerIP), epoch(q.Start), epoch(q.End))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]model.Stats, 0)
	for rows.Next() {
		var (
			idx int64
			st  model.Stats
		)
		if err := rows.Scan(&idx, &st.Min, &st.Max, &st.Avg, &st.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		st.Bucket = q.Start.Add(time.Duration(float64(idx) * bucket * float64(time.Second)))
		out = append(out, st)
	}
	return out, rows.Err()
}

func (b *baseStore) RawSeries(ctx context.Context, q Query) ([]model.Point, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	col := string(q.Sensor)
	var (
		query string
		args  []any
	)
	if q.Bucket > 0 {
		query = `SELECT ` + b.dialect.bucketExpr + ` AS bucket, AVG(` + col + `)
			FROM sensor_data
			WHERE sid = ? AND peer_ip = ? AND timestamp >= ? AND timestamp < ? AND ` + validity(col) + `
			GROUP BY bucket ORDER BY bucket`
		args = []any{epoch(q.Start), q.Bucket.Seconds(), q.SID, PeerIP(q.PeerIP), epoch(q.Start), epoch(q.End)}
	} else {
		query = `SELECT timestamp, ` + col + ` FROM sensor_data
			WHERE sid = ? AND peer_ip = ? AND timestamp >= ? AND timestamp < ? AND ` + validity(col) + `
			ORDER BY timestamp`
		args = []any{q.SID, PeerIP(q.PeerIP), epoch(q.Start), epoch(q.End)}
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]model.Point, 0)
	for rows.Next() {
		var p model.Point
		if q.Bucket > 0 {
			var idx int64
			if err := rows.Scan(&idx, &p.Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			p.Timestamp = q.Start.Add(time.Duration(idx) * q.Bucket)
		} else {
			var ts float64
			if err := rows.Scan(&ts, &p.Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			p.Timestamp = fromEpoch(ts)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeerIP reduces a "host:port" peer to its host, which is what the tables
// key on.
func PeerIP(peer string) string {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}

func epoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromEpoch(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}
