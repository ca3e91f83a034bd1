package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	bucketExpr: "CAST((timestamp - ?) / ? AS INTEGER)",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS sensor_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sid TEXT NOT NULL,
			peer_ip TEXT NOT NULL,
			timestamp REAL NOT NULL,
			co2 REAL,
			h2s REAL,
			co REAL,
			o2 REAL,
			lel REAL,
			smoke REAL,
			temperature REAL,
			humidity REAL,
			water REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_sid_ts ON sensor_data(sid, peer_ip, timestamp)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp REAL NOT NULL,
			sid TEXT NOT NULL,
			peer_ip TEXT NOT NULL,
			sensor_key TEXT NOT NULL,
			level INTEGER NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_sid_ts ON alert_events(sid, peer_ip, timestamp)`,
		`CREATE TABLE IF NOT EXISTS evidence_records (
			record_id INTEGER PRIMARY KEY,
			created_at REAL NOT NULL,
			person TEXT,
			image_path TEXT NOT NULL,
			image_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL
		)`,
	},
}

// NewSQLite opens a SQLite database. A bare path gets WAL journaling with
// full sync so each append is on disk before it returns.
func NewSQLite(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gasguard.db"
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return newBaseStore(db, sqliteDialect), nil
}
