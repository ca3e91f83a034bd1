package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	bucketExpr: "CAST(FLOOR((timestamp - ?) / ?) AS BIGINT)",
	numbered:   true,
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS sensor_data (
			id BIGSERIAL PRIMARY KEY,
			sid TEXT NOT NULL,
			peer_ip TEXT NOT NULL,
			timestamp DOUBLE PRECISION NOT NULL,
			co2 DOUBLE PRECISION,
			h2s DOUBLE PRECISION,
			co DOUBLE PRECISION,
			o2 DOUBLE PRECISION,
			lel DOUBLE PRECISION,
			smoke DOUBLE PRECISION,
			temperature DOUBLE PRECISION,
			humidity DOUBLE PRECISION,
			water DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_sid_ts ON sensor_data(sid, peer_ip, timestamp)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id BIGSERIAL PRIMARY KEY,
			timestamp DOUBLE PRECISION NOT NULL,
			sid TEXT NOT NULL,
			peer_ip TEXT NOT NULL,
			sensor_key TEXT NOT NULL,
			level INTEGER NOT NULL,
			value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_sid_ts ON alert_events(sid, peer_ip, timestamp)`,
		`CREATE TABLE IF NOT EXISTS evidence_records (
			record_id BIGINT PRIMARY KEY,
			created_at DOUBLE PRECISION NOT NULL,
			person TEXT,
			image_path TEXT NOT NULL,
			image_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL
		)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/gasguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresDB(db), nil
}

// newPostgresDB wraps an already opened handle.
func newPostgresDB(db *sql.DB) Store {
	return newBaseStore(db, postgresDialect)
}
