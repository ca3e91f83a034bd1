package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/config"
	"gasguard/internal/model"
)

func configEnv(driver, dsn string) config.EnvConfig {
	return config.EnvConfig{DBDriver: driver, DBDSN: dsn}
}

func newMockPostgres(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresDB(db), mock
}

func TestRebind(t *testing.T) {
	b := newBaseStore(nil, postgresDialect)
	assert.Equal(t, "a = $1 AND b = $2", b.rebind("a = ? AND b = ?"))
	s := newBaseStore(nil, sqliteDialect)
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestPostgresInit(t *testing.T) {
	s, mock := newMockPostgres(t)
	for range postgresDialect.ddl {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInitFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sensor_data").WillReturnError(errors.New("connection refused"))
	err := s.Init(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostgresAppendAlert(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO alert_events (timestamp, sid, peer_ip, sensor_key, level, value) VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs(sqlmock.AnyArg(), "S1", "10.0.0.5", "co", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendAlert(context.Background(), model.AlertRecord{
		Timestamp: t0, SID: "S1", Peer: "10.0.0.5:4001", Sensor: model.CO, Level: model.LevelCaution, Value: 35,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendSampleFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sensor_data (sid, peer_ip, timestamp, co2,`)).
		WillReturnError(errors.New("disk full"))

	err := s.AppendSample(context.Background(), "S1", "10.0.0.5", model.Sample{model.CO2: 400}, t0)
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRangeStats(t *testing.T) {
	s, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{"bucket", "min", "max", "avg", "count"}).
		AddRow(int64(0), 1.0, 3.0, 2.0, int64(2)).
		AddRow(int64(2), 4.0, 4.0, 4.0, int64(1))
	mock.ExpectQuery(regexp.QuoteMeta(`CAST(FLOOR((timestamp - $1) / $2) AS BIGINT) AS bucket, MIN(co)`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "S1", "10.0.0.5", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	stats, err := s.RangeStats(context.Background(), Query{
		SID: "S1", PeerIP: "10.0.0.5", Sensor: model.CO,
		Start: t0, End: t0.Add(time.Hour), Bucket: 10 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.True(t, stats[1].Bucket.Equal(t0.Add(20*time.Minute)))
	assert.Equal(t, 2, stats[0].Count)
	require.NoError(t, mock.ExpectationsWereMet())
}
