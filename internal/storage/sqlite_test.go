package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/model"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "gasguard.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRangeStatsBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	peer := "10.0.0.5:4001"

	for _, row := range []struct {
		offset time.Duration
		co     float64
	}{
		{0, 5},
		{30 * time.Second, 7},
		{70 * time.Second, -1},
		{90 * time.Second, 11},
	} {
		require.NoError(t, s.AppendSample(ctx, "S1", peer, model.Sample{model.CO: row.co}, t0.Add(row.offset)))
	}
	// another device must not leak into the query
	require.NoError(t, s.AppendSample(ctx, "S2", peer, model.Sample{model.CO: 100}, t0))

	stats, err := s.RangeStats(ctx, Query{
		SID: "S1", PeerIP: "10.0.0.5", Sensor: model.CO,
		Start: t0, End: t0.Add(2 * time.Minute), Bucket: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.True(t, stats[0].Bucket.Equal(t0))
	assert.Equal(t, 5.0, stats[0].Min)
	assert.Equal(t, 7.0, stats[0].Max)
	assert.InDelta(t, 6.0, stats[0].Avg, 1e-9)
	assert.Equal(t, 2, stats[0].Count)

	assert.True(t, stats[1].Bucket.Equal(t0.Add(time.Minute)))
	assert.Equal(t, 11.0, stats[1].Min)
	assert.Equal(t, 1, stats[1].Count)

	whole, err := s.RangeStats(ctx, Query{
		SID: "S1", PeerIP: "10.0.0.5:9999", Sensor: model.CO,
		Start: t0, End: t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, whole, 1)
	assert.Equal(t, 3, whole[0].Count)
}

func TestSQLiteRawSeriesValidity(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	samples := []model.Sample{
		{model.Temperature: 60, model.H2S: -1},
		{model.Temperature: 20, model.H2S: 2},
		{model.Temperature: -1, model.H2S: -3},
		{model.Temperature: -10},
	}
	for i, sample := range samples {
		require.NoError(t, s.AppendSample(ctx, "S1", "10.0.0.5", sample, t0.Add(time.Duration(i)*time.Second)))
	}

	temps, err := s.RawSeries(ctx, Query{SID: "S1", PeerIP: "10.0.0.5", Sensor: model.Temperature, Start: t0, End: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, temps, 2)
	assert.Equal(t, 20.0, temps[0].Value)
	assert.True(t, temps[0].Timestamp.Equal(t0.Add(time.Second)))
	assert.Equal(t, -10.0, temps[1].Value)

	h2s, err := s.RawSeries(ctx, Query{SID: "S1", PeerIP: "10.0.0.5", Sensor: model.H2S, Start: t0, End: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, h2s, 1)
	assert.Equal(t, 2.0, h2s[0].Value)

	avg, err := s.RawSeries(ctx, Query{SID: "S1", PeerIP: "10.0.0.5", Sensor: model.Temperature, Start: t0, End: t0.Add(time.Minute), Bucket: time.Minute})
	require.NoError(t, err)
	require.Len(t, avg, 1)
	assert.InDelta(t, 5.0, avg[0].Value, 1e-9)
	assert.True(t, avg[0].Timestamp.Equal(t0))
}

func TestSQLiteTodayAlerts(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	yesterday := model.AlertRecord{Timestamp: t0.Add(-24 * time.Hour), SID: "S1", Peer: "10.0.0.5:1", Sensor: model.CO, Level: model.LevelCaution, Value: 35}
	today := model.AlertRecord{Timestamp: t0.Add(-time.Hour), SID: "S1", Peer: "10.0.0.5:2", Sensor: model.H2S, Level: model.LevelDanger, Value: 16}
	other := model.AlertRecord{Timestamp: t0, SID: "S1", Peer: "10.0.0.6:2", Sensor: model.CO, Level: model.LevelWarning, Value: 40}
	for _, rec := range []model.AlertRecord{yesterday, today, other} {
		require.NoError(t, s.AppendAlert(ctx, rec))
	}

	got, err := s.TodayAlerts(ctx, "S1", "10.0.0.5", t0, time.UTC)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.H2S, got[0].Sensor)
	assert.Equal(t, model.LevelDanger, got[0].Level)
	assert.Equal(t, "10.0.0.5", got[0].Peer)
	assert.True(t, got[0].Timestamp.Equal(today.Timestamp))
}

func TestSQLiteEvidenceAndQueryErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.AppendEvidence(ctx, model.EvidenceRow{
		RecordID: 1, CreatedAt: t0, Person: "kim",
		ImagePath: "2026/safety_kim_20260301_100000.jpg", ImageHash: "ab", ChainHash: "cd",
	}))
	// record ids are unique
	err := s.AppendEvidence(ctx, model.EvidenceRow{RecordID: 1, CreatedAt: t0, ImagePath: "x", ImageHash: "y", ChainHash: "z"})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.RangeStats(ctx, Query{SID: "S1", Sensor: "nox", Start: t0, End: t0.Add(time.Minute)})
	assert.Error(t, err)
	_, err = s.RawSeries(ctx, Query{SID: "S1", Sensor: model.CO, Start: t0, End: t0})
	assert.Error(t, err)
}

func TestSQLiteClosedIsUnavailable(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Close())

	err = s.AppendSample(context.Background(), "S1", "10.0.0.5", model.Sample{model.CO: 1}, t0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(configEnv("none", ""))
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(configEnv("oracle", ""))
	assert.Error(t, err)

	dir := t.TempDir()
	env := configEnv("sqlite", "data.db")
	env.DataDir = dir
	s, err = NewStore(env)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(dir, "data.db"))
}

func TestPeerIP(t *testing.T) {
	assert.Equal(t, "10.0.0.5", PeerIP("10.0.0.5:4001"))
	assert.Equal(t, "10.0.0.5", PeerIP("10.0.0.5"))
	assert.Equal(t, "::1", PeerIP("[::1]:80"))
}
