package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/model"
)

func TestNormalizeAliasesAndIdentity(t *testing.T) {
	now := time.Now()
	f, err := Normalize(Fields{
		SID:     " A ",
		Version: "2.1",
		Values:  map[string]string{"CO2": "420", "temp": "-3.5", "leak": "false", "rssi": "-70", "sid": "A", "label": "north"},
	}, "10.0.0.1:9001", now)
	require.NoError(t, err)
	assert.Equal(t, "A", f.SID)
	assert.Equal(t, "10.0.0.1:9001", f.Peer)
	assert.Equal(t, "2.1", f.Version)
	assert.Equal(t, model.Sample{
		model.CO2:         420,
		model.Temperature: -3.5,
		model.Water:       0,
		"rssi":            -70,
	}, f.Data)
	assert.Equal(t, now, f.Received)
}

func TestNormalizeKeepAliveAndPeerOverride(t *testing.T) {
	f, err := Normalize(Fields{SID: "B", Peer: "192.168.1.20:5000"}, "broker:1883", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, f.Data)
	assert.Equal(t, "192.168.1.20:5000", f.Peer)
}

func TestNormalizeMalformed(t *testing.T) {
	f, err := Normalize(Fields{SID: "A", Values: map[string]string{"co2": "4x0", "o2": "20.9"}}, "p:1", time.Time{})
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	assert.Equal(t, "A", f.SID, "identity survives so the panel can still be refreshed")
	assert.Nil(t, f.Data)

	_, err = Normalize(Fields{Values: map[string]string{"co2": "400"}}, "p:1", time.Time{})
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	ts, err := ParseTimestamp("2026-03-01 08:30:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 30, 0, 0, loc), ts)

	ts, err = ParseTimestamp("1772323200", loc)
	require.NoError(t, err)
	assert.Equal(t, int64(1772323200), ts.Unix())

	ts, err = ParseTimestamp("1772323200123", loc)
	require.NoError(t, err)
	assert.Equal(t, int64(1772323200123), ts.UnixMilli())

	_, err = ParseTimestamp("yesterday", loc)
	assert.Error(t, err)
}
