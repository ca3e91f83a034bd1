package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/normalize"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("sid=A ver=1.4 co2=420 h2s=0.0 temp:-2.5")
	require.NoError(t, err)
	assert.Equal(t, "A", fields.SID)
	assert.Equal(t, "1.4", fields.Version)
	assert.Equal(t, "420", fields.Values["co2"])
	assert.Equal(t, "-2.5", fields.Values["temp"])
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("sid,co2,o2,water")
	require.NoError(t, err)
	assert.Nil(t, fields, "header lines produce no fields")

	fields, err = p.ParseLine("B, 800, 20.9, 0")
	require.NoError(t, err)
	assert.Equal(t, "B", fields.SID)
	assert.Equal(t, "20.9", fields.Values["o2"])

	_, err = NewParser().ParseLine("B,800,20.9")
	assert.True(t, errors.Is(err, normalize.ErrMalformedFrame), "records need a header first")
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`{"sid":"A","version":"2.0","data":{"co2":420,"h2s":-1,"water":true}}`)
	require.NoError(t, err)
	assert.Equal(t, "A", fields.SID)
	assert.Equal(t, "2.0", fields.Version)
	assert.Equal(t, map[string]string{"co2": "420", "h2s": "-1", "water": "true"}, fields.Values)

	fields, err = p.ParseLine(`{"SID":"C","CO2":1234.5,"note":"x","rssi":-60}`)
	require.NoError(t, err)
	assert.Equal(t, "C", fields.SID)
	assert.Equal(t, "1234.5", fields.Values["co2"])
	assert.Equal(t, "-60", fields.Values["rssi"])
	_, hasNote := fields.Values["note"]
	assert.False(t, hasNote)
}

func TestParseErrors(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("   ")
	assert.NoError(t, err)
	assert.Nil(t, fields)

	_, err = p.ParseLine(`{"sid":"A",`)
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	_, err = p.ParseLine("garbage")
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestSidFromTopic(t *testing.T) {
	assert.Equal(t, "A7", sidFromTopic("gas/A7/telemetry"))
	assert.Equal(t, "", sidFromTopic("gas"))
	assert.Equal(t, "10.0.0.5:1883", brokerHost("tcp://10.0.0.5:1883"))
	assert.Equal(t, "broker:1883", brokerHost("broker:1883"))
}
