// Package normalize turns loosely typed telemetry fields into frames.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gasguard/internal/model"
)

// ErrMalformedFrame marks a frame whose sensor values could not be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// Fields is the parser's view of one message before typing.
type Fields struct {
	SID     string
	Peer    string
	Version string
	Values  map[string]string
	Raw     string
}

var keyAliases = map[string]model.SensorKey{
	"co2":         model.CO2,
	"h2s":         model.H2S,
	"co":          model.CO,
	"o2":          model.O2,
	"lel":         model.LEL,
	"ch4":         model.LEL,
	"smoke":       model.Smoke,
	"temperature": model.Temperature,
	"temp":        model.Temperature,
	"humidity":    model.Humidity,
	"hum":         model.Humidity,
	"humi":        model.Humidity,
	"rh":          model.Humidity,
	"water":       model.Water,
	"leak":        model.Water,
}

var identityKeys = map[string]bool{
	"sid": true, "id": true, "device": true, "device_id": true, "sensor_id": true,
	"peer": true, "ip": true,
	"version": true, "ver": true, "fw": true, "firmware": true,
	"type": true, "ts": true, "time": true, "timestamp": true,
}

// SensorKeyOf resolves a field name to a sensor key, accepting the common
// firmware spellings.
func SensorKeyOf(name string) (model.SensorKey, bool) {
	k, ok := keyAliases[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// Normalize types the fields of one message. peer is the transport endpoint
// and is used unless the message names its own. A frame without values is a
// keep-alive. When a known sensor value fails to parse the returned frame
// still carries the identity, without data, alongside ErrMalformedFrame.
func Normalize(fields Fields, peer string, received time.Time) (model.Frame, error) {
	f := model.Frame{
		SID:      strings.TrimSpace(fields.SID),
		Peer:     peer,
		Version:  strings.TrimSpace(fields.Version),
		Received: received,
	}
	if p := strings.TrimSpace(fields.Peer); p != "" {
		f.Peer = p
	}
	if f.SID == "" {
		return f, fmt.Errorf("%w: missing sid", ErrMalformedFrame)
	}

	data := make(model.Sample, len(fields.Values))
	for name, raw := range fields.Values {
		lname := strings.ToLower(strings.TrimSpace(name))
		if identityKeys[lname] {
			continue
		}
		key, known := keyAliases[lname]
		v, err := ParseValue(raw)
		if err != nil {
			if known {
				return model.Frame{SID: f.SID, Peer: f.Peer, Version: f.Version, Received: received},
					fmt.Errorf("%w: %s=%q", ErrMalformedFrame, lname, raw)
			}
			continue
		}
		if !known {
			key = model.SensorKey(lname)
		}
		data[key] = v
	}
	if len(data) > 0 {
		f.Data = data
	}
	return f, nil
}

// ParseValue reads a sensor number. Boolean words map to 1 and 0 for leak
// style sensors.
func ParseValue(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true", "on", "yes", "leak":
		return 1, nil
	case "false", "off", "no", "dry":
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, local date-time layouts and unix seconds
// or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
