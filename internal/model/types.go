package model

import (
	"math"
	"time"
)

type SensorKey string

const (
	CO2         SensorKey = "co2"
	H2S         SensorKey = "h2s"
	CO          SensorKey = "co"
	O2          SensorKey = "o2"
	LEL         SensorKey = "lel"
	Smoke       SensorKey = "smoke"
	Temperature SensorKey = "temperature"
	Humidity    SensorKey = "humidity"
	Water       SensorKey = "water"
)

// SensorKeys lists every recognised key in storage column order.
var SensorKeys = []SensorKey{CO2, H2S, CO, O2, LEL, Smoke, Temperature, Humidity, Water}

// Uninitialized is the value some devices emit before their sensors settle.
const Uninitialized = -1.0

func (k SensorKey) Valid() bool {
	switch k {
	case CO2, H2S, CO, O2, LEL, Smoke, Temperature, Humidity, Water:
		return true
	}
	return false
}

func ParseSensorKey(s string) (SensorKey, bool) {
	k := SensorKey(s)
	return k, k.Valid()
}

type Sample map[SensorKey]float64

func (s Sample) Clone() Sample {
	if s == nil {
		return nil
	}
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Frame is one inbound telemetry message. An empty Data is a keep-alive.
type Frame struct {
	SID      string    `json:"sid"`
	Peer     string    `json:"peer"`
	Version  string    `json:"version,omitempty"`
	Data     Sample    `json:"data,omitempty"`
	Received time.Time `json:"received"`
	Source   string    `json:"source,omitempty"`
}

type ConnectionStatus string

const (
	StatusWaiting      ConnectionStatus = "waiting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Level is the 1..5 alarm level; higher is worse.
type Level int

const (
	LevelNormal   Level = 1
	LevelInterest Level = 2
	LevelCaution  Level = 3
	LevelWarning  Level = 4
	LevelDanger   Level = 5
)

// Alarming reports whether the level is recorded as an alert event.
func (l Level) Alarming() bool {
	return l >= LevelCaution
}

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelInterest:
		return "interest"
	case LevelCaution:
		return "caution"
	case LevelWarning:
		return "warning"
	case LevelDanger:
		return "danger"
	}
	return "unknown"
}

type AlertRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SID       string    `json:"sid"`
	Peer      string    `json:"peer"`
	PanelKey  string    `json:"panel_key,omitempty"`
	Sensor    SensorKey `json:"sensor_key"`
	Level     Level     `json:"level"`
	Value     float64   `json:"value"`
}

// Stats is a bucketed aggregate returned by range queries.
type Stats struct {
	Bucket time.Time `json:"bucket"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
	Count  int       `json:"count"`
}

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// EvidenceRow is the audit row mirrored into the store for each chain record.
type EvidenceRow struct {
	RecordID  int64     `json:"record_id"`
	CreatedAt time.Time `json:"created_at"`
	Person    string    `json:"person,omitempty"`
	ImagePath string    `json:"image_path"`
	ImageHash string    `json:"image_hash"`
	ChainHash string    `json:"chain_hash"`
}
