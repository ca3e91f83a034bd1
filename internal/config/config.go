package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"gasguard/internal/fsutil"
	"gasguard/internal/model"
)

// ErrFatal marks configuration problems that must stop startup.
var ErrFatal = errors.New("fatal config")

const (
	PolicyByIP   = "by_ip"
	PolicyByConn = "by_conn"
	PolicySID    = "sid"
)

type Config struct {
	Listen   ListenConfig   `json:"listen" yaml:"listen"`
	Std      StdConfig      `json:"std" yaml:"std"`
	Env      EnvConfig      `json:"env" yaml:"env"`
	UI       UIConfig       `json:"ui" yaml:"ui"`
	Camera   CameraConfig   `json:"camera" yaml:"camera"`
	Admin    AdminConfig    `json:"admin" yaml:"admin"`
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`

	// raw keeps the parsed INI document so unknown keys survive a Save.
	raw *ini.File
}

type ListenConfig struct {
	TCPAddr       string   `json:"tcp_addr" yaml:"tcp_addr"`
	UDPAddr       string   `json:"udp_addr" yaml:"udp_addr"`
	HTTPAddr      string   `json:"http_addr" yaml:"http_addr"`
	MQTTBroker    string   `json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTTopic     string   `json:"mqtt_topic" yaml:"mqtt_topic"`
	MQTTClientID  string   `json:"mqtt_client_id" yaml:"mqtt_client_id"`
	KafkaBrokers  []string `json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic    string   `json:"kafka_topic" yaml:"kafka_topic"`
	KafkaGroup    string   `json:"kafka_group" yaml:"kafka_group"`
	Lanes         int      `json:"lanes" yaml:"lanes"`
	ChannelBuffer int      `json:"channel_buffer" yaml:"channel_buffer"`
}

// Band holds the alarm boundaries of one sensor. High are ascending lower
// edges of levels 2..5; Low, when present, are descending upper edges of the
// cold/low-side levels 2..5.
type Band struct {
	High         []float64 `json:"high" yaml:"high"`
	Low          []float64 `json:"low,omitempty" yaml:"low,omitempty"`
	LowInclusive bool      `json:"low_inclusive,omitempty" yaml:"low_inclusive,omitempty"`
}

type StdConfig struct {
	Bands map[model.SensorKey]Band `json:"bands" yaml:"bands"`
}

type EnvConfig struct {
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DBDriver     string `json:"db_driver" yaml:"db_driver"`
	DBDSN        string `json:"db_dsn" yaml:"db_dsn"`
	InfluxURL    string `json:"influx_url" yaml:"influx_url"`
	InfluxToken  string `json:"influx_token" yaml:"influx_token"`
	InfluxOrg    string `json:"influx_org" yaml:"influx_org"`
	InfluxBucket string `json:"influx_bucket" yaml:"influx_bucket"`
}

type UIConfig struct {
	MaxSensors        int           `json:"max_sensors" yaml:"max_sensors"`
	PanelKeyPolicy    string        `json:"panel_key_policy" yaml:"panel_key_policy"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	BlinkInterval     time.Duration `json:"blink_interval" yaml:"blink_interval"`
	Timezone          string        `json:"timezone" yaml:"timezone"`
}

type CameraConfig struct {
	FaceCapture        bool          `json:"face_capture" yaml:"face_capture"`
	DetectorURL        string        `json:"detector_url" yaml:"detector_url"`
	DetectInterval     time.Duration `json:"detect_interval" yaml:"detect_interval"`
	RecognitionTimeout time.Duration `json:"recognition_timeout" yaml:"recognition_timeout"`
	NoFaceTimeout      time.Duration `json:"no_face_timeout" yaml:"no_face_timeout"`
	Countdown          time.Duration `json:"countdown" yaml:"countdown"`
	TrackIdle          time.Duration `json:"track_idle" yaml:"track_idle"`
}

type AdminConfig struct {
	Licensed  bool   `json:"licensed" yaml:"licensed"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

type WatchdogConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HealthTimeout     time.Duration `json:"health_timeout" yaml:"health_timeout"`
	RestartDelay      time.Duration `json:"restart_delay" yaml:"restart_delay"`
	ExitWait          time.Duration `json:"exit_wait" yaml:"exit_wait"`
}

func DefaultBands() map[model.SensorKey]Band {
	return map[model.SensorKey]Band{
		model.CO2:   {High: []float64{1000, 5000, 15000, 30000}},
		model.H2S:   {High: []float64{5, 7.5, 10, 15}},
		model.CO:    {High: []float64{9, 20, 30, 50}},
		model.O2:    {High: []float64{23.5, 25, 25, 25}, Low: []float64{19.5, 18, 16, 14}},
		model.LEL:   {High: []float64{10, 25, 50, 75}},
		model.Smoke: {High: []float64{1, 2, 3, 4}},
		model.Temperature: {
			High:         []float64{30, 33, 35, 38},
			Low:          []float64{18, 10, 0, -20},
			LowInclusive: true,
		},
		model.Humidity: {High: []float64{65, 80, 90, 95}, Low: []float64{40, 30, 20, 10}},
		model.Water:    {High: []float64{0.5, 0.5, 0.5, 0.5}},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			TCPAddr:       ":9100",
			HTTPAddr:      ":8080",
			MQTTTopic:     "gas/+/telemetry",
			MQTTClientID:  "gasguard",
			KafkaGroup:    "gasguard",
			Lanes:         8,
			ChannelBuffer: 1024,
		},
		Std: StdConfig{Bands: DefaultBands()},
		Env: EnvConfig{
			DataDir:  ".",
			DBDriver: "sqlite",
			DBDSN:    "gasguard.db",
		},
		UI: UIConfig{
			MaxSensors:        4,
			PanelKeyPolicy:    PolicyByIP,
			ConnectionTimeout: 60 * time.Second,
			BlinkInterval:     600 * time.Millisecond,
			Timezone:          "Local",
		},
		Camera: CameraConfig{
			FaceCapture:        true,
			DetectInterval:     500 * time.Millisecond,
			RecognitionTimeout: 5 * time.Second,
			NoFaceTimeout:      10 * time.Second,
			Countdown:          3 * time.Second,
		},
		Admin: AdminConfig{Licensed: true, LogLevel: "info", LogFormat: "json"},
		Watchdog: WatchdogConfig{
			HeartbeatInterval: 30 * time.Second,
			HealthTimeout:     90 * time.Second,
			RestartDelay:      3 * time.Second,
			ExitWait:          10 * time.Second,
		},
	}
}

// Load reads an INI, YAML or JSON config. Any failure is wrapped in ErrFatal.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: config file is empty", ErrFatal)
	}
	cfg := DefaultConfig()
	var decodeErr error
	switch formatOf(path, trimmed) {
	case "ini":
		decodeErr = decodeINI(content, cfg)
	case "json":
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return cfg, nil
}

// Save writes cfg back in the format implied by the path. INI output keeps
// keys this version does not know about.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	switch formatOf(path, "") {
	case "ini":
		data, err = encodeINI(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func formatOf(path, content string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		return "ini"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	for _, ch := range content {
		switch {
		case ch == '{':
			return "json"
		case ch == '[' || ch == ';' || ch == '#':
			return "ini"
		case ch > ' ':
			return "yaml"
		}
	}
	return "yaml"
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Listen.Lanes <= 0 {
		cfg.Listen.Lanes = def.Listen.Lanes
	}
	if cfg.Listen.ChannelBuffer <= 0 {
		cfg.Listen.ChannelBuffer = def.Listen.ChannelBuffer
	}
	if cfg.Std.Bands == nil {
		cfg.Std.Bands = DefaultBands()
	}
	for k, b := range DefaultBands() {
		if _, ok := cfg.Std.Bands[k]; !ok {
			cfg.Std.Bands[k] = b
		}
	}
	if cfg.Env.DataDir == "" {
		cfg.Env.DataDir = "."
	}
	if cfg.Env.DBDriver == "" {
		cfg.Env.DBDriver = def.Env.DBDriver
	}
	if cfg.UI.MaxSensors == 0 {
		cfg.UI.MaxSensors = def.UI.MaxSensors
	}
	if cfg.UI.PanelKeyPolicy == "" {
		cfg.UI.PanelKeyPolicy = PolicyByIP
	}
	if cfg.UI.ConnectionTimeout <= 0 {
		cfg.UI.ConnectionTimeout = def.UI.ConnectionTimeout
	}
	if cfg.UI.BlinkInterval <= 0 {
		cfg.UI.BlinkInterval = def.UI.BlinkInterval
	}
	if cfg.Camera.DetectInterval <= 0 {
		cfg.Camera.DetectInterval = def.Camera.DetectInterval
	}
	if cfg.Camera.RecognitionTimeout <= 0 {
		cfg.Camera.RecognitionTimeout = def.Camera.RecognitionTimeout
	}
	if cfg.Camera.NoFaceTimeout <= 0 {
		cfg.Camera.NoFaceTimeout = def.Camera.NoFaceTimeout
	}
	if cfg.Camera.Countdown <= 0 {
		cfg.Camera.Countdown = def.Camera.Countdown
	}
	if cfg.Admin.LogLevel == "" {
		cfg.Admin.LogLevel = "info"
	}
	if cfg.Watchdog.HeartbeatInterval <= 0 {
		cfg.Watchdog.HeartbeatInterval = def.Watchdog.HeartbeatInterval
	}
	if cfg.Watchdog.HealthTimeout <= 0 {
		cfg.Watchdog.HealthTimeout = def.Watchdog.HealthTimeout
	}
	if cfg.Watchdog.RestartDelay <= 0 {
		cfg.Watchdog.RestartDelay = def.Watchdog.RestartDelay
	}
	if cfg.Watchdog.ExitWait <= 0 {
		cfg.Watchdog.ExitWait = def.Watchdog.ExitWait
	}
}

func Validate(cfg *Config) error {
	if cfg.UI.MaxSensors < 1 || cfg.UI.MaxSensors > 4 {
		return fmt.Errorf("ui.max_sensors must be within 1..4, got %d", cfg.UI.MaxSensors)
	}
	switch cfg.UI.PanelKeyPolicy {
	case PolicyByIP, PolicyByConn, PolicySID:
	default:
		return fmt.Errorf("ui.panel_key_policy %q is not one of by_ip, by_conn, sid", cfg.UI.PanelKeyPolicy)
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("ui.timezone: %w", err)
	}
	switch strings.ToLower(cfg.Env.DBDriver) {
	case "sqlite", "postgres", "postgresql", "none":
	default:
		return fmt.Errorf("env.db_driver %q unsupported", cfg.Env.DBDriver)
	}
	if cfg.Watchdog.HealthTimeout < cfg.Watchdog.HeartbeatInterval {
		return errors.New("watchdog.health_timeout must not be shorter than heartbeat_interval")
	}
	for key, band := range cfg.Std.Bands {
		if !key.Valid() {
			return fmt.Errorf("std: unknown sensor %q", key)
		}
		if err := validateBand(band); err != nil {
			return fmt.Errorf("std.%s: %w", key, err)
		}
	}
	return nil
}

func validateBand(b Band) error {
	if len(b.High) != 4 {
		return fmt.Errorf("need 4 upper bounds, got %d", len(b.High))
	}
	for i := 1; i < len(b.High); i++ {
		if b.High[i] < b.High[i-1] {
			return errors.New("upper bounds must be ascending")
		}
	}
	if len(b.Low) == 0 {
		return nil
	}
	if len(b.Low) != 4 {
		return fmt.Errorf("need 4 lower bounds, got %d", len(b.Low))
	}
	for i := 1; i < len(b.Low); i++ {
		if b.Low[i] > b.Low[i-1] {
			return errors.New("lower bounds must be descending")
		}
	}
	if b.Low[0] > b.High[0] {
		return errors.New("normal band is empty")
	}
	return nil
}

// Location resolves UI.Timezone; "" and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.UI.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(c.UI.Timezone)
}

// Extra returns a key this version does not model, as read from an INI file.
func (c *Config) Extra(section, key string) (string, bool) {
	if c.raw == nil {
		return "", false
	}
	sec, err := c.raw.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

func (c *Config) Clone() *Config {
	out := *c
	out.Listen.KafkaBrokers = append([]string(nil), c.Listen.KafkaBrokers...)
	out.Std.Bands = make(map[model.SensorKey]Band, len(c.Std.Bands))
	for k, b := range c.Std.Bands {
		out.Std.Bands[k] = Band{
			High:         append([]float64(nil), b.High...),
			Low:          append([]float64(nil), b.Low...),
			LowInclusive: b.LowInclusive,
		}
	}
	return &out
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func encodeINI(cfg *Config) ([]byte, error) {
	f := cfg.raw
	if f == nil {
		f = ini.Empty()
	}
	writeINI(f, cfg)
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
