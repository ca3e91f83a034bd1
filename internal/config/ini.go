package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"gasguard/internal/model"
)

const (
	sectionListen   = "LISTEN"
	sectionStd      = "STD"
	sectionEnv      = "ENV"
	sectionUI       = "UI"
	sectionCamera   = "CAMERA"
	sectionAdmin    = "ADMIN"
	sectionWatchdog = "WATCHDOG"
)

func decodeINI(content []byte, cfg *Config) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:         false,
		IgnoreInlineComment: false,
	}, content)
	if err != nil {
		return err
	}
	cfg.raw = f

	l := f.Section(sectionListen)
	cfg.Listen.TCPAddr = l.Key("tcp_addr").MustString(cfg.Listen.TCPAddr)
	cfg.Listen.UDPAddr = l.Key("udp_addr").MustString(cfg.Listen.UDPAddr)
	cfg.Listen.HTTPAddr = l.Key("http_addr").MustString(cfg.Listen.HTTPAddr)
	cfg.Listen.MQTTBroker = l.Key("mqtt_broker").MustString(cfg.Listen.MQTTBroker)
	cfg.Listen.MQTTTopic = l.Key("mqtt_topic").MustString(cfg.Listen.MQTTTopic)
	cfg.Listen.MQTTClientID = l.Key("mqtt_client_id").MustString(cfg.Listen.MQTTClientID)
	if l.HasKey("kafka_brokers") {
		cfg.Listen.KafkaBrokers = splitList(l.Key("kafka_brokers").String())
	}
	cfg.Listen.KafkaTopic = l.Key("kafka_topic").MustString(cfg.Listen.KafkaTopic)
	cfg.Listen.KafkaGroup = l.Key("kafka_group").MustString(cfg.Listen.KafkaGroup)
	cfg.Listen.Lanes = l.Key("lanes").MustInt(cfg.Listen.Lanes)
	cfg.Listen.ChannelBuffer = l.Key("channel_buffer").MustInt(cfg.Listen.ChannelBuffer)

	std := f.Section(sectionStd)
	for _, key := range model.SensorKeys {
		band := cfg.Std.Bands[key]
		if std.HasKey(string(key)) {
			vals, err := parseFloats(std.Key(string(key)).String())
			if err != nil {
				return fmt.Errorf("STD.%s: %w", key, err)
			}
			band.High = vals
		}
		if std.HasKey(string(key) + "_low") {
			vals, err := parseFloats(std.Key(string(key) + "_low").String())
			if err != nil {
				return fmt.Errorf("STD.%s_low: %w", key, err)
			}
			band.Low = vals
		}
		cfg.Std.Bands[key] = band
	}

	e := f.Section(sectionEnv)
	cfg.Env.DataDir = e.Key("data_dir").MustString(cfg.Env.DataDir)
	cfg.Env.DBDriver = e.Key("db_driver").MustString(cfg.Env.DBDriver)
	cfg.Env.DBDSN = e.Key("db_dsn").MustString(cfg.Env.DBDSN)
	cfg.Env.InfluxURL = e.Key("influx_url").MustString(cfg.Env.InfluxURL)
	cfg.Env.InfluxToken = e.Key("influx_token").MustString(cfg.Env.InfluxToken)
	cfg.Env.InfluxOrg = e.Key("influx_org").MustString(cfg.Env.InfluxOrg)
	cfg.Env.InfluxBucket = e.Key("influx_bucket").MustString(cfg.Env.InfluxBucket)

	u := f.Section(sectionUI)
	cfg.UI.MaxSensors = u.Key("max_sensors").MustInt(cfg.UI.MaxSensors)
	cfg.UI.PanelKeyPolicy = u.Key("panel_key_policy").MustString(cfg.UI.PanelKeyPolicy)
	cfg.UI.Timezone = u.Key("timezone").MustString(cfg.UI.Timezone)
	if cfg.UI.ConnectionTimeout, err = durationKey(u, "connection_timeout", cfg.UI.ConnectionTimeout); err != nil {
		return err
	}
	if cfg.UI.BlinkInterval, err = durationKey(u, "blink_interval", cfg.UI.BlinkInterval); err != nil {
		return err
	}

	c := f.Section(sectionCamera)
	cfg.Camera.FaceCapture = c.Key("face_capture").MustBool(cfg.Camera.FaceCapture)
	cfg.Camera.DetectorURL = c.Key("detector_url").MustString(cfg.Camera.DetectorURL)
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"detect_interval", &cfg.Camera.DetectInterval},
		{"recognition_timeout", &cfg.Camera.RecognitionTimeout},
		{"no_face_timeout", &cfg.Camera.NoFaceTimeout},
		{"countdown", &cfg.Camera.Countdown},
		{"track_idle", &cfg.Camera.TrackIdle},
	} {
		if *d.dst, err = durationKey(c, d.key, *d.dst); err != nil {
			return err
		}
	}

	a := f.Section(sectionAdmin)
	cfg.Admin.Licensed = a.Key("licensed").MustBool(cfg.Admin.Licensed)
	cfg.Admin.LogLevel = a.Key("log_level").MustString(cfg.Admin.LogLevel)
	cfg.Admin.LogFormat = a.Key("log_format").MustString(cfg.Admin.LogFormat)

	w := f.Section(sectionWatchdog)
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"heartbeat_interval", &cfg.Watchdog.HeartbeatInterval},
		{"health_timeout", &cfg.Watchdog.HealthTimeout},
		{"restart_delay", &cfg.Watchdog.RestartDelay},
		{"exit_wait", &cfg.Watchdog.ExitWait},
	} {
		if *d.dst, err = durationKey(w, d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func writeINI(f *ini.File, cfg *Config) {
	l := f.Section(sectionListen)
	l.Key("tcp_addr").SetValue(cfg.Listen.TCPAddr)
	l.Key("udp_addr").SetValue(cfg.Listen.UDPAddr)
	l.Key("http_addr").SetValue(cfg.Listen.HTTPAddr)
	l.Key("mqtt_broker").SetValue(cfg.Listen.MQTTBroker)
	l.Key("mqtt_topic").SetValue(cfg.Listen.MQTTTopic)
	l.Key("mqtt_client_id").SetValue(cfg.Listen.MQTTClientID)
	l.Key("kafka_brokers").SetValue(strings.Join(cfg.Listen.KafkaBrokers, ","))
	l.Key("kafka_topic").SetValue(cfg.Listen.KafkaTopic)
	l.Key("kafka_group").SetValue(cfg.Listen.KafkaGroup)
	l.Key("lanes").SetValue(strconv.Itoa(cfg.Listen.Lanes))
	l.Key("channel_buffer").SetValue(strconv.Itoa(cfg.Listen.ChannelBuffer))

	std := f.Section(sectionStd)
	for _, key := range model.SensorKeys {
		band, ok := cfg.Std.Bands[key]
		if !ok {
			continue
		}
		std.Key(string(key)).SetValue(formatFloats(band.High))
		if len(band.Low) > 0 {
			std.Key(string(key) + "_low").SetValue(formatFloats(band.Low))
		}
	}

	e := f.Section(sectionEnv)
	e.Key("data_dir").SetValue(cfg.Env.DataDir)
	e.Key("db_driver").SetValue(cfg.Env.DBDriver)
	e.Key("db_dsn").SetValue(cfg.Env.DBDSN)
	e.Key("influx_url").SetValue(cfg.Env.InfluxURL)
	e.Key("influx_token").SetValue(cfg.Env.InfluxToken)
	e.Key("influx_org").SetValue(cfg.Env.InfluxOrg)
	e.Key("influx_bucket").SetValue(cfg.Env.InfluxBucket)

	u := f.Section(sectionUI)
	u.Key("max_sensors").SetValue(strconv.Itoa(cfg.UI.MaxSensors))
	u.Key("panel_key_policy").SetValue(cfg.UI.PanelKeyPolicy)
	u.Key("connection_timeout").SetValue(cfg.UI.ConnectionTimeout.String())
	u.Key("blink_interval").SetValue(cfg.UI.BlinkInterval.String())
	u.Key("timezone").SetValue(cfg.UI.Timezone)

	c := f.Section(sectionCamera)
	c.Key("face_capture").SetValue(strconv.FormatBool(cfg.Camera.FaceCapture))
	c.Key("detector_url").SetValue(cfg.Camera.DetectorURL)
	c.Key("detect_interval").SetValue(cfg.Camera.DetectInterval.String())
	c.Key("recognition_timeout").SetValue(cfg.Camera.RecognitionTimeout.String())
	c.Key("no_face_timeout").SetValue(cfg.Camera.NoFaceTimeout.String())
	c.Key("countdown").SetValue(cfg.Camera.Countdown.String())
	c.Key("track_idle").SetValue(cfg.Camera.TrackIdle.String())

	a := f.Section(sectionAdmin)
	a.Key("licensed").SetValue(strconv.FormatBool(cfg.Admin.Licensed))
	a.Key("log_level").SetValue(cfg.Admin.LogLevel)
	a.Key("log_format").SetValue(cfg.Admin.LogFormat)

	w := f.Section(sectionWatchdog)
	w.Key("heartbeat_interval").SetValue(cfg.Watchdog.HeartbeatInterval.String())
	w.Key("health_timeout").SetValue(cfg.Watchdog.HealthTimeout.String())
	w.Key("restart_delay").SetValue(cfg.Watchdog.RestartDelay.String())
	w.Key("exit_wait").SetValue(cfg.Watchdog.ExitWait.String())
}

// durationKey accepts Go durations ("90s") and bare numbers of seconds ("90").
func durationKey(sec *ini.Section, key string, def time.Duration) (time.Duration, error) {
	if !sec.HasKey(key) {
		return def, nil
	}
	raw := strings.TrimSpace(sec.Key(key).String())
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s.%s: %w", sec.Name(), key, err)
	}
	return d, nil
}

func parseFloats(raw string) ([]float64, error) {
	parts := splitList(raw)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
