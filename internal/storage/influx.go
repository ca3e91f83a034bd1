package storage

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"gasguard/internal/config"
	"gasguard/internal/logging"
	"gasguard/internal/model"
)

// Mirror copies samples and alerts to InfluxDB after the primary store has
// accepted them. Mirror failures are logged and never fail the append.
type Mirror struct {
	Store
	client influxdb2.Client
	writer api.WriteAPIBlocking
	logger *slog.Logger
}

// NewInfluxMirror wraps primary when [ENV] names an InfluxDB endpoint, and
// returns primary unchanged otherwise.
func NewInfluxMirror(primary Store, cfg config.EnvConfig, logger *slog.Logger) Store {
	if primary == nil || cfg.InfluxURL == "" || cfg.InfluxBucket == "" {
		return primary
	}
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &Mirror{
		Store:  primary,
		client: client,
		writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		logger: logging.OrDiscard(logger).With("component", "influx"),
	}
}

// NewMirrorWithWriter is used by tests to inject a writer.
func NewMirrorWithWriter(primary Store, writer api.WriteAPIBlocking, logger *slog.Logger) *Mirror {
	return &Mirror{Store: primary, writer: writer, logger: logging.OrDiscard(logger)}
}

func (m *Mirror) AppendSample(ctx context.Context, sid, peer string, data model.Sample, ts time.Time) error {
	if err := m.Store.AppendSample(ctx, sid, peer, data, ts); err != nil {
		return err
	}
	fields := make(map[string]any, len(data))
	for _, k := range model.SensorKeys {
		if v, ok := data[k]; ok && model.IsFinite(v) {
			fields[string(k)] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	p := influxdb2.NewPoint("sensor_data",
		map[string]string{"sid": sid, "peer_ip": PeerIP(peer)}, fields, ts)
	m.write(ctx, p)
	return nil
}

func (m *Mirror) AppendAlert(ctx context.Context, rec model.AlertRecord) error {
	if err := m.Store.AppendAlert(ctx, rec); err != nil {
		return err
	}
	p := influxdb2.NewPointWithMeasurement("alert_events").
		AddTag("sid", rec.SID).
		AddTag("peer_ip", PeerIP(rec.Peer)).
		AddTag("sensor_key", string(rec.Sensor)).
		AddField("level", int(rec.Level)).
		AddField("value", rec.Value).
		SetTime(rec.Timestamp)
	m.write(ctx, p)
	return nil
}

func (m *Mirror) write(ctx context.Context, p *write.Point) {
	if err := m.writer.WritePoint(ctx, p); err != nil {
		m.logger.Warn("influx write failed", "measurement", p.Name(), "err", err)
	}
}

func (m *Mirror) Close() error {
	if m.client != nil {
		m.client.Close()
	}
	return m.Store.Close()
}
