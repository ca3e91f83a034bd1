// Package metrics exposes the appliance's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gasguard/internal/model"
)

const namespace = "gasguard"

// Metrics groups every collector. A nil *Metrics records nothing.
type Metrics struct {
	Registry prometheus.Gatherer

	frames         *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	queueDropped   *prometheus.CounterVec
	ignored        prometheus.Counter
	validatorDrops *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	detectorErrors prometheus.Counter
	detectLatency  prometheus.Histogram
	chainAppends   *prometheus.CounterVec
	evidenceSaves  *prometheus.CounterVec
	panels         *prometheus.GaugeVec
	lastHeartbeat  prometheus.Gauge
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg)
}

func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Telemetry frames received, by transport.",
		}, []string{"source"}),
		malformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_malformed_total",
			Help: "Frames dropped because they could not be parsed.",
		}, []string{"source"}),
		queueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_queue_dropped_total",
			Help: "Frames dropped because the dispatcher queue was full.",
		}, []string{"source"}),
		ignored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_ignored_total",
			Help: "Frames from new devices ignored because the panel cap was reached.",
		}),
		validatorDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validator_drops_total",
			Help: "Sensor values withheld by the validator.",
		}, []string{"sensor"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Alert events raised, by sensor and level.",
		}, []string{"sensor", "level"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_errors_total",
			Help: "Timeseries store write failures.",
		}, []string{"op"}),
		detectorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "detector_errors_total",
			Help: "Detector inference failures.",
		}),
		detectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "detector_duration_seconds",
			Help:    "Detector inference latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		chainAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chain_appends_total",
			Help: "Hash chain append attempts, by result.",
		}, []string{"result"}),
		evidenceSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "evidence_saves_total",
			Help: "Evidence bundle saves, by result.",
		}, []string{"result"}),
		panels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "panels",
			Help: "Panels by connection status.",
		}, []string{"status"}),
		lastHeartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat file write.",
		}),
	}
}

func (m *Metrics) Frame(source string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(source).Inc()
}

func (m *Metrics) Malformed(source string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(source).Inc()
}

func (m *Metrics) QueueDropped(source string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(source).Inc()
}

func (m *Metrics) Ignored() {
	if m == nil {
		return
	}
	m.ignored.Inc()
}

func (m *Metrics) ValidatorDrop(key model.SensorKey) {
	if m == nil {
		return
	}
	m.validatorDrops.WithLabelValues(string(key)).Inc()
}

func (m *Metrics) Alert(key model.SensorKey, lvl model.Level) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(key), strconv.Itoa(int(lvl))).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) DetectorError() {
	if m == nil {
		return
	}
	m.detectorErrors.Inc()
}

func (m *Metrics) DetectDuration(seconds float64) {
	if m == nil {
		return
	}
	m.detectLatency.Observe(seconds)
}

func (m *Metrics) ChainAppend(ok bool) {
	if m == nil {
		return
	}
	m.chainAppends.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) EvidenceSave(ok bool) {
	if m == nil {
		return
	}
	m.evidenceSaves.WithLabelValues(result(ok)).Inc()
}

// SetPanels replaces the per-status panel gauge.
func (m *Metrics) SetPanels(counts map[model.ConnectionStatus]int) {
	if m == nil {
		return
	}
	for _, st := range []model.ConnectionStatus{model.StatusWaiting, model.StatusConnected, model.StatusDisconnected} {
		m.panels.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) Heartbeat(unix float64) {
	if m == nil {
		return
	}
	m.lastHeartbeat.Set(unix)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
