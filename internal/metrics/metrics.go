// Package metrics exposes bench controller counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector receives the events a bench controller emits. Calls are made
// inline with the control loop and must be cheap.
type Collector interface {
	ObserveCommand(bench, command string, err error, elapsed time.Duration)
	ObservePoll(bench string, elapsed time.Duration)
	SetDeviceState(bench, device string, connected, running bool)
	IncSnapshot(bench string, durable bool)
	IncMessageDropped(bench, kind string)
	IncProtocolRun(bench, outcome string)
	IncProtocolStepError(bench string)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector { return noopCollector{} }

func (noopCollector) ObserveCommand(string, string, error, time.Duration) {}
func (noopCollector) ObservePoll(string, time.Duration)                   {}
func (noopCollector) SetDeviceState(string, string, bool, bool)           {}
func (noopCollector) IncSnapshot(string, bool)                            {}
func (noopCollector) IncMessageDropped(string, string)                    {}
func (noopCollector) IncProtocolRun(string, string)                       {}
func (noopCollector) IncProtocolStepError(string)                         {}

// PrometheusCollector records controller events on its own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	pollDuration     *prometheus.HistogramVec
	deviceConnected  *prometheus.GaugeVec
	deviceRunning    *prometheus.GaugeVec
	snapshots        *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	protocolRuns     *prometheus.CounterVec
	stepErrors       *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	p := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchcore_commands_total",
			Help: "Commands dispatched per bench, type and result code.",
		}, []string{"bench", "command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "benchcore_command_duration_seconds",
			Help:    "Time spent dispatching a command, including device I/O.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bench", "command"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "benchcore_poll_duration_seconds",
			Help:    "Time spent polling every device of a bench for one snapshot.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"bench"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "benchcore_device_connected",
			Help: "1 if the device transport is connected.",
		}, []string{"bench", "device"}),
		deviceRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "benchcore_device_running",
			Help: "1 if the pump runs or the supply output is on.",
		}, []string{"bench", "device"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchcore_snapshots_total",
			Help: "Status snapshots published, by kind.",
		}, []string{"bench", "kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchcore_messages_dropped_total",
			Help: "Status messages dropped because consumers fell behind, by kind.",
		}, []string{"bench", "kind"}),
		protocolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchcore_protocol_runs_total",
			Help: "Protocol runs by outcome.",
		}, []string{"bench", "outcome"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benchcore_protocol_step_errors_total",
			Help: "Protocol steps that failed and were skipped.",
		}, []string{"bench"}),
	}

	p.registry.MustRegister(
		p.commands,
		p.commandDuration,
		p.pollDuration,
		p.deviceConnected,
		p.deviceRunning,
		p.snapshots,
		p.messagesDropped,
		p.protocolRuns,
		p.stepErrors,
		collectors.NewGoCollector(),
	)
	return p
}

// Registry exposes the underlying registry, for tests and custom handlers.
func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusCollector) ObserveCommand(bench, command string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = types.ErrorCode(err)
	}
	p.commands.WithLabelValues(bench, command, result).Inc()
	p.commandDuration.WithLabelValues(bench, command).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) ObservePoll(bench string, elapsed time.Duration) {
	p.pollDuration.WithLabelValues(bench).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) SetDeviceState(bench, device string, connected, running bool) {
	p.deviceConnected.WithLabelValues(bench, device).Set(boolValue(connected))
	p.deviceRunning.WithLabelValues(bench, device).Set(boolValue(running))
}

func (p *PrometheusCollector) IncSnapshot(bench string, durable bool) {
	kind := "live"
	if durable {
		kind = "durable"
	}
	p.snapshots.WithLabelValues(bench, kind).Inc()
}

func (p *PrometheusCollector) IncMessageDropped(bench, kind string) {
	p.messagesDropped.WithLabelValues(bench, kind).Inc()
}

func (p *PrometheusCollector) IncProtocolRun(bench, outcome string) {
	p.protocolRuns.WithLabelValues(bench, outcome).Inc()
}

func (p *PrometheusCollector) IncProtocolStepError(bench string) {
	p.stepErrors.WithLabelValues(bench).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
