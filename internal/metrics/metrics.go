// Package metrics provides Prometheus metrics for the launch timer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/launch-timer/internal/logic"
)

var defaultTimeBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 10, 12, 15, 20, 30, 60}

// Manager owns the launch timer metrics.
type Manager struct {
	namespace   string
	timeBuckets []float64
	registry    *prometheus.Registry

	samples         prometheus.Counter
	samplesRejected prometheus.Counter
	currentSpeed    prometheus.Gauge
	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	targetsReached  *prometheus.CounterVec
	timeToTarget    *prometheus.HistogramVec
	phase           *prometheus.GaugeVec
	dispatchDropped prometheus.Counter
	mqttConnected   prometheus.Gauge
}

// NewManager creates a Manager on a private registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:   "launch_timer",
		timeBuckets: defaultTimeBuckets,
		registry:    prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.samples = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "samples_total",
		Help:      "Speed samples accepted while a run was active",
	})
	m.samplesRejected = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "samples_rejected_total",
		Help:      "Malformed speed samples discarded",
	})
	m.currentSpeed = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "current_speed",
		Help:      "Last observed speed in the display unit",
	})
	m.runsStarted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "runs_started_total",
		Help:      "Runs armed",
	})
	m.runsFinished = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "runs_finished_total",
		Help:      "Runs finished by outcome",
	}, []string{"outcome"})
	m.targetsReached = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "targets_reached_total",
		Help:      "Targets reached by threshold",
	}, []string{"target"})
	m.timeToTarget = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "time_to_target_seconds",
		Help:      "Elapsed time from first sample to target",
		Buckets:   m.timeBuckets,
	}, []string{"target"})
	m.phase = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "phase",
		Help:      "1 for the current run timer phase, 0 otherwise",
	}, []string{"phase"})
	m.dispatchDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "dispatch_dropped_total",
		Help:      "Result jobs dropped because the dispatch queue was full",
	})
	m.mqttConnected = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "mqtt_connected",
		Help:      "1 when the MQTT client is connected",
	})
}

// TargetLabel formats a target as a label value, e.g. "100kmh".
func TargetLabel(t logic.Target) string {
	return strconv.FormatFloat(t.Threshold, 'f', -1, 64) + string(t.Unit)
}

// SampleObserved records an accepted sample.
func (m *Manager) SampleObserved(speed float64) {
	m.samples.Inc()
	m.currentSpeed.Set(speed)
}

// SampleRejected records a discarded sample.
func (m *Manager) SampleRejected() { m.samplesRejected.Inc() }

// RunStarted records an armed run.
func (m *Manager) RunStarted() { m.runsStarted.Inc() }

// RunFinished records the end of a run.
func (m *Manager) RunFinished(outcome string) { m.runsFinished.WithLabelValues(outcome).Inc() }

// OnTargetReached records a reached target; Manager is a logic.ResultSink.
func (m *Manager) OnTargetReached(e logic.Event) {
	label := TargetLabel(e.Target)
	m.targetsReached.WithLabelValues(label).Inc()
	m.timeToTarget.WithLabelValues(label).Observe(e.Elapsed.Seconds())
}

// SetPhase marks p as the current phase.
func (m *Manager) SetPhase(p logic.Phase) {
	for _, ph := range []logic.Phase{logic.PhaseIdle, logic.PhaseRunning, logic.PhaseCompleted} {
		v := 0.0
		if ph == p {
			v = 1
		}
		m.phase.WithLabelValues(string(ph)).Set(v)
	}
}

// DispatchDropped records a dropped dispatch job.
func (m *Manager) DispatchDropped() { m.dispatchDropped.Inc() }

// SetMQTTConnected records the MQTT connection state.
func (m *Manager) SetMQTTConnected(connected bool) {
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}

// Registry returns the registry the metrics live on.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Timeout: 5 * time.Second})
}
