package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	fallbacks     prometheus.Counter
	debugAttempts prometheus.Counter
	runsActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when orchestrators are instantiated
// repeatedly, as unit tests do.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need isolated metric values, such as tests, supply a fresh
// registry. Registration errors panic, mirroring promauto semantics, so
// configuration bugs surface early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mason",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each run stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mason",
			Subsystem: "workflow",
			Name:      "stage_failures_total",
			Help:      "Stage executions that recorded a failure.",
		},
		[]string{"stage", "reason"},
	)
	fallbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mason",
			Subsystem: "workflow",
			Name:      "sequential_fallbacks_total",
			Help:      "Parallel batches demoted to sequential execution.",
		},
	)
	debugAttempts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mason",
			Subsystem: "workflow",
			Name:      "debug_attempts_total",
			Help:      "Repair passes triggered by validation failures.",
		},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mason",
			Subsystem: "workflow",
			Name:      "runs_active",
			Help:      "Runs currently being driven by an orchestrator.",
		},
	)

	collectors := []prometheus.Collector{stageDuration, stageFailures, fallbacks, debugAttempts, runsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector. A Gauge also satisfies the
				// Counter interface, so dispatch on identity, not type.
				switch collector {
				case prometheus.Collector(stageDuration):
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Collector(stageFailures):
					stageFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Collector(fallbacks):
					fallbacks = already.ExistingCollector.(prometheus.Counter)
				case prometheus.Collector(debugAttempts):
					debugAttempts = already.ExistingCollector.(prometheus.Counter)
				case prometheus.Collector(runsActive):
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration: stageDuration,
		stageFailures: stageFailures,
		fallbacks:     fallbacks,
		debugAttempts: debugAttempts,
		runsActive:    runsActive,
	}
}

// ObserveStageDuration records the time spent in a stage with a status label.
func (m *Metrics) ObserveStageDuration(stage Stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage), status).Observe(duration.Seconds())
}

// IncStageFailure increments the failure counter for the stage and reason.
func (m *Metrics) IncStageFailure(stage Stage, reason string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(string(stage), reason).Inc()
}

// IncFallback records a parallel batch demoted to sequential execution.
func (m *Metrics) IncFallback() {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Inc()
}

// IncDebugAttempt records a repair pass.
func (m *Metrics) IncDebugAttempt() {
	if m == nil || m.debugAttempts == nil {
		return
	}
	m.debugAttempts.Inc()
}

// IncActiveRuns marks a run as active.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished or suspended.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}
