// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loopd"

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Session metrics
	SessionsStarted *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	State           prometheus.Gauge

	// Scheduling metrics
	LoopIterations  prometheus.Counter
	LateStarts      prometheus.Counter
	StaleEvents     *prometheus.CounterVec
	LookaheadMargin prometheus.Histogram

	// Load metrics
	LoadDuration prometheus.Histogram
	LoadFailures prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Playback sessions started, by reason (start, replace)",
		}, []string{"reason"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Session state transitions, by target state",
		}, []string{"state"}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state code (0 idle .. 5 stopped)",
		}),
		LoopIterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Loop instances committed to the output clock",
		}),
		LateStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_starts_total",
			Help:      "Lookahead wake-ups that arrived after their boundary",
		}),
		StaleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Timer and completion events discarded because their session moved on",
		}, []string{"kind"}),
		LookaheadMargin: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookahead_margin_seconds",
			Help:      "Output-clock time left before the boundary when the lookahead fired",
			Buckets:   []float64{-0.05, 0, 0.025, 0.05, 0.1, 0.125, 0.15, 0.2, 0.5},
		}),
		LoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "program_load_seconds",
			Help:      "Time spent decoding a program",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		LoadFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_load_failures_total",
			Help:      "Program loads that failed or were superseded",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(reason string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(state string, code int) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
	m.State.Set(float64(code))
}

func (m *Metrics) LoopCommitted() {
	if m == nil {
		return
	}
	m.LoopIterations.Inc()
}

func (m *Metrics) Lookahead(margin float64) {
	if m == nil {
		return
	}
	m.LookaheadMargin.Observe(margin)
	if margin < 0 {
		m.LateStarts.Inc()
	}
}

func (m *Metrics) Stale(kind string) {
	if m == nil {
		return
	}
	m.StaleEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Load(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.LoadDuration.Observe(took.Seconds())
	if err != nil {
		m.LoadFailures.Inc()
	}
}
