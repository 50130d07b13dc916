package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/session"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "uc",
		Subsystem: "session",
	}
}

// Metrics метрики оркестраторов. Один экземпляр разделяется всеми
// оркестраторами процесса. Нулевой указатель - метрики выключены.
type Metrics struct {
	sessionsTotal      *prometheus.CounterVec
	sessionsActive     *prometheus.GaugeVec
	stateTransitions   *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	admissionDecisions *prometheus.CounterVec
	rosterParticipants prometheus.Gauge
	terminateFailures  prometheus.Counter
	listenerPanics     *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer, cfg MetricsConfig) *Metrics {
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Metrics{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sessions_total",
			Help:      "Total number of sessions created",
		}, []string{"kind"}),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "sessions_active",
			Help:      "Number of sessions not yet in a terminal state",
		}, []string{"kind"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Total number of session state transitions",
		}, []string{"kind", "from_state", "to_state"}),

		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "stage_duration_seconds",
			Help:      "Duration of session stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"stage", "outcome"}),

		admissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions and lobby outcomes",
		}, []string{"result"}),

		rosterParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "roster_participants",
			Help:      "Number of participants across all rosters",
		}),

		terminateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "terminate_failures_total",
			Help:      "Total number of terminations whose transport teardown failed",
		}),

		listenerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "listener_panics_total",
			Help:      "Total number of recovered listener panics",
		}, []string{"listener"}),
	}
}

func (m *Metrics) sessionCreated(kind session.Kind) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind.String()).Inc()
	m.sessionsActive.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) transition(kind session.Kind, tr session.Transition) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(kind.String(), tr.From.String(), tr.To.String()).Inc()
	if tr.To.IsTerminal() {
		m.sessionsActive.WithLabelValues(kind.String()).Dec()
	}
}

func (m *Metrics) stage(name string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.stageDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Metrics) admission(result admission.LobbyResult) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) rosterDelta(n int) {
	if m == nil || n == 0 {
		return
	}
	m.rosterParticipants.Add(float64(n))
}

func (m *Metrics) terminateFailed() {
	if m == nil {
		return
	}
	m.terminateFailures.Inc()
}

func (m *Metrics) listenerPanic(kind string) {
	if m == nil {
		return
	}
	m.listenerPanics.WithLabelValues(kind).Inc()
}
