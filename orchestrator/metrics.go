package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
	"github.com/fgsect/EM-Fault-It-Yourself/metric"
)

// Metrics holds Prometheus metrics for the orchestrator
type Metrics struct {
	commandsTotal *prometheus.CounterVec
	modeGauge     *prometheus.GaugeVec
	attackRuns    *prometheus.CounterVec
	pulsesTotal   prometheus.Counter
	linkFailures  prometheus.Counter
}

// NewMetrics creates and registers orchestrator metrics.
// Returns nil when registry is nil.
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "orchestrator",
			Name:      "commands_total",
			Help:      "Commands processed by operation and result",
		}, []string{"op", "result"}),

		modeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "orchestrator",
			Name:      "mode",
			Help:      "Current mode (1 for the active mode, 0 otherwise)",
		}, []string{"mode"}),

		attackRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "orchestrator",
			Name:      "attack_runs_total",
			Help:      "Attack executions by outcome",
		}, []string{"outcome"}),

		pulsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "orchestrator",
			Name:      "pulses_total",
			Help:      "EM pulses fired",
		}),

		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "orchestrator",
			Name:      "link_failures_total",
			Help:      "Motion link failures that forced Idle",
		}),
	}

	registry.MustRegister(m.commandsTotal, m.modeGauge, m.attackRuns, m.pulsesTotal, m.linkFailures)
	return m
}

var allModes = []Mode{ModeIdle, ModeHoming, ModeStepping, ModeAbsoluteMove, ModeJoystick, ModeAttack}

func (m *Metrics) setMode(mode Mode) {
	if m == nil {
		return
	}
	for _, candidate := range allModes {
		value := 0.0
		if candidate == mode {
			value = 1
		}
		m.modeGauge.WithLabelValues(string(candidate)).Set(value)
	}
}

func (m *Metrics) observe(op op, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.IsRejected(err):
		result = "rejected"
	case errors.IsLink(err):
		result = "link_error"
	default:
		result = "error"
	}
	m.commandsTotal.WithLabelValues(op.String(), result).Inc()
}
