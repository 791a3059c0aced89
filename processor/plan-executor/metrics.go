package planexecutor

import (
	"context"
	"fmt"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/events"
)

var _ events.Sink = (*Metrics)(nil)

// Metrics derives Prometheus metrics from the engine event stream. It is an
// events.Sink so it sees exactly what downstream consumers see.
type Metrics struct {
	transitions      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	hitlEvents       *prometheus.CounterVec
	plansActive      prometheus.Gauge
	commands         *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semplan_todo_transitions_total",
			Help: "Todo status transitions by target status.",
		}, []string{"status"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semplan_dispatch_duration_seconds",
			Help:    "Executor dispatch duration by layer and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"layer", "outcome"}),
		hitlEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semplan_hitl_events_total",
			Help: "HITL event changes by type and status.",
		}, []string{"type", "status"}),
		plansActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semplan_plans_active",
			Help: "Plans submitted and not yet terminal.",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semplan_commands_total",
			Help: "Commands consumed by subject and outcome.",
		}, []string{"subject", "outcome"}),
	}
}

// Publish implements events.Sink.
func (m *Metrics) Publish(_ context.Context, ev workflow.Event) error {
	switch ev.Type {
	case workflow.EventTodoStatus:
		var sc workflow.StatusChange
		if err := ev.Decode(&sc); err != nil {
			return undecodable(ev, err)
		}
		m.transitions.WithLabelValues(sc.To).Inc()

	case workflow.EventPlanStatus:
		var sc workflow.StatusChange
		if err := ev.Decode(&sc); err != nil {
			return undecodable(ev, err)
		}
		if sc.From == "" {
			m.plansActive.Inc()
		}
		if workflow.PlanStatus(sc.To).IsTerminal() {
			m.plansActive.Dec()
		}

	case workflow.EventTodoResult:
		var res workflow.ExecutionResult
		if err := ev.Decode(&res); err != nil {
			return undecodable(ev, err)
		}
		m.dispatchDuration.WithLabelValues(string(res.Layer), outcome(&res)).Observe(res.Duration().Seconds())

	case workflow.EventHITLRequested, workflow.EventHITLResolved:
		var hc workflow.HITLChange
		if err := ev.Decode(&hc); err != nil {
			return undecodable(ev, err)
		}
		if hc.Event != nil {
			m.hitlEvents.WithLabelValues(string(hc.Event.Type), string(hc.Event.Status)).Inc()
		}
	}
	return nil
}

// observeCommand counts one consumed command.
func (m *Metrics) observeCommand(subject, result string) {
	m.commands.WithLabelValues(subject, result).Inc()
}

func outcome(res *workflow.ExecutionResult) string {
	switch {
	case res.Success && res.NeedsInput():
		return "needs_input"
	case res.Success:
		return "success"
	case res.Reason != "":
		return string(res.Reason)
	default:
		return "failure"
	}
}

func undecodable(ev workflow.Event, err error) error {
	return retry.NonRetryable(fmt.Errorf("decode %s event: %w", ev.Type, err))
}
