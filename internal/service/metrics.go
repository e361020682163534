package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the approval counters exported on /metrics.
type Metrics struct {
	Submissions       *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	SideEffectFailure *prometheus.CounterVec
	SideEffectReplay  *prometheus.CounterVec
	OverdueFlagged    *prometheus.CounterVec
}

// NewMetrics registers the approval metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_submissions_total",
			Help: "Approval instances created, by entity type.",
		}, []string{"entity_type"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transitions_total",
			Help: "Step transitions applied, by entity type and action.",
		}, []string{"entity_type", "action"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transition_errors_total",
			Help: "Refused step transitions, by error code.",
		}, []string{"code"}),
		SideEffectFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_side_effect_failures_total",
			Help: "Adapter calls that failed after the decision was committed.",
		}, []string{"entity_type", "hook"}),
		SideEffectReplay: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_side_effect_replays_total",
			Help: "Replays of recorded side-effect failures, by outcome.",
		}, []string{"outcome"}),
		OverdueFlagged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_overdue_steps_total",
			Help: "Steps flagged as past their SLA.",
		}, []string{"entity_type", "role"}),
	}
}
