// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors. One instance per process,
// registered on its own registry so tests can build isolated sets.
type Metrics struct {
	Registry *prometheus.Registry

	InstancesCreated  *prometheus.CounterVec
	InstancesFinished *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	TimerFires        *prometheus.CounterVec
	ResolverCache     *prometheus.CounterVec
	DecisionLatency   prometheus.Histogram
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		InstancesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_instances_created_total",
			Help: "Approval instances created, by outcome.",
		}, []string{"outcome"}),
		InstancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_instances_finished_total",
			Help: "Approval instances reaching a terminal status.",
		}, []string{"status"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_decisions_total",
			Help: "Task decisions recorded, by decision.",
		}, []string{"decision"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_actions_total",
			Help: "Workflow actions executed, by action and result.",
		}, []string{"action", "result"}),
		TimerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_timer_fires_total",
			Help: "SLA timer deliveries, by kind.",
		}, []string{"kind"}),
		ResolverCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_resolver_cache_total",
			Help: "Approver resolver cache lookups, by result.",
		}, []string{"result"}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_decision_duration_seconds",
			Help:    "End-to-end decision processing latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
