package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_policy_decisions_total",
			Help: "Admission policy decisions",
		},
		[]string{"decision"},
	)

	policyLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mathagent_policy_evaluation_seconds",
			Help:    "Admission policy evaluation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	policyLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathagent_policy_loads_total",
			Help: "Admission policy (re)loads",
		},
		[]string{"status"},
	)
)
