package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_executions_total",
		Help: "Agent actions processed by the gateway",
	}, []string{"action", "status"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_risk_rejects_total",
		Help: "Actions denied by the risk evaluator",
	}, []string{"reason"})

	AuthorizationChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_authorization_changes_total",
		Help: "Authorization changed events by resulting state",
	}, []string{"reason"})

	CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_collaborator_failures_total",
		Help: "Failed calls to trading, lending, oracle and identity collaborators",
	}, []string{"collaborator"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentgate_grant_lock_wait_seconds",
		Help:    "Time spent waiting for a (principal, agent) lock",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	})
)
