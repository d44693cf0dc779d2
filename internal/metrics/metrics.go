package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal tracks node-check attempts per blockchain, method and result
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodegate_checks_total",
			Help: "Total number of node check attempts",
		},
		[]string{"blockchain", "method", "result"},
	)

	// CheckFailuresTotal tracks failed checks per blockchain, method and cause
	CheckFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodegate_check_failures_total",
			Help: "Total number of failed node checks",
		},
		[]string{"blockchain", "method"},
	)

	// CheckLatency tracks per-node probe latency
	CheckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodegate_check_latency_seconds",
			Help:    "Node check probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"blockchain", "method"},
	)

	// CheckBytes tracks response byte accounting per check
	CheckBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodegate_check_bytes_total",
			Help: "Total bytes accounted to node checks",
		},
		[]string{"blockchain", "method"},
	)

	// ChallengesTotal tracks consensus challenges dispatched per blockchain
	ChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodegate_challenges_total",
			Help: "Total number of consensus challenges dispatched",
		},
		[]string{"blockchain"},
	)
)
