package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_engine_calls_total",
			Help: "Calls handled by this engine, by operation and reply status.",
		},
		[]string{"op", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muster_engine_call_duration_seconds",
			Help:    "Call handling duration in seconds, by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	heartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_engine_heartbeats_total",
			Help: "Heartbeats published by this engine.",
		},
	)

	namespaceSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_engine_namespace_size",
			Help: "User names held in the engine namespace.",
		},
		[]string{"engine"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration, heartbeatsTotal, namespaceSize)
}
