// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	scoringLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "splitguard",
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time spent scoring one entity",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"entity_type"},
	)

	riskLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitguard",
			Subsystem: "scoring",
			Name:      "decisions_total",
			Help:      "Scoring decisions by entity type and risk level",
		},
		[]string{"entity_type", "risk_level"},
	)

	trainingJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitguard",
			Subsystem: "training",
			Name:      "jobs_total",
			Help:      "Training job transitions by status",
		},
		[]string{"status"},
	)

	registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitguard",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Model registry saves, loads and corruption events",
		},
		[]string{"op", "model"},
	)

	httpRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "splitguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	// Ignore duplicate registration when the package is linked twice in tests.
	_ = prometheus.Register(scoringLatency)
	_ = prometheus.Register(riskLevels)
	_ = prometheus.Register(trainingJobs)
	_ = prometheus.Register(registryOps)
	_ = prometheus.Register(httpRequests)
}

// Registry operation labels.
const (
	OpSave       = "save"
	OpLoad       = "load"
	OpCorruption = "corruption"
)

// ObserveScore records one scoring decision.
func ObserveScore(entityType, riskLevel string, d time.Duration) {
	scoringLatency.WithLabelValues(entityType).Observe(d.Seconds())
	riskLevels.WithLabelValues(entityType, riskLevel).Inc()
}

// TrainingJob counts a job reaching the given status.
func TrainingJob(status string) {
	trainingJobs.WithLabelValues(status).Inc()
}

// RegistryOp counts a registry operation on a model.
func RegistryOp(op, model string) {
	registryOps.WithLabelValues(op, model).Inc()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
