package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestObserveScore(t *testing.T) {
	labels := map[string]string{"entity_type": "split", "risk_level": "high"}
	before := counterValue(t, "splitguard_scoring_decisions_total", labels)

	ObserveScore("split", "high", 3*time.Millisecond)
	ObserveScore("split", "high", 5*time.Millisecond)

	if got := counterValue(t, "splitguard_scoring_decisions_total", labels) - before; got != 2 {
		t.Errorf("decisions delta = %v, want 2", got)
	}
	if got := counterValue(t, "splitguard_scoring_duration_seconds", map[string]string{"entity_type": "split"}); got < 2 {
		t.Errorf("latency samples = %v, want at least 2", got)
	}
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		labels map[string]string
		record func()
	}{
		{
			name:   "training job",
			metric: "splitguard_training_jobs_total",
			labels: map[string]string{"status": "completed"},
			record: func() { TrainingJob("completed") },
		},
		{
			name:   "registry op",
			metric: "splitguard_registry_operations_total",
			labels: map[string]string{"op": OpCorruption, "model": "risk_scorer"},
			record: func() { RegistryOp(OpCorruption, "risk_scorer") },
		},
		{
			name:   "http request",
			metric: "splitguard_http_request_duration_seconds",
			labels: map[string]string{"method": "POST", "route": "/api/v1/analyze/split", "status": "200"},
			record: func() { ObserveHTTP("POST", "/api/v1/analyze/split", 200, time.Millisecond) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counterValue(t, tt.metric, tt.labels)
			tt.record()
			if got := counterValue(t, tt.metric, tt.labels) - before; got != 1 {
				t.Errorf("%s delta = %v, want 1", tt.metric, got)
			}
		})
	}
}
