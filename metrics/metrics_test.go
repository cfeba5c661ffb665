package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPhaseTransitionsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSet(reg)
	s.PhaseTransitions.WithLabelValues("network").Inc()
	s.PhaseTransitions.WithLabelValues("network").Inc()

	m := &dto.Metric{}
	if err := s.PhaseTransitions.WithLabelValues("network").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Fatalf("phase_transitions_total{phase=network} = %v, want 2", got)
	}
}
