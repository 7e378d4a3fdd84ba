package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordIngest("vision")
	m.RecordValidation("vision", true)
	m.RecordFeedback("vision")
	m.RecordSuggestion("vision", 0.515)
	m.RecordApply("vision", "applied")
	m.RecordVersionConflict("vision")
	m.SetThreshold("vision", 0.515)
	m.RecordPublish("sentio.threshold-feedback", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 9 {
		t.Errorf("registered %d metric families with samples, want 9", len(families))
	}
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordValidation("audio", false)
	m.RecordValidation("audio", false)
	if got := testutil.ToFloat64(m.Validations.WithLabelValues("audio", "false")); got != 2 {
		t.Errorf("validations{audio,false} = %v, want 2", got)
	}

	m.RecordSuggestion("vision", 0.6)
	m.RecordSuggestion("vision", 0.62)
	if got := testutil.ToFloat64(m.Suggestions.WithLabelValues("vision")); got != 2 {
		t.Errorf("suggestions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ThresholdSuggested.WithLabelValues("vision")); got != 0.62 {
		t.Errorf("threshold_suggested = %v, want 0.62", got)
	}

	m.RecordPublish("t", errors.New("down"))
	if got := testutil.ToFloat64(m.PublishErrors.WithLabelValues("t")); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordIngest("vision")
	m.RecordApply("vision", "rejected")
	m.SetThreshold("vision", 0.5)
	m.RecordPublish("t", nil)
}
