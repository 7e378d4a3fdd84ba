// Package metrics provides Prometheus metrics for the calibration pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentio"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Pipeline metrics
	RecordsIngested *prometheus.CounterVec
	Validations     *prometheus.CounterVec

	// Tuning metrics
	FeedbackEvents     *prometheus.CounterVec
	Suggestions        *prometheus.CounterVec
	Applies            *prometheus.CounterVec
	VersionConflicts   *prometheus.CounterVec
	ThresholdCurrent   *prometheus.GaugeVec
	ThresholdSuggested *prometheus.GaugeVec

	// Event publishing metrics
	PublishTotal  *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg creates
// unregistered metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Total number of predictions staged for review",
		}, []string{"modality"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of human validations",
		}, []string{"modality", "agrees"}),
		FeedbackEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_events_total",
			Help:      "Total number of boundary feedback events recorded",
		}, []string{"modality"}),
		Suggestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Total number of threshold suggestions computed",
		}, []string{"modality"}),
		Applies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_total",
			Help:      "Total number of apply attempts by result",
		}, []string{"modality", "result"}),
		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Total number of threshold commits retried after a version conflict",
		}, []string{"modality"}),
		ThresholdCurrent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_current",
			Help:      "Current decision threshold",
		}, []string{"modality"}),
		ThresholdSuggested: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_suggested",
			Help:      "Latest suggested decision threshold",
		}, []string{"modality"}),
		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events handed to the publisher",
		}, []string{"topic"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_errors_total",
			Help:      "Total number of events the publisher failed to write",
		}, []string{"topic"}),
	}
}

// RecordIngest records a staged prediction.
func (m *Metrics) RecordIngest(modality string) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(modality).Inc()
}

// RecordValidation records a human validation.
func (m *Metrics) RecordValidation(modality string, agrees bool) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(modality, strconv.FormatBool(agrees)).Inc()
}

// RecordFeedback records a boundary feedback event.
func (m *Metrics) RecordFeedback(modality string) {
	if m == nil {
		return
	}
	m.FeedbackEvents.WithLabelValues(modality).Inc()
}

// RecordSuggestion records a new suggested threshold.
func (m *Metrics) RecordSuggestion(modality string, value float64) {
	if m == nil {
		return
	}
	m.Suggestions.WithLabelValues(modality).Inc()
	m.ThresholdSuggested.WithLabelValues(modality).Set(value)
}

// RecordApply records an apply attempt. result is "applied" or "rejected".
func (m *Metrics) RecordApply(modality, result string) {
	if m == nil {
		return
	}
	m.Applies.WithLabelValues(modality, result).Inc()
}

// RecordVersionConflict records a retried threshold commit.
func (m *Metrics) RecordVersionConflict(modality string) {
	if m == nil {
		return
	}
	m.VersionConflicts.WithLabelValues(modality).Inc()
}

// SetThreshold publishes the current threshold.
func (m *Metrics) SetThreshold(modality string, value float64) {
	if m == nil {
		return
	}
	m.ThresholdCurrent.WithLabelValues(modality).Set(value)
}

// RecordPublish records an event publish attempt.
func (m *Metrics) RecordPublish(topic string, err error) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(topic).Inc()
	if err != nil {
		m.PublishErrors.WithLabelValues(topic).Inc()
	}
}
