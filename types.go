package sentio

import (
	"fmt"
	"strings"
	"time"
)

// Modality identifies the sensor channel a prediction came from.
type Modality string

const (
	ModalityVision Modality = "vision"
	ModalityAudio  Modality = "audio"
)

// Modalities returns all supported modalities in a stable order.
func Modalities() []Modality {
	return []Modality{ModalityVision, ModalityAudio}
}

// IsValid reports whether m is a supported modality.
func (m Modality) IsValid() bool {
	return m == ModalityVision || m == ModalityAudio
}

// ParseModality converts a user-supplied string into a Modality.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidModality, s)
	}
	return m, nil
}

// Classification is the two-class health domain every label maps onto.
type Classification string

const (
	ClassHealthy Classification = "healthy"
	ClassSick    Classification = "sick"
)

// Flip returns the opposite class.
func (c Classification) Flip() Classification {
	if c == ClassHealthy {
		return ClassSick
	}
	return ClassHealthy
}

// NormalizeLabel maps classifier and operator labels onto Classification.
// Vision labels HEALTHY/SICK and audio labels NORMAL/DISTRESS are both
// accepted, case-insensitively.
func NormalizeLabel(label string) (Classification, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HEALTHY", "NORMAL":
		return ClassHealthy, nil
	case "SICK", "DISTRESS":
		return ClassSick, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
}

// FlipLabel returns the opposite label in the same vocabulary as label
// (HEALTHY<->SICK, NORMAL<->DISTRESS).
func FlipLabel(label string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HEALTHY":
		return "SICK", nil
	case "SICK":
		return "HEALTHY", nil
	case "NORMAL":
		return "DISTRESS", nil
	case "DISTRESS":
		return "NORMAL", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
}

// StagingRecord is one AI prediction awaiting, or having received, human review.
type StagingRecord struct {
	ID                  string         `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	OriginalFile        string         `json:"original_file"`
	OriginalPath        string         `json:"original_path,omitempty"`
	StagedFile          string         `json:"staged_file"`
	StoragePath         string         `json:"storage_path,omitempty"`
	Modality            Modality       `json:"modality"`
	AIClassification    string         `json:"ai_classification"`
	Confidence          float64        `json:"confidence"`
	Features            map[string]any `json:"features,omitempty"`
	HumanValidated      bool           `json:"human_validated"`
	HumanAgrees         *bool          `json:"human_agrees,omitempty"`
	FinalClassification *string        `json:"final_classification,omitempty"`
	ValidatedAt         *time.Time     `json:"validated_at,omitempty"`
}

// Pending reports whether the record still awaits human review.
func (r *StagingRecord) Pending() bool {
	return !r.HumanValidated
}

// ReferenceSample is a human-verified example kept for similarity comparison.
type ReferenceSample struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	Classification Classification `json:"classification"`
	Features       map[string]any `json:"features"`
	AddedAt        time.Time      `json:"added_at"`
}

// FeedbackEvent records a boundary-region human judgement for threshold tuning.
type FeedbackEvent struct {
	ID               int64     `json:"id"`
	Modality         Modality  `json:"modality"`
	Timestamp        time.Time `json:"timestamp"`
	Score            float64   `json:"score"`
	AIPrediction     string    `json:"ai_prediction"`
	HumanAgrees      bool      `json:"human_agrees"`
	CurrentThreshold float64   `json:"current_threshold"`
}

// ThresholdConfig is the per-modality threshold state.
// Version is bumped by every successful commit.
type ThresholdConfig struct {
	Modality           Modality   `json:"modality"`
	CurrentThreshold   float64    `json:"current_threshold"`
	SuggestedThreshold *float64   `json:"suggested_threshold,omitempty"`
	LastUpdated        *time.Time `json:"last_updated,omitempty"`
	Version            int64      `json:"version"`
}

// IngestParams describes a new prediction submitted for review.
type IngestParams struct {
	Modality         Modality       `json:"modality"`
	AIClassification string         `json:"ai_classification"`
	Confidence       float64        `json:"confidence"`
	Features         map[string]any `json:"features,omitempty"`
	OriginalFile     string         `json:"original_file"`
	OriginalPath     string         `json:"original_path,omitempty"`
	StoragePath      string         `json:"storage_path,omitempty"`
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Record              *StagingRecord `json:"record"`
	HumanAgrees         bool           `json:"human_agrees"`
	FinalClassification string         `json:"final_classification"`
	// Destination is the class folder the media should be relocated to.
	Destination Classification `json:"destination"`
	// Event is nil when the score fell outside the boundary region.
	Event *FeedbackEvent `json:"event,omitempty"`
	// Suggestion is set when this validation produced a new suggested threshold.
	Suggestion *float64 `json:"suggestion,omitempty"`
	// Promoted is true when the record was added to the reference set.
	Promoted bool `json:"promoted,omitempty"`
}

// Accuracy is the agreement ratio for one modality. Rate is nil when no
// records have been validated yet.
type Accuracy struct {
	Modality  Modality `json:"modality"`
	Validated int      `json:"validated"`
	Agreed    int      `json:"agreed"`
	Rate      *float64 `json:"rate"`
}

// Value returns the rate and whether it is defined.
func (a Accuracy) Value() (float64, bool) {
	if a.Rate == nil {
		return 0, false
	}
	return *a.Rate, true
}

// ModalityStats aggregates records for one modality.
type ModalityStats struct {
	Total     int `json:"total"`
	Validated int `json:"validated"`
	Correct   int `json:"correct"`
}

// PipelineStats summarizes the staging pipeline.
type PipelineStats struct {
	TotalStaged      int                        `json:"total_staged"`
	Pending          int                        `json:"pending"`
	Validated        int                        `json:"validated"`
	AICorrect        int                        `json:"ai_correct"`
	AIIncorrect      int                        `json:"ai_incorrect"`
	Accuracy         *float64                   `json:"accuracy"`
	ByModality       map[Modality]ModalityStats `json:"by_modality"`
	ByClassification map[string]int             `json:"by_classification"`
}

// ThresholdStatus is a point-in-time view of a modality's tuning state.
type ThresholdStatus struct {
	Modality           Modality   `json:"modality"`
	CurrentThreshold   float64    `json:"current_threshold"`
	SuggestedThreshold *float64   `json:"suggested_threshold,omitempty"`
	LastUpdated        *time.Time `json:"last_updated,omitempty"`
	WindowSize         int        `json:"window_size"`
	MinSamples         int        `json:"min_samples"`
	NeedsAdjustment    bool       `json:"needs_adjustment"`
	Accuracy           Accuracy   `json:"accuracy"`
}

// RecordFilter narrows record listings.
type RecordFilter struct {
	Modality Modality
	// PendingOnly restricts results to records awaiting review.
	PendingOnly bool
	Limit       int
}

// NewPipelineStats totals per-modality counts and final-label counts into
// PipelineStats. Final labels are bucketed under their normalized class.
func NewPipelineStats(byModality map[Modality]ModalityStats, byLabel map[string]int) *PipelineStats {
	stats := newPipelineStats()
	for m, ms := range byModality {
		stats.add(m, ms)
	}
	for label, n := range byLabel {
		stats.addClass(label, n)
	}
	stats.finish()
	return stats
}
