package calibrate

import (
	"fmt"
	"math"
	"time"
)

// RecentWindow is how many trailing events feed RecentAccuracy.
const RecentWindow = 20

// RollingWindow is the width of the rolling accuracy series.
const RollingWindow = 5

// HistogramBins are the score histogram edges. The last bin is closed.
var HistogramBins = []float64{0, 0.2, 0.4, 0.5, 0.6, 0.8, 1.0}

// Event is a Sample with a timestamp and the raw AI label, for reports.
type Event struct {
	Sample
	Time         time.Time
	AIPrediction string
}

// Tendency names the dominant error direction in a history.
type Tendency string

const (
	TendencyLenient  Tendency = "lenient"
	TendencyStrict   Tendency = "strict"
	TendencyBalanced Tendency = "balanced"
)

// ErrorAnalysis breaks disagreements down by what the classifier said.
type ErrorAnalysis struct {
	Total int `json:"total_errors"`
	// FalsePositives counts errors where the classifier said healthy.
	FalsePositives int `json:"false_positives"`
	// FalseNegatives counts errors where the classifier said sick.
	FalseNegatives int      `json:"false_negatives"`
	Tendency       Tendency `json:"error_tendency"`
}

// Summary is the audit summary of a feedback history.
type Summary struct {
	TotalFeedback  int           `json:"total_feedback"`
	Accuracy       float64       `json:"accuracy"`
	BoundaryErrors int           `json:"boundary_errors"`
	RecentAccuracy float64       `json:"recent_accuracy"`
	Errors         ErrorAnalysis `json:"error_analysis"`
}

// Summarize builds a Summary. Boundary errors are disagreements whose score
// lies within margin of threshold. Ratios are 0 for an empty history.
func Summarize(history []Event, threshold, margin float64) Summary {
	s := Summary{TotalFeedback: len(history)}
	if len(history) == 0 {
		s.Errors.Tendency = TendencyBalanced
		return s
	}

	correct := 0
	for _, e := range history {
		if e.HumanAgrees {
			correct++
			continue
		}
		s.Errors.Total++
		if e.AIHealthy {
			s.Errors.FalsePositives++
		} else {
			s.Errors.FalseNegatives++
		}
		if BoundaryEligible(e.Score, threshold, margin) {
			s.BoundaryErrors++
		}
	}
	s.Accuracy = round3(float64(correct) / float64(len(history)))

	recent := history
	if len(recent) > RecentWindow {
		recent = recent[len(recent)-RecentWindow:]
	}
	s.RecentAccuracy = round3(agreementRate(recent))

	switch {
	case s.Errors.FalsePositives > s.Errors.FalseNegatives:
		s.Errors.Tendency = TendencyLenient
	case s.Errors.FalseNegatives > s.Errors.FalsePositives:
		s.Errors.Tendency = TendencyStrict
	default:
		s.Errors.Tendency = TendencyBalanced
	}
	return s
}

// BoundaryAnalysis describes how the history behaves near the threshold.
type BoundaryAnalysis struct {
	TotalInBoundary  int     `json:"total_in_boundary"`
	ErrorsInBoundary int     `json:"errors_in_boundary"`
	ErrorRate        float64 `json:"boundary_error_rate"`
}

// Bin is one histogram bucket.
type Bin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// Label renders the bucket as "low-high".
func (b Bin) Label() string {
	return fmt.Sprintf("%g-%g", b.Low, b.High)
}

// Visualization is chart-ready time series data for a history.
type Visualization struct {
	Timestamps      []time.Time      `json:"timestamps"`
	Scores          []float64        `json:"scores"`
	Predictions     []string         `json:"predictions"`
	Agreements      []bool           `json:"agreements"`
	Threshold       float64          `json:"threshold"`
	BoundaryLow     float64          `json:"boundary_low"`
	BoundaryHigh    float64          `json:"boundary_high"`
	RollingAccuracy []float64        `json:"rolling_accuracy"`
	Histogram       []Bin            `json:"score_distribution"`
	Boundary        BoundaryAnalysis `json:"boundary_analysis"`
}

// Visualize builds a Visualization for history against threshold.
func Visualize(history []Event, threshold, margin float64) Visualization {
	v := Visualization{
		Timestamps:      make([]time.Time, 0, len(history)),
		Scores:          make([]float64, 0, len(history)),
		Predictions:     make([]string, 0, len(history)),
		Agreements:      make([]bool, 0, len(history)),
		Threshold:       threshold,
		BoundaryLow:     threshold - margin,
		BoundaryHigh:    threshold + margin,
		RollingAccuracy: make([]float64, 0, len(history)),
		Histogram:       make([]Bin, len(HistogramBins)-1),
	}
	for i := range v.Histogram {
		v.Histogram[i] = Bin{Low: HistogramBins[i], High: HistogramBins[i+1]}
	}

	for i, e := range history {
		v.Timestamps = append(v.Timestamps, e.Time)
		v.Scores = append(v.Scores, e.Score)
		v.Predictions = append(v.Predictions, e.AIPrediction)
		v.Agreements = append(v.Agreements, e.HumanAgrees)

		start := i - RollingWindow + 1
		if start < 0 {
			start = 0
		}
		v.RollingAccuracy = append(v.RollingAccuracy, round3(agreementRate(history[start:i+1])))

		if b := binIndex(e.Score); b >= 0 {
			v.Histogram[b].Count++
		}

		if BoundaryEligible(e.Score, threshold, margin) {
			v.Boundary.TotalInBoundary++
			if !e.HumanAgrees {
				v.Boundary.ErrorsInBoundary++
			}
		}
	}
	if v.Boundary.TotalInBoundary > 0 {
		v.Boundary.ErrorRate = float64(v.Boundary.ErrorsInBoundary) / float64(v.Boundary.TotalInBoundary)
	}
	return v
}

func binIndex(score float64) int {
	last := len(HistogramBins) - 2
	for i := 0; i <= last; i++ {
		if score >= HistogramBins[i] && (score < HistogramBins[i+1] || (i == last && score <= HistogramBins[i+1])) {
			return i
		}
	}
	return -1
}

func agreementRate(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}
	n := 0
	for _, e := range events {
		if e.HumanAgrees {
			n++
		}
	}
	return float64(n) / float64(len(events))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
