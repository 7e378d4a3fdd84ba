// Package calibrate holds the threshold tuning arithmetic: boundary
// eligibility, per-event direction, and the bounded suggestion step.
// It has no storage or locking concerns.
package calibrate

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// Tolerance absorbs floating point noise when comparing a score's distance
// to the boundary margin, so that 0.65 against 0.50 with margin 0.15 is inside.
const Tolerance = 1e-9

// Default tuning parameters.
const (
	DefaultBoundaryMargin = 0.15
	DefaultMinSamples     = 10
	DefaultLearningRate   = 0.1
	DefaultApplyEpsilon   = 0.01
)

// Params controls how a window of feedback becomes a suggestion.
// ApplyEpsilon is a pointer because zero is a valid setting: nil means the
// default.
type Params struct {
	BoundaryMargin float64  `yaml:"boundary_margin" json:"boundary_margin"`
	MinSamples     int      `yaml:"min_samples" json:"min_samples"`
	LearningRate   float64  `yaml:"learning_rate" json:"learning_rate"`
	ApplyEpsilon   *float64 `yaml:"apply_epsilon" json:"apply_epsilon"`
}

// DefaultParams returns the standard tuning parameters.
func DefaultParams() Params {
	eps := DefaultApplyEpsilon
	return Params{
		BoundaryMargin: DefaultBoundaryMargin,
		MinSamples:     DefaultMinSamples,
		LearningRate:   DefaultLearningRate,
		ApplyEpsilon:   &eps,
	}
}

// Epsilon returns the apply epsilon, or the default when unset.
func (p Params) Epsilon() float64 {
	if p.ApplyEpsilon == nil {
		return DefaultApplyEpsilon
	}
	return *p.ApplyEpsilon
}

// WithDefaults fills unset fields from DefaultParams. Zero margin, sample
// count and learning rate are unusable, so zero counts as unset for them.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.BoundaryMargin == 0 {
		p.BoundaryMargin = d.BoundaryMargin
	}
	if p.MinSamples == 0 {
		p.MinSamples = d.MinSamples
	}
	if p.LearningRate == 0 {
		p.LearningRate = d.LearningRate
	}
	if p.ApplyEpsilon == nil {
		p.ApplyEpsilon = d.ApplyEpsilon
	}
	return p
}

// UnmarshalYAML fills keys missing from the document with defaults and
// rejects values that are present but unusable, such as a zero margin.
func (p *Params) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BoundaryMargin *float64 `yaml:"boundary_margin"`
		MinSamples     *int     `yaml:"min_samples"`
		LearningRate   *float64 `yaml:"learning_rate"`
		ApplyEpsilon   *float64 `yaml:"apply_epsilon"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	out := DefaultParams()
	if raw.BoundaryMargin != nil {
		out.BoundaryMargin = *raw.BoundaryMargin
	}
	if raw.MinSamples != nil {
		out.MinSamples = *raw.MinSamples
	}
	if raw.LearningRate != nil {
		out.LearningRate = *raw.LearningRate
	}
	if raw.ApplyEpsilon != nil {
		out.ApplyEpsilon = raw.ApplyEpsilon
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*p = out
	return nil
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	switch {
	case p.BoundaryMargin <= 0 || p.BoundaryMargin > 1 || math.IsNaN(p.BoundaryMargin):
		return fmt.Errorf("boundary_margin must be in (0, 1], got %v", p.BoundaryMargin)
	case p.MinSamples < 1:
		return fmt.Errorf("min_samples must be at least 1, got %d", p.MinSamples)
	case p.LearningRate <= 0 || math.IsNaN(p.LearningRate):
		return fmt.Errorf("learning_rate must be positive, got %v", p.LearningRate)
	case p.ApplyEpsilon != nil && (*p.ApplyEpsilon < 0 || math.IsNaN(*p.ApplyEpsilon)):
		return fmt.Errorf("apply_epsilon must be non-negative, got %v", *p.ApplyEpsilon)
	}
	return nil
}

// Direction is the nudge a single feedback event asks for.
type Direction int

const (
	Lower Direction = -1
	Hold  Direction = 0
	Raise Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Raise:
		return "raise"
	case Lower:
		return "lower"
	}
	return "hold"
}

// Sample is the tuning view of one feedback event.
type Sample struct {
	Score     float64
	Threshold float64
	// AIHealthy is true when the classifier predicted the healthy class.
	AIHealthy   bool
	HumanAgrees bool
}

// Direction returns +1 when the classifier called a sick sample healthy
// (threshold too lenient), -1 when it called a healthy sample sick, and 0
// when the human agreed.
func (s Sample) Direction() Direction {
	if s.HumanAgrees {
		return Hold
	}
	if s.AIHealthy {
		return Raise
	}
	return Lower
}

// BoundaryEligible reports whether score is within margin of threshold.
func BoundaryEligible(score, threshold, margin float64) bool {
	return math.Abs(score-threshold) <= margin+Tolerance
}

// NetDirection is (raises - lowers) / len(window), in [-1, 1].
func NetDirection(window []Sample) float64 {
	if len(window) == 0 {
		return 0
	}
	var net int
	for _, s := range window {
		net += int(s.Direction())
	}
	return float64(net) / float64(len(window))
}

// Suggest computes the suggested threshold for the window. ok is false when
// the window is smaller than p.MinSamples, in which case no suggestion
// should be stored.
func Suggest(current float64, window []Sample, p Params) (suggested float64, ok bool) {
	if len(window) < p.MinSamples {
		return 0, false
	}
	adj := p.LearningRate * NetDirection(window) * p.BoundaryMargin
	return Clamp(current+adj, 0, 1), true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ErrNoSuggestion and ErrBelowEpsilon describe why a suggestion cannot be applied.
var (
	ErrNoSuggestion = errors.New("no suggestion pending")
	ErrBelowEpsilon = errors.New("suggestion within epsilon of current threshold")
)

// CanApply checks whether suggested differs from current by more than eps.
func CanApply(current float64, suggested *float64, eps float64) error {
	if suggested == nil {
		return ErrNoSuggestion
	}
	if math.Abs(*suggested-current) <= eps {
		return fmt.Errorf("%w: |%.4f - %.4f| <= %.4f", ErrBelowEpsilon, *suggested, current, eps)
	}
	return nil
}

// NeedsAdjustment is the report-friendly form of CanApply.
func NeedsAdjustment(current float64, suggested *float64, eps float64) bool {
	return CanApply(current, suggested, eps) == nil
}
