package sentio

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/calibrate"
)

// Visualization is the per-event series and histogram view of a
// modality's feedback history.
type Visualization = calibrate.Visualization

// TuningReport summarizes a modality's feedback history next to its
// threshold status.
type TuningReport struct {
	Modality Modality          `json:"modality"`
	Feedback calibrate.Summary `json:"feedback"`
	Status   ThresholdStatus   `json:"threshold_status"`
}

// Tuner turns boundary feedback into threshold suggestions and applies them
// on operator request.
type Tuner struct {
	*core
	tuning Tuning
}

func newTuner(c *core, tuning Tuning) *Tuner {
	return &Tuner{core: c, tuning: tuning}
}

// Params returns the tuning parameters in effect for m.
func (t *Tuner) Params(m Modality) TuningParams {
	return t.tuning.For(m)
}

// OnFeedbackEvent runs inside the transaction that appended e. Once the
// active window holds at least MinSamples events it recomputes the
// suggestion and stores it with last_updated. The window is left as is.
// It returns the stored suggestion, or nil when the window is too small.
func (t *Tuner) OnFeedbackEvent(ctx context.Context, tx Backend, e *FeedbackEvent) (*float64, error) {
	p := t.tuning.For(e.Modality)

	window, err := tx.Window(ctx, e.Modality)
	if err != nil {
		return nil, err
	}
	if len(window) < p.MinSamples {
		return nil, nil
	}

	cfg, err := tx.GetConfig(ctx, e.Modality)
	if err != nil {
		return nil, err
	}
	suggested, ok := calibrate.Suggest(cfg.CurrentThreshold, samples(window), p)
	if !ok {
		return nil, nil
	}

	now := t.now()
	cfg.SuggestedThreshold = &suggested
	cfg.LastUpdated = &now
	if err := tx.Commit(ctx, cfg); err != nil {
		return nil, err
	}
	return &suggested, nil
}

// ApplySuggested makes the pending suggestion the current threshold,
// clears the suggestion and resets the active window, all in one
// transaction. It fails with ErrApplyRejected, leaving state untouched,
// when there is no suggestion or it is within ApplyEpsilon of the current
// threshold.
func (t *Tuner) ApplySuggested(ctx context.Context, m Modality) (*ThresholdConfig, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}
	p := t.tuning.For(m)

	var (
		applied  *ThresholdConfig
		previous float64
	)
	err := t.serialized(ctx, m, func(tx Backend) error {
		cfg, err := tx.GetConfig(ctx, m)
		if err != nil {
			return err
		}
		if err := calibrate.CanApply(cfg.CurrentThreshold, cfg.SuggestedThreshold, p.Epsilon()); err != nil {
			return fmt.Errorf("apply %s: %w: %w", m, ErrApplyRejected, err)
		}

		now := t.now()
		previous = cfg.CurrentThreshold
		cfg.CurrentThreshold = calibrate.Clamp(*cfg.SuggestedThreshold, 0, 1)
		cfg.SuggestedThreshold = nil
		cfg.LastUpdated = &now
		if err := tx.Commit(ctx, cfg); err != nil {
			return err
		}
		if err := tx.Reset(ctx, m); err != nil {
			return err
		}
		applied = cfg
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrApplyRejected) {
			t.metrics.RecordApply(string(m), "rejected")
			t.log.Info("threshold apply rejected", zap.String("modality", string(m)), zap.Error(err))
		}
		return nil, err
	}

	t.metrics.RecordApply(string(m), "applied")
	t.metrics.SetThreshold(string(m), applied.CurrentThreshold)
	t.log.Info("threshold applied",
		zap.String("modality", string(m)),
		zap.Float64("previous", previous),
		zap.Float64("threshold", applied.CurrentThreshold))
	return applied, nil
}

// ResetWindow empties the active window and discards any pending
// suggestion. The current threshold and the feedback history are kept.
func (t *Tuner) ResetWindow(ctx context.Context, m Modality) error {
	if !m.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}

	err := t.serialized(ctx, m, func(tx Backend) error {
		if err := tx.Reset(ctx, m); err != nil {
			return err
		}
		cfg, err := tx.GetConfig(ctx, m)
		if err != nil {
			return err
		}
		if cfg.SuggestedThreshold == nil {
			return nil
		}
		now := t.now()
		cfg.SuggestedThreshold = nil
		cfg.LastUpdated = &now
		return tx.Commit(ctx, cfg)
	})
	if err != nil {
		return err
	}

	t.log.Info("feedback window reset", zap.String("modality", string(m)))
	return nil
}

// Status reports the threshold state, window size and accuracy of m.
func (t *Tuner) Status(ctx context.Context, m Modality) (*ThresholdStatus, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}
	p := t.tuning.For(m)

	cfg, err := t.backend.GetConfig(ctx, m)
	if err != nil {
		return nil, err
	}
	window, err := t.backend.Window(ctx, m)
	if err != nil {
		return nil, err
	}
	acc, err := accuracy(ctx, t.backend, m)
	if err != nil {
		return nil, err
	}

	return &ThresholdStatus{
		Modality:           m,
		CurrentThreshold:   cfg.CurrentThreshold,
		SuggestedThreshold: cfg.SuggestedThreshold,
		LastUpdated:        cfg.LastUpdated,
		WindowSize:         len(window),
		MinSamples:         p.MinSamples,
		NeedsAdjustment:    calibrate.NeedsAdjustment(cfg.CurrentThreshold, cfg.SuggestedThreshold, p.Epsilon()),
		Accuracy:           acc,
	}, nil
}

// Summary reports accuracy, boundary errors and error tendency over the
// full feedback history of m.
func (t *Tuner) Summary(ctx context.Context, m Modality) (*TuningReport, error) {
	status, err := t.Status(ctx, m)
	if err != nil {
		return nil, err
	}
	history, err := t.backend.History(ctx, m)
	if err != nil {
		return nil, err
	}

	return &TuningReport{
		Modality: m,
		Feedback: calibrate.Summarize(reportEvents(history), status.CurrentThreshold, t.tuning.For(m).BoundaryMargin),
		Status:   *status,
	}, nil
}

// Visualization returns chart-ready series for the feedback history of m.
func (t *Tuner) Visualization(ctx context.Context, m Modality) (*Visualization, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}
	threshold, err := t.backend.GetThreshold(ctx, m)
	if err != nil {
		return nil, err
	}
	history, err := t.backend.History(ctx, m)
	if err != nil {
		return nil, err
	}

	v := calibrate.Visualize(reportEvents(history), threshold, t.tuning.For(m).BoundaryMargin)
	return &v, nil
}

func sample(e FeedbackEvent) calibrate.Sample {
	class, err := NormalizeLabel(e.AIPrediction)
	return calibrate.Sample{
		Score:       e.Score,
		Threshold:   e.CurrentThreshold,
		AIHealthy:   err == nil && class == ClassHealthy,
		HumanAgrees: e.HumanAgrees,
	}
}

func samples(events []FeedbackEvent) []calibrate.Sample {
	out := make([]calibrate.Sample, len(events))
	for i, e := range events {
		out[i] = sample(e)
	}
	return out
}

func reportEvents(events []FeedbackEvent) []calibrate.Event {
	out := make([]calibrate.Event, len(events))
	for i, e := range events {
		out[i] = calibrate.Event{Sample: sample(e), Time: e.Timestamp, AIPrediction: e.AIPrediction}
	}
	return out
}
