package sentio

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/calibrate"
	"github.com/hyperengineering/sentio/internal/reference"
)

// stagedTimeLayout prefixes staged filenames.
const stagedTimeLayout = "20060102_150405"

// Pipeline owns the pending to validated lifecycle of staging records.
type Pipeline struct {
	*core
	tuner     *Tuner
	reference ReferenceConfig
}

func newPipeline(c *core, tuner *Tuner, ref ReferenceConfig) *Pipeline {
	return &Pipeline{core: c, tuner: tuner, reference: ref}
}

// Ingest stages a new prediction for human review.
func (p *Pipeline) Ingest(ctx context.Context, params IngestParams) (*StagingRecord, error) {
	if !params.Modality.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, params.Modality)
	}
	if math.IsNaN(params.Confidence) || params.Confidence < 0 || params.Confidence > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidScore, params.Confidence)
	}
	if _, err := NormalizeLabel(params.AIClassification); err != nil {
		return nil, err
	}
	name := filepath.Base(strings.TrimSpace(params.OriginalFile))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: original_file is required", ErrInvalidRecord)
	}

	now := p.now()
	r := &StagingRecord{
		ID:               ulid.Make().String(),
		Timestamp:        now,
		OriginalFile:     params.OriginalFile,
		OriginalPath:     params.OriginalPath,
		StagedFile:       stagedName(now, name),
		StoragePath:      params.StoragePath,
		Modality:         params.Modality,
		AIClassification: params.AIClassification,
		Confidence:       params.Confidence,
		Features:         params.Features,
	}

	err := p.backend.Atomic(ctx, func(tx Backend) error {
		exists, err := tx.StagedFileExists(ctx, r.StagedFile)
		if err != nil {
			return err
		}
		if exists {
			r.StagedFile = withSuffix(r.StagedFile, r.ID)
		}
		return tx.InsertRecord(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordIngest(string(r.Modality))
	p.log.Debug("record staged",
		zap.String("record_id", r.ID),
		zap.String("modality", string(r.Modality)),
		zap.String("staged_file", r.StagedFile),
		zap.Float64("score", r.Confidence))
	return r, nil
}

// Validate records the human label for a pending record. In one atomic unit
// it marks the record validated, and when the score lies within the
// boundary margin of the current threshold it appends a feedback event and
// hands it to the tuner. Validating a record twice fails with
// ErrValidationConflict and changes nothing.
func (p *Pipeline) Validate(ctx context.Context, id, humanLabel string) (*ValidationResult, error) {
	human, err := NormalizeLabel(humanLabel)
	if err != nil {
		return nil, err
	}

	// The modality picks the critical section, so look the record up first.
	pre, err := p.backend.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pre.Pending() {
		return nil, fmt.Errorf("record %s: %w", id, ErrValidationConflict)
	}

	var res *ValidationResult
	err = p.serialized(ctx, pre.Modality, func(tx Backend) error {
		res = nil

		r, err := tx.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		ai, err := NormalizeLabel(r.AIClassification)
		agrees := err == nil && ai == human

		now := p.now()
		if err := tx.MarkValidated(ctx, id, agrees, humanLabel, now); err != nil {
			return err
		}
		r.HumanValidated = true
		r.HumanAgrees = &agrees
		r.FinalClassification = &humanLabel
		r.ValidatedAt = &now

		res = &ValidationResult{
			Record:              r,
			HumanAgrees:         agrees,
			FinalClassification: humanLabel,
			Destination:         human,
		}

		threshold, err := tx.GetThreshold(ctx, r.Modality)
		if err != nil {
			return err
		}
		margin := p.tuner.Params(r.Modality).BoundaryMargin
		if calibrate.BoundaryEligible(r.Confidence, threshold, margin) {
			event := &FeedbackEvent{
				Modality:         r.Modality,
				Timestamp:        now,
				Score:            r.Confidence,
				AIPrediction:     r.AIClassification,
				HumanAgrees:      agrees,
				CurrentThreshold: threshold,
			}
			if err := tx.Append(ctx, event); err != nil {
				return err
			}
			suggestion, err := p.tuner.OnFeedbackEvent(ctx, tx, event)
			if err != nil {
				return err
			}
			res.Event = event
			res.Suggestion = suggestion
		}

		if p.reference.Promotes(r.Modality) {
			if features := reference.ComparisonFeatures(r.Features); features != nil {
				inserted, err := tx.AddReference(ctx, &ReferenceSample{
					ID:             ulid.Make().String(),
					Filename:       r.StagedFile,
					Classification: human,
					Features:       r.Features,
					AddedAt:        now,
				})
				if err != nil {
					return err
				}
				res.Promoted = inserted
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := string(res.Record.Modality)
	p.metrics.RecordValidation(m, res.HumanAgrees)
	fields := []zap.Field{
		zap.String("record_id", id),
		zap.String("modality", m),
		zap.Bool("agrees", res.HumanAgrees),
		zap.Float64("score", res.Record.Confidence),
	}
	if res.Event != nil {
		p.metrics.RecordFeedback(m)
		fields = append(fields, zap.Int64("event_id", res.Event.ID), zap.Float64("threshold", res.Event.CurrentThreshold))
	}
	if res.Suggestion != nil {
		p.metrics.RecordSuggestion(m, *res.Suggestion)
		fields = append(fields, zap.Float64("suggested", *res.Suggestion))
	}
	p.log.Info("record validated", fields...)

	p.publishFeedback(ctx, res.Event)
	p.publishRelocation(ctx, Relocation{
		RecordID:    res.Record.ID,
		Modality:    res.Record.Modality,
		StagedFile:  res.Record.StagedFile,
		StoragePath: res.Record.StoragePath,
		Destination: res.Destination,
		ValidatedAt: *res.Record.ValidatedAt,
	})
	return res, nil
}

// Confirm validates a record with the classifier's own label.
func (p *Pipeline) Confirm(ctx context.Context, id string) (*ValidationResult, error) {
	r, err := p.backend.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Validate(ctx, id, r.AIClassification)
}

// Reject validates a record with the opposite of the classifier's label.
func (p *Pipeline) Reject(ctx context.Context, id string) (*ValidationResult, error) {
	r, err := p.backend.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	label, err := FlipLabel(r.AIClassification)
	if err != nil {
		return nil, err
	}
	return p.Validate(ctx, id, label)
}

// Accuracy is agreed / validated over every record of m. Rate is nil when
// nothing has been validated yet.
func (p *Pipeline) Accuracy(ctx context.Context, m Modality) (Accuracy, error) {
	if !m.IsValid() {
		return Accuracy{}, fmt.Errorf("%w: %q", ErrInvalidModality, m)
	}
	return accuracy(ctx, p.backend, m)
}

// Pending lists records awaiting review, oldest first.
func (p *Pipeline) Pending(ctx context.Context) ([]StagingRecord, error) {
	return p.backend.ListRecords(ctx, RecordFilter{PendingOnly: true})
}

// List returns records matching f, oldest first.
func (p *Pipeline) List(ctx context.Context, f RecordFilter) ([]StagingRecord, error) {
	if f.Modality != "" && !f.Modality.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, f.Modality)
	}
	return p.backend.ListRecords(ctx, f)
}

// Get returns a record by ID.
func (p *Pipeline) Get(ctx context.Context, id string) (*StagingRecord, error) {
	return p.backend.GetRecord(ctx, id)
}

// Stats summarizes the staging pipeline.
func (p *Pipeline) Stats(ctx context.Context) (*PipelineStats, error) {
	return p.backend.RecordStats(ctx)
}

func accuracy(ctx context.Context, rs RecordStore, m Modality) (Accuracy, error) {
	validated, agreed, err := rs.ValidationCounts(ctx, m)
	if err != nil {
		return Accuracy{}, err
	}
	acc := Accuracy{Modality: m, Validated: validated, Agreed: agreed}
	if validated > 0 {
		rate := float64(agreed) / float64(validated)
		acc.Rate = &rate
	}
	return acc, nil
}

// stagedName is "<YYYYmmdd_HHMMSS>_<name>".
func stagedName(t time.Time, name string) string {
	return t.Format(stagedTimeLayout) + "_" + name
}

// withSuffix inserts the tail of id before the extension of name.
func withSuffix(name, id string) string {
	ext := filepath.Ext(name)
	tail := strings.ToLower(id)
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return strings.TrimSuffix(name, ext) + "_" + tail + ext
}
