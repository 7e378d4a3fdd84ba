package sentio

import (
	"context"
	"time"
)

// RecordStore persists staging records.
type RecordStore interface {
	InsertRecord(ctx context.Context, r *StagingRecord) error
	GetRecord(ctx context.Context, id string) (*StagingRecord, error)
	StagedFileExists(ctx context.Context, stagedFile string) (bool, error)
	// MarkValidated performs the one-way pending to validated transition.
	// It returns ErrValidationConflict if the record is already validated.
	MarkValidated(ctx context.Context, id string, agrees bool, final string, at time.Time) error
	ListRecords(ctx context.Context, f RecordFilter) ([]StagingRecord, error)
	ValidationCounts(ctx context.Context, m Modality) (validated, agreed int, err error)
	RecordStats(ctx context.Context) (*PipelineStats, error)
}

// ConfigStore holds the per-modality threshold state.
type ConfigStore interface {
	GetThreshold(ctx context.Context, m Modality) (float64, error)
	GetSuggestion(ctx context.Context, m Modality) (*float64, error)
	GetConfig(ctx context.Context, m Modality) (*ThresholdConfig, error)
	ListConfigs(ctx context.Context) ([]ThresholdConfig, error)
	// LockConfig holds m's config row until the enclosing transaction ends,
	// so writers of one modality from any process run one at a time.
	LockConfig(ctx context.Context, m Modality) error
	// Commit writes cfg if the stored version still equals cfg.Version,
	// then increments cfg.Version. Otherwise it returns ErrVersionConflict.
	Commit(ctx context.Context, cfg *ThresholdConfig) error
	// SeedThreshold overrides the initial threshold of a row that has never
	// been committed.
	SeedThreshold(ctx context.Context, m Modality, threshold float64) error
}

// EventLog is the append-only feedback history with a per-modality
// active window.
type EventLog interface {
	// Append stores e and assigns e.ID.
	Append(ctx context.Context, e *FeedbackEvent) error
	// Window returns events since the last reset, oldest first.
	Window(ctx context.Context, m Modality) ([]FeedbackEvent, error)
	// Reset empties the active window. History is kept.
	Reset(ctx context.Context, m Modality) error
	// History returns every event for m, oldest first.
	History(ctx context.Context, m Modality) ([]FeedbackEvent, error)
}

// ReferenceStore holds verified samples used for similarity comparison.
type ReferenceStore interface {
	// AddReference inserts s unless (filename, classification) already
	// exists. It reports whether a row was inserted.
	AddReference(ctx context.Context, s *ReferenceSample) (bool, error)
	ListReferences(ctx context.Context) ([]ReferenceSample, error)
}

// MetadataStore holds store-level key/value metadata.
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Backend is a complete persistence backend.
type Backend interface {
	RecordStore
	ConfigStore
	EventLog
	ReferenceStore
	MetadataStore

	// Atomic runs fn in a single transaction. Every write made through tx
	// is committed together or not at all. Nested calls on tx run inline.
	Atomic(ctx context.Context, fn func(tx Backend) error) error
	Close() error
}
