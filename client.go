package sentio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/events"
	"github.com/hyperengineering/sentio/internal/metrics"
	"github.com/hyperengineering/sentio/internal/reference"
)

// ReferenceStats summarizes the reference set.
type ReferenceStats = reference.Stats

// ReferenceMatch is the nearest-neighbour comparison of a feature set
// against the reference set.
type ReferenceMatch = reference.Adjustment

// HealthStatus reports whether the client's backend is usable.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	StoreOK bool   `json:"store_ok"`
	Events  bool   `json:"events_enabled"`
	Error   string `json:"error,omitempty"`
}

// Client is the main interface for reviewing predictions and tuning
// thresholds. It is safe for concurrent use.
type Client struct {
	Pipeline *Pipeline
	Tuner    *Tuner

	core     *core
	session  *Session
	comparer *reference.Comparer
	config   Config
	metrics  *metrics.Metrics
	ownsDB   bool

	mu     sync.Mutex
	closed bool
}

// New creates a new Sentio client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	backend := cfg.Backend
	ownsDB := false
	if backend == nil {
		if cfg.Driver == DriverPostgres {
			return nil, &ValidationError{Field: "Backend", Message: "postgres backend must be opened by the caller"}
		}
		store, err := NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		backend = store
		ownsDB = true
	}

	ctx := context.Background()
	for _, m := range Modalities() {
		v, ok := cfg.Thresholds[m]
		if !ok {
			continue
		}
		if err := backend.SeedThreshold(ctx, m, v); err != nil {
			if ownsDB {
				backend.Close()
			}
			return nil, fmt.Errorf("client: seed %s threshold: %w", m, err)
		}
	}

	m := metrics.New(cfg.Registerer)
	publisher := events.New(&cfg.Events, log, m)

	c := newCore(backend, log.Named("sentio"), m, publisher, cfg.MaxRetries)
	tuner := newTuner(c, cfg.Tuning)

	client := &Client{
		Pipeline: newPipeline(c, tuner, cfg.Reference),
		Tuner:    tuner,
		core:     c,
		session:  NewSession(),
		comparer: reference.NewComparer(cfg.Reference.Comparison),
		config:   cfg,
		metrics:  m,
		ownsDB:   ownsDB,
	}

	if configs, err := backend.ListConfigs(ctx); err == nil {
		for _, tc := range configs {
			m.SetThreshold(string(tc.Modality), tc.CurrentThreshold)
		}
	}

	return client, nil
}

// Config returns the resolved configuration.
func (c *Client) Config() Config { return c.config }

// Backend returns the persistence backend.
func (c *Client) Backend() Backend { return c.core.backend }

// Session returns the review session used to number pending records.
func (c *Client) Session() *Session { return c.session }

// Ingest stages a new prediction for review.
func (c *Client) Ingest(ctx context.Context, params IngestParams) (*StagingRecord, error) {
	return c.Pipeline.Ingest(ctx, params)
}

// Pending lists records awaiting review and numbers them in the session.
func (c *Client) Pending(ctx context.Context, m Modality) ([]StagingRecord, map[string]string, error) {
	records, err := c.Pipeline.List(ctx, RecordFilter{Modality: m, PendingOnly: true})
	if err != nil {
		return nil, nil, err
	}
	refs := make(map[string]string, len(records))
	for i := range records {
		refs[c.session.Track(&records[i])] = records[i].ID
	}
	return records, refs, nil
}

// Get returns a record by ID or session reference. Filename fragments are
// not resolved here; interactive callers use Session().Resolve first.
func (c *Client) Get(ctx context.Context, ref string) (*StagingRecord, error) {
	return c.Pipeline.Get(ctx, c.session.ResolveRef(ref))
}

// Validate records the human label for a record given by ID or session
// reference.
func (c *Client) Validate(ctx context.Context, ref, label string) (*ValidationResult, error) {
	return c.Pipeline.Validate(ctx, c.session.ResolveRef(ref), label)
}

// Confirm validates a record with the classifier's label.
func (c *Client) Confirm(ctx context.Context, ref string) (*ValidationResult, error) {
	return c.Pipeline.Confirm(ctx, c.session.ResolveRef(ref))
}

// Reject validates a record with the opposite of the classifier's label.
func (c *Client) Reject(ctx context.Context, ref string) (*ValidationResult, error) {
	return c.Pipeline.Reject(ctx, c.session.ResolveRef(ref))
}

// Accuracy returns the agreement rate for m.
func (c *Client) Accuracy(ctx context.Context, m Modality) (Accuracy, error) {
	return c.Pipeline.Accuracy(ctx, m)
}

// Stats summarizes the staging pipeline.
func (c *Client) Stats(ctx context.Context) (*PipelineStats, error) {
	return c.Pipeline.Stats(ctx)
}

// Thresholds returns the threshold status of every modality.
func (c *Client) Thresholds(ctx context.Context) ([]ThresholdStatus, error) {
	out := make([]ThresholdStatus, 0, len(Modalities()))
	for _, m := range Modalities() {
		st, err := c.Tuner.Status(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

// ThresholdStatus returns the tuning state of m.
func (c *Client) ThresholdStatus(ctx context.Context, m Modality) (*ThresholdStatus, error) {
	return c.Tuner.Status(ctx, m)
}

// ApplySuggested commits the pending suggestion for m.
func (c *Client) ApplySuggested(ctx context.Context, m Modality) (*ThresholdConfig, error) {
	return c.Tuner.ApplySuggested(ctx, m)
}

// ResetWindow clears the feedback window and suggestion for m.
func (c *Client) ResetWindow(ctx context.Context, m Modality) error {
	return c.Tuner.ResetWindow(ctx, m)
}

// Summary reports on the feedback history of m.
func (c *Client) Summary(ctx context.Context, m Modality) (*TuningReport, error) {
	return c.Tuner.Summary(ctx, m)
}

// Visualization returns chart-ready series for the feedback history of m.
func (c *Client) Visualization(ctx context.Context, m Modality) (*Visualization, error) {
	return c.Tuner.Visualization(ctx, m)
}

// References lists the reference set.
func (c *Client) References(ctx context.Context) ([]ReferenceSample, error) {
	return c.core.backend.ListReferences(ctx)
}

// ReferenceStats reports reference set counts and activation status.
func (c *Client) ReferenceStats(ctx context.Context) (*ReferenceStats, error) {
	samples, err := c.referenceSamples(ctx)
	if err != nil {
		return nil, err
	}
	st := c.comparer.Stats(samples)
	return &st, nil
}

// MatchReference compares features against the reference set.
func (c *Client) MatchReference(ctx context.Context, features map[string]any) (*ReferenceMatch, error) {
	samples, err := c.referenceSamples(ctx)
	if err != nil {
		return nil, err
	}
	adj := c.comparer.Adjust(features, samples)
	return &adj, nil
}

func (c *Client) referenceSamples(ctx context.Context) ([]reference.Sample, error) {
	refs, err := c.core.backend.ListReferences(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]reference.Sample, len(refs))
	for i, r := range refs {
		out[i] = reference.Sample{Filename: r.Filename, Label: string(r.Classification), Features: r.Features}
	}
	return out, nil
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, StoreOK: true}
	if p, ok := c.core.events.(*events.Publisher); ok {
		status.Events = p.Enabled()
	}

	if _, err := c.core.backend.ListConfigs(ctx); err != nil {
		status.Healthy = false
		status.StoreOK = false
		status.Error = err.Error()
	}
	return status
}

// Close releases the publisher and, when the client opened it, the backend.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.core.events != nil {
		errs = append(errs, c.core.events.Close())
	}
	if c.ownsDB {
		errs = append(errs, c.core.backend.Close())
	}
	return errors.Join(errs...)
}
