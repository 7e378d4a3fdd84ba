package sentio

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/hyperengineering/sentio/internal/metrics"
)

// faultyBackend wraps a real backend and injects errors into the writes made
// inside its transactions.
type faultyBackend struct {
	Backend
	commitErr func(n int32) error
	appendErr error
	resetErr  error
	lockErr   error
	commits   atomic.Int32
	atomics   atomic.Int32
}

func (f *faultyBackend) Atomic(ctx context.Context, fn func(tx Backend) error) error {
	f.atomics.Add(1)
	return f.Backend.Atomic(ctx, func(tx Backend) error {
		return fn(&faultyTx{Backend: tx, parent: f})
	})
}

type faultyTx struct {
	Backend
	parent *faultyBackend
}

func (t *faultyTx) Commit(ctx context.Context, cfg *ThresholdConfig) error {
	n := t.parent.commits.Add(1)
	if t.parent.commitErr != nil {
		if err := t.parent.commitErr(n); err != nil {
			return err
		}
	}
	return t.Backend.Commit(ctx, cfg)
}

func (t *faultyTx) Append(ctx context.Context, e *FeedbackEvent) error {
	if t.parent.appendErr != nil {
		return t.parent.appendErr
	}
	return t.Backend.Append(ctx, e)
}

func (t *faultyTx) LockConfig(ctx context.Context, m Modality) error {
	if t.parent.lockErr != nil {
		return t.parent.lockErr
	}
	return t.Backend.LockConfig(ctx, m)
}

func (t *faultyTx) Reset(ctx context.Context, m Modality) error {
	if t.parent.resetErr != nil {
		return t.parent.resetErr
	}
	return t.Backend.Reset(ctx, m)
}

type recordingPublisher struct {
	mu          sync.Mutex
	feedback    []any
	relocations []any
	err         error
}

func (p *recordingPublisher) PublishFeedback(_ context.Context, _ string, e any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedback = append(p.feedback, e)
	return p.err
}

func (p *recordingPublisher) PublishRelocation(_ context.Context, _ string, r any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relocations = append(p.relocations, r)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	backend  *faultyBackend
	pipeline *Pipeline
	tuner    *Tuner
	metrics  *metrics.Metrics
	events   *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, m := range Modalities() {
		if err := store.SeedThreshold(ctx, m, 0.5); err != nil {
			t.Fatal(err)
		}
	}

	fb := &faultyBackend{Backend: store}
	m := metrics.New(nil)
	pub := &recordingPublisher{}
	c := newCore(fb, zaptest.NewLogger(t), m, pub, 3)
	tuning := Tuning{}
	tuner := newTuner(c, tuning)
	ref := ReferenceConfig{Promote: []Modality{ModalityVision}}
	return &harness{
		backend:  fb,
		pipeline: newPipeline(c, tuner, ref),
		tuner:    tuner,
		metrics:  m,
		events:   pub,
	}
}

func (h *harness) fill(t *testing.T, m Modality, n int, aiLabel, humanLabel string, score float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		r, err := h.pipeline.Ingest(ctx, IngestParams{Modality: m, AIClassification: aiLabel, Confidence: score, OriginalFile: "clip.wav"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.pipeline.Validate(ctx, r.ID, humanLabel); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSerialized_RetriesVersionConflict(t *testing.T) {
	h := newHarness(t)
	h.fill(t, ModalityVision, 10, "HEALTHY", "SICK", 0.48)

	start := h.backend.commits.Load()
	h.backend.commitErr = func(n int32) error {
		if n == start+1 {
			return ErrVersionConflict
		}
		return nil
	}

	cfg, err := h.tuner.ApplySuggested(context.Background(), ModalityVision)
	if err != nil {
		t.Fatalf("ApplySuggested() error: %v", err)
	}
	if cfg.CurrentThreshold < 0.514 || cfg.CurrentThreshold > 0.516 {
		t.Errorf("CurrentThreshold = %v, want 0.515", cfg.CurrentThreshold)
	}
	if got := testutil.ToFloat64(h.metrics.VersionConflicts.WithLabelValues("vision")); got != 1 {
		t.Errorf("version conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.Applies.WithLabelValues("vision", "applied")); got != 1 {
		t.Errorf("applied = %v, want 1", got)
	}
}

func TestSerialized_GivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	h.fill(t, ModalityVision, 10, "HEALTHY", "SICK", 0.48)

	h.backend.commitErr = func(int32) error { return ErrVersionConflict }
	before := h.backend.atomics.Load()

	_, err := h.tuner.ApplySuggested(context.Background(), ModalityVision)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("ApplySuggested() error = %v, want ErrVersionConflict", err)
	}
	if attempts := h.backend.atomics.Load() - before; attempts != 4 {
		t.Errorf("attempts = %d, want 1 + 3 retries", attempts)
	}

	h.backend.commitErr = nil
	st, err := h.tuner.Status(context.Background(), ModalityVision)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentThreshold != 0.5 || st.WindowSize != 10 || st.SuggestedThreshold == nil {
		t.Errorf("failed apply changed state: %+v", st)
	}
}

func TestSerialized_StorageErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	h.fill(t, ModalityVision, 10, "HEALTHY", "SICK", 0.48)

	h.backend.commitErr = func(int32) error { return storageErr("commit", errors.New("disk full")) }
	before := h.backend.atomics.Load()

	_, err := h.tuner.ApplySuggested(context.Background(), ModalityVision)
	if !IsStorageFailure(err) {
		t.Fatalf("ApplySuggested() error = %v, want storage failure", err)
	}
	if attempts := h.backend.atomics.Load() - before; attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestValidate_RollsBackOnAppendFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityAudio, AIClassification: "NORMAL", Confidence: 0.45, OriginalFile: "a.wav"})
	if err != nil {
		t.Fatal(err)
	}

	h.backend.appendErr = storageErr("append feedback", errors.New("io error"))
	if _, err := h.pipeline.Validate(ctx, r.ID, "DISTRESS"); !IsStorageFailure(err) {
		t.Fatalf("Validate() error = %v, want storage failure", err)
	}

	got, err := h.pipeline.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pending() {
		t.Error("record validated although the feedback append failed")
	}
	if len(h.events.relocations) != 0 || len(h.events.feedback) != 0 {
		t.Error("events published for a rolled back validation")
	}

	h.backend.appendErr = nil
	if _, err := h.pipeline.Validate(ctx, r.ID, "DISTRESS"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestApplySuggested_RollsBackOnResetFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fill(t, ModalityAudio, 10, "NORMAL", "DISTRESS", 0.5)

	h.backend.resetErr = storageErr("reset", errors.New("boom"))
	if _, err := h.tuner.ApplySuggested(ctx, ModalityAudio); !IsStorageFailure(err) {
		t.Fatalf("ApplySuggested() error = %v, want storage failure", err)
	}

	cfg, err := h.backend.GetConfig(ctx, ModalityAudio)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CurrentThreshold != 0.5 {
		t.Errorf("CurrentThreshold = %v, want 0.5", cfg.CurrentThreshold)
	}
	if cfg.SuggestedThreshold == nil || *cfg.SuggestedThreshold < 0.5149 || *cfg.SuggestedThreshold > 0.5151 {
		t.Errorf("SuggestedThreshold = %v, want 0.515 kept", cfg.SuggestedThreshold)
	}
	window, err := h.backend.Window(ctx, ModalityAudio)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 10 {
		t.Errorf("window size = %d, want 10", len(window))
	}

	h.backend.resetErr = nil
	applied, err := h.tuner.ApplySuggested(ctx, ModalityAudio)
	if err != nil {
		t.Fatalf("apply after failure: %v", err)
	}
	if applied.CurrentThreshold < 0.5149 || applied.CurrentThreshold > 0.5151 {
		t.Errorf("applied threshold = %v, want 0.515", applied.CurrentThreshold)
	}
}

func TestValidate_LocksConfigBeforeWriting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityAudio, AIClassification: "NORMAL", Confidence: 0.45, OriginalFile: "a.wav"})
	if err != nil {
		t.Fatal(err)
	}

	h.backend.lockErr = storageErr("lock threshold config", errors.New("lock timeout"))
	if _, err := h.pipeline.Validate(ctx, r.ID, "DISTRESS"); !IsStorageFailure(err) {
		t.Fatalf("Validate() error = %v, want storage failure", err)
	}
	if _, err := h.tuner.ApplySuggested(ctx, ModalityAudio); !IsStorageFailure(err) {
		t.Errorf("ApplySuggested() error = %v, want storage failure", err)
	}

	got, err := h.pipeline.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pending() {
		t.Error("record validated without holding the config lock")
	}
	history, err := h.backend.History(ctx, ModalityAudio)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history = %+v, want no events", history)
	}
}

func TestValidate_PublishesAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	near, _ := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityVision, AIClassification: "SICK", Confidence: 0.52, OriginalFile: "n.jpg", StoragePath: "s3://bucket/n.jpg"})
	far, _ := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityVision, AIClassification: "SICK", Confidence: 0.05, OriginalFile: "f.jpg"})

	if _, err := h.pipeline.Validate(ctx, near.ID, "HEALTHY"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pipeline.Validate(ctx, far.ID, "SICK"); err != nil {
		t.Fatal(err)
	}

	if len(h.events.feedback) != 1 {
		t.Errorf("feedback published %d times, want 1", len(h.events.feedback))
	}
	if len(h.events.relocations) != 2 {
		t.Fatalf("relocations published %d times, want 2", len(h.events.relocations))
	}
	rel := h.events.relocations[0].(Relocation)
	if rel.Destination != ClassHealthy || rel.StoragePath != "s3://bucket/n.jpg" {
		t.Errorf("relocation = %+v", rel)
	}
}

func TestValidate_PublishFailureKeepsCommit(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("broker down")
	ctx := context.Background()

	r, _ := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityVision, AIClassification: "SICK", Confidence: 0.5, OriginalFile: "x.jpg"})
	res, err := h.pipeline.Validate(ctx, r.ID, "SICK")
	if err != nil {
		t.Fatalf("Validate() error = %v, want publish failure ignored", err)
	}
	if res.Event == nil || res.Event.ID == 0 {
		t.Errorf("feedback event not stored: %+v", res.Event)
	}
}

func TestValidate_PromotesOnlyWithFeatures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plain, _ := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityVision, AIClassification: "SICK", Confidence: 0.9, OriginalFile: "p.jpg"})
	rich, _ := h.pipeline.Ingest(ctx, IngestParams{
		Modality: ModalityVision, AIClassification: "SICK", Confidence: 0.9, OriginalFile: "r.jpg",
		Features: map[string]any{"aspect_ratio": 1.2, "label_note": "wing droop"},
	})

	res, err := h.pipeline.Validate(ctx, plain.ID, "SICK")
	if err != nil || res.Promoted {
		t.Errorf("record without comparison features promoted: %v %+v", err, res)
	}
	res, err = h.pipeline.Validate(ctx, rich.ID, "HEALTHY")
	if err != nil || !res.Promoted {
		t.Fatalf("record with features not promoted: %v %+v", err, res)
	}

	refs, err := h.backend.ListReferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Classification != ClassHealthy || refs[0].Filename != rich.StagedFile {
		t.Errorf("references = %+v", refs)
	}
}

func TestTuner_BoundaryUsesThresholdAtValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fill(t, ModalityVision, 10, "HEALTHY", "SICK", 0.6)
	if _, err := h.tuner.ApplySuggested(ctx, ModalityVision); err != nil {
		t.Fatal(err)
	}

	r, _ := h.pipeline.Ingest(ctx, IngestParams{Modality: ModalityVision, AIClassification: "HEALTHY", Confidence: 0.665, OriginalFile: "edge.jpg"})
	res, err := h.pipeline.Validate(ctx, r.ID, "SICK")
	if err != nil {
		t.Fatal(err)
	}
	if res.Event == nil {
		t.Fatal("0.665 is within margin of the applied 0.515 threshold")
	}
	if res.Event.CurrentThreshold < 0.514 || res.Event.CurrentThreshold > 0.516 {
		t.Errorf("event threshold = %v, want the applied 0.515", res.Event.CurrentThreshold)
	}
}

func TestTuner_SuggestionUpdatesLastUpdated(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.tuner.now = func() time.Time { return fixed }

	h.fill(t, ModalityAudio, 10, "DISTRESS", "NORMAL", 0.5)

	cfg, err := h.backend.GetConfig(context.Background(), ModalityAudio)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LastUpdated == nil || !cfg.LastUpdated.Equal(fixed) {
		t.Errorf("LastUpdated = %v, want %v", cfg.LastUpdated, fixed)
	}
	if cfg.SuggestedThreshold == nil || *cfg.SuggestedThreshold > 0.4851 || *cfg.SuggestedThreshold < 0.4849 {
		t.Errorf("SuggestedThreshold = %v, want 0.485", cfg.SuggestedThreshold)
	}
}

func TestStagedName(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := stagedName(ts, "hen.jpg"); got != "20250304_050607_hen.jpg" {
		t.Errorf("stagedName() = %q", got)
	}
	if got := withSuffix("20250304_050607_hen.jpg", "01JABCDEFGHJKMNPQRSTVWXYZ"); got != "20250304_050607_hen_rstvwxyz.jpg" {
		t.Errorf("withSuffix() = %q", got)
	}
	if got := withSuffix("noext", "AB"); got != "noext_ab" {
		t.Errorf("withSuffix() without extension = %q", got)
	}
}
