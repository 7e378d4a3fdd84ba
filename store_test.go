package sentio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, m Modality, label string, conf float64) *StagingRecord {
	return &StagingRecord{
		ID:               id,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OriginalFile:     id + ".jpg",
		StagedFile:       "20260301_120000_" + id + ".jpg",
		Modality:         m,
		AIClassification: label,
		Confidence:       conf,
		Features:         map[string]any{"aspect_ratio": 1.2},
	}
}

// TestNewStore_CreatesAllTables verifies that NewStore creates every table.
func TestNewStore_CreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	tables := []string{"staging_records", "threshold_feedback", "threshold_config", "metadata", "reference_samples", "feedback_windows"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewStore_CreatesIndexes(t *testing.T) {
	store := newTestStore(t)

	expectedIndexes := []string{
		"idx_staging_records_validated",
		"idx_staging_records_timestamp",
		"idx_threshold_feedback_modality",
		"idx_reference_samples_classification",
	}
	for _, idx := range expectedIndexes {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
			idx,
		).Scan(&name)
		if err != nil {
			t.Errorf("index %q not found: %v", idx, err)
		}
	}
}

// TestNewStore_EnablesWAL verifies that WAL mode is enabled after initialization.
func TestNewStore_EnablesWAL(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestNewStore_SeedsThresholds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for m, want := range map[Modality]float64{ModalityVision: 0.676, ModalityAudio: 0.5} {
		cfg, err := store.GetConfig(ctx, m)
		if err != nil {
			t.Fatalf("GetConfig(%s): %v", m, err)
		}
		if cfg.CurrentThreshold != want {
			t.Errorf("%s threshold = %v, want %v", m, cfg.CurrentThreshold, want)
		}
		if cfg.SuggestedThreshold != nil || cfg.LastUpdated != nil || cfg.Version != 0 {
			t.Errorf("%s config = %+v, want untouched seed", m, cfg)
		}
	}

	v, err := store.GetMetadata(ctx, "schema_version")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("schema_version = %q, want %q", v, schemaVersion)
	}
}

// TestNewStore_Idempotent verifies that reopening keeps data and does not fail.
func TestNewStore_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	store1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("first NewStore failed: %v", err)
	}
	if err := store1.InsertRecord(context.Background(), testRecord("r1", ModalityVision, "HEALTHY", 0.8)); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	store1.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	store2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("second NewStore failed: %v", err)
	}
	defer store2.Close()

	if _, err := store2.GetRecord(context.Background(), "r1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

func TestStore_InsertAndGetRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := testRecord("r1", ModalityVision, "HEALTHY", 0.82)
	in.OriginalPath = "/incoming/r1.jpg"
	if err := store.InsertRecord(ctx, in); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	got, err := store.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.OriginalPath != "/incoming/r1.jpg" || got.StoragePath != "" {
		t.Errorf("paths = %q/%q", got.OriginalPath, got.StoragePath)
	}
	if !got.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, in.Timestamp)
	}
	if got.Features["aspect_ratio"] != 1.2 {
		t.Errorf("Features = %v", got.Features)
	}
	if !got.Pending() || got.HumanAgrees != nil || got.FinalClassification != nil || got.ValidatedAt != nil {
		t.Errorf("new record should be pending with empty validation fields: %+v", got)
	}

	exists, err := store.StagedFileExists(ctx, in.StagedFile)
	if err != nil || !exists {
		t.Errorf("StagedFileExists = %v, %v; want true", exists, err)
	}
}

func TestStore_GetRecord_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRecord(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkValidated_OneWay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertRecord(ctx, testRecord("r1", ModalityVision, "HEALTHY", 0.7)); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.MarkValidated(ctx, "r1", false, "SICK", at); err != nil {
		t.Fatalf("MarkValidated: %v", err)
	}

	got, err := store.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.HumanValidated || got.HumanAgrees == nil || *got.HumanAgrees {
		t.Errorf("validation fields = %+v", got)
	}
	if got.FinalClassification == nil || *got.FinalClassification != "SICK" {
		t.Errorf("FinalClassification = %v, want SICK", got.FinalClassification)
	}
	if got.ValidatedAt == nil || !got.ValidatedAt.Equal(at) {
		t.Errorf("ValidatedAt = %v, want %v", got.ValidatedAt, at)
	}

	err = store.MarkValidated(ctx, "r1", true, "HEALTHY", at)
	if !errors.Is(err, ErrValidationConflict) {
		t.Errorf("second MarkValidated error = %v, want ErrValidationConflict", err)
	}
	got, _ = store.GetRecord(ctx, "r1")
	if *got.FinalClassification != "SICK" {
		t.Errorf("second validation overwrote the first: %s", *got.FinalClassification)
	}

	if err := store.MarkValidated(ctx, "missing", true, "HEALTHY", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkValidated(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRecords_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []*StagingRecord{
		testRecord("v1", ModalityVision, "HEALTHY", 0.9),
		testRecord("v2", ModalityVision, "SICK", 0.3),
		testRecord("a1", ModalityAudio, "NORMAL", 0.6),
	}
	for i, r := range records {
		r.Timestamp = r.Timestamp.Add(time.Duration(i) * time.Minute)
		if err := store.InsertRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkValidated(ctx, "v1", true, "HEALTHY", time.Now()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter RecordFilter
		want   []string
	}{
		{"all", RecordFilter{}, []string{"v1", "v2", "a1"}},
		{"pending", RecordFilter{PendingOnly: true}, []string{"v2", "a1"}},
		{"vision", RecordFilter{Modality: ModalityVision}, []string{"v1", "v2"}},
		{"limit", RecordFilter{Limit: 1}, []string{"v1"}},
		{"none", RecordFilter{Modality: ModalityAudio, Limit: 5, PendingOnly: true}, []string{"a1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRecords(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListRecords() returned %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStore_RecordStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*StagingRecord{
		testRecord("v1", ModalityVision, "HEALTHY", 0.9),
		testRecord("v2", ModalityVision, "SICK", 0.3),
		testRecord("v3", ModalityVision, "SICK", 0.2),
		testRecord("a1", ModalityAudio, "NORMAL", 0.6),
	} {
		if err := store.InsertRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	mustMark := func(id string, agrees bool, final string) {
		if err := store.MarkValidated(ctx, id, agrees, final, now); err != nil {
			t.Fatal(err)
		}
	}
	mustMark("v1", true, "HEALTHY")
	mustMark("v2", false, "HEALTHY")
	mustMark("a1", true, "NORMAL")

	stats, err := store.RecordStats(ctx)
	if err != nil {
		t.Fatalf("RecordStats: %v", err)
	}
	if stats.TotalStaged != 4 || stats.Pending != 1 || stats.Validated != 3 {
		t.Errorf("totals = %d/%d/%d, want 4/1/3", stats.TotalStaged, stats.Pending, stats.Validated)
	}
	if stats.AICorrect != 2 || stats.AIIncorrect != 1 {
		t.Errorf("correct/incorrect = %d/%d, want 2/1", stats.AICorrect, stats.AIIncorrect)
	}
	if stats.Accuracy == nil || *stats.Accuracy != 2.0/3.0 {
		t.Errorf("Accuracy = %v, want 2/3", stats.Accuracy)
	}
	if stats.ByModality[ModalityVision] != (ModalityStats{Total: 3, Validated: 2, Correct: 1}) {
		t.Errorf("vision stats = %+v", stats.ByModality[ModalityVision])
	}
	if stats.ByClassification["healthy"] != 3 {
		t.Errorf("ByClassification = %v, want healthy=3", stats.ByClassification)
	}

	validated, agreed, err := store.ValidationCounts(ctx, ModalityVision)
	if err != nil || validated != 2 || agreed != 1 {
		t.Errorf("ValidationCounts = %d, %d, %v; want 2, 1", validated, agreed, err)
	}
}

func TestStore_Commit_VersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.GetConfig(ctx, ModalityVision)
	if err != nil {
		t.Fatal(err)
	}
	b := *a

	s := 0.7
	now := time.Now()
	a.SuggestedThreshold = &s
	a.LastUpdated = &now
	if err := store.Commit(ctx, a); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Version after commit = %d, want 1", a.Version)
	}

	b.CurrentThreshold = 0.1
	if err := store.Commit(ctx, &b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale Commit error = %v, want ErrVersionConflict", err)
	}

	got, _ := store.GetConfig(ctx, ModalityVision)
	if got.CurrentThreshold != 0.676 || got.SuggestedThreshold == nil || *got.SuggestedThreshold != 0.7 {
		t.Errorf("config after stale commit = %+v", got)
	}
}

func TestStore_SeedThreshold_OnlyUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SeedThreshold(ctx, ModalityAudio, 0.55); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.GetThreshold(ctx, ModalityAudio); v != 0.55 {
		t.Errorf("seeded threshold = %v, want 0.55", v)
	}

	cfg, _ := store.GetConfig(ctx, ModalityAudio)
	now := time.Now()
	cfg.CurrentThreshold = 0.6
	cfg.LastUpdated = &now
	if err := store.Commit(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := store.SeedThreshold(ctx, ModalityAudio, 0.4); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.GetThreshold(ctx, ModalityAudio); v != 0.6 {
		t.Errorf("seed overwrote a committed threshold: %v", v)
	}
}

func TestStore_LockConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx Backend) error {
		return tx.LockConfig(ctx, ModalityVision)
	})
	if err != nil {
		t.Fatalf("LockConfig(vision) error: %v", err)
	}
	if err := store.LockConfig(ctx, Modality("thermal")); !errors.Is(err, ErrNotFound) {
		t.Errorf("LockConfig(thermal) = %v, want ErrNotFound", err)
	}
}

func TestStore_EventLog_WindowAndReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendEvent := func(m Modality, score float64) *FeedbackEvent {
		t.Helper()
		e := &FeedbackEvent{Modality: m, Timestamp: time.Now(), Score: score, AIPrediction: "HEALTHY", HumanAgrees: true, CurrentThreshold: 0.5}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		return e
	}

	first := appendEvent(ModalityVision, 0.5)
	appendEvent(ModalityAudio, 0.45)
	second := appendEvent(ModalityVision, 0.55)
	if first.ID == 0 || second.ID <= first.ID {
		t.Errorf("IDs not assigned in order: %d, %d", first.ID, second.ID)
	}

	window, err := store.Window(ctx, ModalityVision)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 || window[0].Score != 0.5 || window[1].Score != 0.55 {
		t.Fatalf("Window = %+v", window)
	}

	if err := store.Reset(ctx, ModalityVision); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	window, _ = store.Window(ctx, ModalityVision)
	if len(window) != 0 {
		t.Errorf("Window after reset = %d events, want 0", len(window))
	}
	if audio, _ := store.Window(ctx, ModalityAudio); len(audio) != 1 {
		t.Errorf("reset leaked into audio window: %d events", len(audio))
	}

	appendEvent(ModalityVision, 0.6)
	window, _ = store.Window(ctx, ModalityVision)
	if len(window) != 1 || window[0].Score != 0.6 {
		t.Errorf("Window after new event = %+v", window)
	}

	history, err := store.History(ctx, ModalityVision)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("History = %d events, want 3", len(history))
	}
}

func TestStore_AddReference_Unique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := &ReferenceSample{ID: "ref1", Filename: "cow.jpg", Classification: ClassHealthy, Features: map[string]any{"body_alignment": 0.9}, AddedAt: time.Now()}
	inserted, err := store.AddReference(ctx, s)
	if err != nil || !inserted {
		t.Fatalf("AddReference = %v, %v; want inserted", inserted, err)
	}

	dup := *s
	dup.ID = "ref2"
	inserted, err = store.AddReference(ctx, &dup)
	if err != nil || inserted {
		t.Errorf("duplicate AddReference = %v, %v; want skipped", inserted, err)
	}

	other := dup
	other.ID = "ref3"
	other.Classification = ClassSick
	if inserted, _ := store.AddReference(ctx, &other); !inserted {
		t.Error("same filename under the other class should be inserted")
	}

	refs, err := store.ListReferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Errorf("ListReferences = %d, want 2", len(refs))
	}
}

func TestStore_Atomic_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx Backend) error {
		if err := tx.InsertRecord(ctx, testRecord("r1", ModalityVision, "HEALTHY", 0.5)); err != nil {
			return err
		}
		if err := tx.Append(ctx, &FeedbackEvent{Modality: ModalityVision, Timestamp: time.Now(), Score: 0.5, AIPrediction: "HEALTHY", CurrentThreshold: 0.5}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic error = %v, want boom", err)
	}

	if _, err := store.GetRecord(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived rollback: %v", err)
	}
	if h, _ := store.History(ctx, ModalityVision); len(h) != 0 {
		t.Errorf("feedback survived rollback: %d events", len(h))
	}
}

func TestStore_Atomic_Commits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx Backend) error {
		if err := tx.InsertRecord(ctx, testRecord("r1", ModalityVision, "HEALTHY", 0.5)); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return tx.Atomic(ctx, func(inner Backend) error {
			return inner.MarkValidated(ctx, "r1", true, "HEALTHY", time.Now())
		})
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	got, err := store.GetRecord(ctx, "r1")
	if err != nil || !got.HumanValidated {
		t.Errorf("GetRecord = %+v, %v; want validated record", got, err)
	}
}

func TestStore_Closed(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx := context.Background()
	if _, err := store.GetConfig(ctx, ModalityVision); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetConfig after close = %v, want ErrStoreClosed", err)
	}
	if err := store.SetMetadata(ctx, "k", "v"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SetMetadata after close = %v, want ErrStoreClosed", err)
	}
	if err := store.Atomic(ctx, func(Backend) error { return nil }); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Atomic after close = %v, want ErrStoreClosed", err)
	}
}

func TestStore_Metadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if v, err := store.GetMetadata(ctx, "missing"); err != nil || v != "" {
		t.Errorf("GetMetadata(missing) = %q, %v", v, err)
	}
	if err := store.SetMetadata(ctx, "migrated_from", "a"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMetadata(ctx, "migrated_from", "b"); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.GetMetadata(ctx, "migrated_from"); v != "b" {
		t.Errorf("GetMetadata = %q, want b", v)
	}
}
