package sentio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/sentio/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "2"

// timeLayout is the TEXT encoding of every timestamp column. The fixed
// width fraction keeps lexical order equal to chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite Backend.
type Store struct {
	*queries

	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a SQLite store at path and applies migrations.
func NewStore(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	// Writers take the lock at BEGIN so a read-then-write transaction never
	// fails to upgrade mid-flight.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	s.queries = &queries{q: db, ready: s.checkOpen}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, MetadataSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Atomic runs fn inside one SQLite transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx Backend) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(&sqliteTx{queries: &queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// Close closes the database. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// sqliteTx is the Backend view of an open transaction.
type sqliteTx struct {
	*queries
}

func (t *sqliteTx) Atomic(ctx context.Context, fn func(tx Backend) error) error {
	return fn(t)
}

func (t *sqliteTx) Close() error { return nil }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements the Backend read and write methods over a querier.
type queries struct {
	q     querier
	ready func() error
}

func (x *queries) check() error {
	if x.ready == nil {
		return nil
	}
	return x.ready()
}

// --- staging records ---

const recordColumns = `id, timestamp, original_file, original_path, staged_file, storage_path, modality,
	ai_classification, confidence, features, human_validated, human_agrees, final_classification, validated_at`

func (x *queries) InsertRecord(ctx context.Context, r *StagingRecord) error {
	if err := x.check(); err != nil {
		return err
	}

	features, err := encodeFeatures(r.Features)
	if err != nil {
		return fmt.Errorf("store: encode features: %w", err)
	}

	var validatedAt *string
	if r.ValidatedAt != nil {
		v := r.ValidatedAt.UTC().Format(timeLayout)
		validatedAt = &v
	}

	_, err = x.q.ExecContext(ctx, `
		INSERT INTO staging_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Timestamp.UTC().Format(timeLayout),
		r.OriginalFile,
		nullString(r.OriginalPath),
		r.StagedFile,
		nullString(r.StoragePath),
		string(r.Modality),
		r.AIClassification,
		r.Confidence,
		features,
		r.HumanValidated,
		r.HumanAgrees,
		r.FinalClassification,
		validatedAt,
	)
	return storageErr("insert staging record", err)
}

func (x *queries) GetRecord(ctx context.Context, id string) (*StagingRecord, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	row := x.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM staging_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get staging record", err)
	}
	return r, nil
}

func (x *queries) StagedFileExists(ctx context.Context, stagedFile string) (bool, error) {
	if err := x.check(); err != nil {
		return false, err
	}

	var n int
	err := x.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM staging_records WHERE staged_file = ?`, stagedFile).Scan(&n)
	if err != nil {
		return false, storageErr("check staged file", err)
	}
	return n > 0, nil
}

func (x *queries) MarkValidated(ctx context.Context, id string, agrees bool, final string, at time.Time) error {
	if err := x.check(); err != nil {
		return err
	}

	res, err := x.q.ExecContext(ctx, `
		UPDATE staging_records
		SET human_validated = 1, human_agrees = ?, final_classification = ?, validated_at = ?
		WHERE id = ? AND human_validated = 0
	`, agrees, final, at.UTC().Format(timeLayout), id)
	if err != nil {
		return storageErr("mark validated", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("mark validated", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing record from one validated already.
	if _, err := x.GetRecord(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w", id, ErrValidationConflict)
}

func (x *queries) ListRecords(ctx context.Context, f RecordFilter) ([]StagingRecord, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if f.Modality != "" {
		where = append(where, "modality = ?")
		args = append(args, string(f.Modality))
	}
	if f.PendingOnly {
		where = append(where, "human_validated = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM staging_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list staging records", err)
	}
	defer rows.Close()

	out := []StagingRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan staging record", err)
		}
		out = append(out, *r)
	}
	return out, storageErr("list staging records", rows.Err())
}

func (x *queries) ValidationCounts(ctx context.Context, m Modality) (validated, agreed int, err error) {
	if err := x.check(); err != nil {
		return 0, 0, err
	}

	err = x.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN human_agrees = 1 THEN 1 ELSE 0 END), 0)
		FROM staging_records
		WHERE modality = ? AND human_validated = 1
	`, string(m)).Scan(&validated, &agreed)
	if err != nil {
		return 0, 0, storageErr("count validations", err)
	}
	return validated, agreed, nil
}

func (x *queries) RecordStats(ctx context.Context) (*PipelineStats, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	stats := newPipelineStats()

	rows, err := x.q.QueryContext(ctx, `
		SELECT modality, COUNT(*),
			COALESCE(SUM(human_validated), 0),
			COALESCE(SUM(CASE WHEN human_agrees = 1 THEN 1 ELSE 0 END), 0)
		FROM staging_records
		GROUP BY modality
	`)
	if err != nil {
		return nil, storageErr("record stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		var ms ModalityStats
		if err := rows.Scan(&m, &ms.Total, &ms.Validated, &ms.Correct); err != nil {
			return nil, storageErr("scan record stats", err)
		}
		stats.add(Modality(m), ms)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("record stats", err)
	}

	crows, err := x.q.QueryContext(ctx, `
		SELECT final_classification, COUNT(*)
		FROM staging_records
		WHERE human_validated = 1
		GROUP BY final_classification
	`)
	if err != nil {
		return nil, storageErr("classification stats", err)
	}
	defer crows.Close()
	for crows.Next() {
		var label string
		var n int
		if err := crows.Scan(&label, &n); err != nil {
			return nil, storageErr("scan classification stats", err)
		}
		stats.addClass(label, n)
	}
	if err := crows.Err(); err != nil {
		return nil, storageErr("classification stats", err)
	}

	stats.finish()
	return stats, nil
}

// --- threshold config ---

func (x *queries) GetConfig(ctx context.Context, m Modality) (*ThresholdConfig, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	row := x.q.QueryRowContext(ctx, `
		SELECT modality, current_threshold, suggested_threshold, last_updated, version
		FROM threshold_config WHERE modality = ?
	`, string(m))
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("threshold config %s: %w", m, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get threshold config", err)
	}
	return cfg, nil
}

// LockConfig only checks the row exists: transactions begin with
// _txlock=immediate, so SQLite already holds the database write lock.
func (x *queries) LockConfig(ctx context.Context, m Modality) error {
	if err := x.check(); err != nil {
		return err
	}

	var one int
	err := x.q.QueryRowContext(ctx, `SELECT 1 FROM threshold_config WHERE modality = ?`, string(m)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("threshold config %s: %w", m, ErrNotFound)
	}
	return storageErr("lock threshold config", err)
}

func (x *queries) GetThreshold(ctx context.Context, m Modality) (float64, error) {
	cfg, err := x.GetConfig(ctx, m)
	if err != nil {
		return 0, err
	}
	return cfg.CurrentThreshold, nil
}

func (x *queries) GetSuggestion(ctx context.Context, m Modality) (*float64, error) {
	cfg, err := x.GetConfig(ctx, m)
	if err != nil {
		return nil, err
	}
	return cfg.SuggestedThreshold, nil
}

func (x *queries) ListConfigs(ctx context.Context) ([]ThresholdConfig, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	rows, err := x.q.QueryContext(ctx, `
		SELECT modality, current_threshold, suggested_threshold, last_updated, version
		FROM threshold_config ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("list threshold configs", err)
	}
	defer rows.Close()

	out := []ThresholdConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, storageErr("scan threshold config", err)
		}
		out = append(out, *cfg)
	}
	return out, storageErr("list threshold configs", rows.Err())
}

func (x *queries) Commit(ctx context.Context, cfg *ThresholdConfig) error {
	if err := x.check(); err != nil {
		return err
	}

	var lastUpdated *string
	if cfg.LastUpdated != nil {
		v := cfg.LastUpdated.UTC().Format(timeLayout)
		lastUpdated = &v
	}

	res, err := x.q.ExecContext(ctx, `
		UPDATE threshold_config
		SET current_threshold = ?, suggested_threshold = ?, last_updated = ?, version = version + 1
		WHERE modality = ? AND version = ?
	`, cfg.CurrentThreshold, cfg.SuggestedThreshold, lastUpdated, string(cfg.Modality), cfg.Version)
	if err != nil {
		return storageErr("commit threshold config", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("commit threshold config", err)
	}
	if n == 0 {
		if _, err := x.GetConfig(ctx, cfg.Modality); err != nil {
			return err
		}
		return fmt.Errorf("threshold config %s at version %d: %w", cfg.Modality, cfg.Version, ErrVersionConflict)
	}
	cfg.Version++
	return nil
}

func (x *queries) SeedThreshold(ctx context.Context, m Modality, threshold float64) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		UPDATE threshold_config SET current_threshold = ?
		WHERE modality = ? AND version = 0 AND last_updated IS NULL
	`, threshold, string(m))
	return storageErr("seed threshold", err)
}

// --- feedback event log ---

const feedbackColumns = `id, modality, timestamp, score, ai_prediction, human_agrees, current_threshold`

func (x *queries) Append(ctx context.Context, e *FeedbackEvent) error {
	if err := x.check(); err != nil {
		return err
	}

	res, err := x.q.ExecContext(ctx, `
		INSERT INTO threshold_feedback (modality, timestamp, score, ai_prediction, human_agrees, current_threshold)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.Modality), e.Timestamp.UTC().Format(timeLayout), e.Score, e.AIPrediction, e.HumanAgrees, e.CurrentThreshold)
	if err != nil {
		return storageErr("append feedback", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("append feedback", err)
	}
	e.ID = id
	return nil
}

func (x *queries) Window(ctx context.Context, m Modality) ([]FeedbackEvent, error) {
	return x.listFeedback(ctx, `
		SELECT `+feedbackColumns+` FROM threshold_feedback
		WHERE modality = ? AND id > COALESCE((SELECT after_id FROM feedback_windows WHERE modality = ?), 0)
		ORDER BY id
	`, string(m), string(m))
}

func (x *queries) History(ctx context.Context, m Modality) ([]FeedbackEvent, error) {
	return x.listFeedback(ctx, `
		SELECT `+feedbackColumns+` FROM threshold_feedback
		WHERE modality = ?
		ORDER BY id
	`, string(m))
}

func (x *queries) Reset(ctx context.Context, m Modality) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		INSERT INTO feedback_windows (modality, after_id)
		VALUES (?, COALESCE((SELECT MAX(id) FROM threshold_feedback WHERE modality = ?), 0))
		ON CONFLICT(modality) DO UPDATE SET after_id = excluded.after_id
	`, string(m), string(m))
	return storageErr("reset feedback window", err)
}

func (x *queries) listFeedback(ctx context.Context, query string, args ...any) ([]FeedbackEvent, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list feedback", err)
	}
	defer rows.Close()

	out := []FeedbackEvent{}
	for rows.Next() {
		var e FeedbackEvent
		var modality, ts string
		if err := rows.Scan(&e.ID, &modality, &ts, &e.Score, &e.AIPrediction, &e.HumanAgrees, &e.CurrentThreshold); err != nil {
			return nil, storageErr("scan feedback", err)
		}
		e.Modality = Modality(modality)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, storageErr("parse feedback timestamp", err)
		}
		out = append(out, e)
	}
	return out, storageErr("list feedback", rows.Err())
}

// --- reference samples ---

func (x *queries) AddReference(ctx context.Context, s *ReferenceSample) (bool, error) {
	if err := x.check(); err != nil {
		return false, err
	}

	features, err := encodeFeatures(s.Features)
	if err != nil {
		return false, fmt.Errorf("store: encode features: %w", err)
	}
	if features == nil {
		features = []byte("{}")
	}

	res, err := x.q.ExecContext(ctx, `
		INSERT INTO reference_samples (id, filename, classification, features, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filename, classification) DO NOTHING
	`, s.ID, s.Filename, string(s.Classification), string(features), s.AddedAt.UTC().Format(timeLayout))
	if err != nil {
		return false, storageErr("add reference sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("add reference sample", err)
	}
	return n == 1, nil
}

func (x *queries) ListReferences(ctx context.Context) ([]ReferenceSample, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	rows, err := x.q.QueryContext(ctx, `
		SELECT id, filename, classification, features, added_at
		FROM reference_samples ORDER BY added_at, id
	`)
	if err != nil {
		return nil, storageErr("list reference samples", err)
	}
	defer rows.Close()

	out := []ReferenceSample{}
	for rows.Next() {
		var s ReferenceSample
		var class, features, added string
		if err := rows.Scan(&s.ID, &s.Filename, &class, &features, &added); err != nil {
			return nil, storageErr("scan reference sample", err)
		}
		s.Classification = Classification(class)
		if s.Features, err = decodeFeatures(&features); err != nil {
			return nil, storageErr("decode reference features", err)
		}
		if s.AddedAt, err = parseTime(added); err != nil {
			return nil, storageErr("parse reference timestamp", err)
		}
		out = append(out, s)
	}
	return out, storageErr("list reference samples", rows.Err())
}

// --- metadata ---

func (x *queries) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := x.check(); err != nil {
		return "", err
	}

	var value string
	err := x.q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get metadata", err)
	}
	return value, nil
}

func (x *queries) SetMetadata(ctx context.Context, key, value string) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return storageErr("set metadata", err)
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*StagingRecord, error) {
	var (
		r                                   StagingRecord
		ts, modality                        string
		originalPath, storagePath, features sql.NullString
		finalClass, validatedAt             sql.NullString
		agrees                              sql.NullBool
	)
	err := sc.Scan(
		&r.ID, &ts, &r.OriginalFile, &originalPath, &r.StagedFile, &storagePath, &modality,
		&r.AIClassification, &r.Confidence, &features, &r.HumanValidated, &agrees, &finalClass, &validatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Modality = Modality(modality)
	r.OriginalPath = originalPath.String
	r.StoragePath = storagePath.String
	if r.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if features.Valid {
		if r.Features, err = decodeFeatures(&features.String); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
	}
	if agrees.Valid {
		v := agrees.Bool
		r.HumanAgrees = &v
	}
	if finalClass.Valid {
		v := finalClass.String
		r.FinalClassification = &v
	}
	if validatedAt.Valid {
		t, err := parseTime(validatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse validated_at: %w", err)
		}
		r.ValidatedAt = &t
	}
	return &r, nil
}

func scanConfig(sc scanner) (*ThresholdConfig, error) {
	var (
		cfg         ThresholdConfig
		modality    string
		suggested   sql.NullFloat64
		lastUpdated sql.NullString
	)
	if err := sc.Scan(&modality, &cfg.CurrentThreshold, &suggested, &lastUpdated, &cfg.Version); err != nil {
		return nil, err
	}
	cfg.Modality = Modality(modality)
	if suggested.Valid {
		v := suggested.Float64
		cfg.SuggestedThreshold = &v
	}
	if lastUpdated.Valid {
		t, err := parseTime(lastUpdated.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_updated: %w", err)
		}
		cfg.LastUpdated = &t
	}
	return &cfg, nil
}

func encodeFeatures(f map[string]any) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func decodeFeatures(s *string) (map[string]any, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var f map[string]any
	if err := json.Unmarshal([]byte(*s), &f); err != nil {
		return nil, err
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newPipelineStats() *PipelineStats {
	return &PipelineStats{
		ByModality:       make(map[Modality]ModalityStats),
		ByClassification: make(map[string]int),
	}
}

func (p *PipelineStats) add(m Modality, ms ModalityStats) {
	p.ByModality[m] = ms
	p.TotalStaged += ms.Total
	p.Validated += ms.Validated
	p.AICorrect += ms.Correct
}

// addClass buckets a final label under its normalized class name.
func (p *PipelineStats) addClass(label string, n int) {
	key := label
	if c, err := NormalizeLabel(label); err == nil {
		key = string(c)
	}
	p.ByClassification[key] += n
}

func (p *PipelineStats) finish() {
	p.Pending = p.TotalStaged - p.Validated
	p.AIIncorrect = p.Validated - p.AICorrect
	if p.Validated > 0 {
		acc := float64(p.AICorrect) / float64(p.Validated)
		p.Accuracy = &acc
	}
}
