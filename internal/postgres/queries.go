package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hyperengineering/sentio"
)

// queries implements the Backend read and write methods over a pool or a
// transaction.
type queries struct {
	q     sqlx.ExtContext
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

type recordRow struct {
	ID                  string         `db:"id"`
	Timestamp           time.Time      `db:"timestamp"`
	OriginalFile        string         `db:"original_file"`
	OriginalPath        sql.NullString `db:"original_path"`
	StagedFile          string         `db:"staged_file"`
	StoragePath         sql.NullString `db:"storage_path"`
	Modality            string         `db:"modality"`
	AIClassification    string         `db:"ai_classification"`
	Confidence          float64        `db:"confidence"`
	Features            sql.NullString `db:"features"`
	HumanValidated      bool           `db:"human_validated"`
	HumanAgrees         sql.NullBool   `db:"human_agrees"`
	FinalClassification sql.NullString `db:"final_classification"`
	ValidatedAt         sql.NullTime   `db:"validated_at"`
}

func (r recordRow) record() (sentio.StagingRecord, error) {
	out := sentio.StagingRecord{
		ID:               r.ID,
		Timestamp:        r.Timestamp.UTC(),
		OriginalFile:     r.OriginalFile,
		OriginalPath:     r.OriginalPath.String,
		StagedFile:       r.StagedFile,
		StoragePath:      r.StoragePath.String,
		Modality:         sentio.Modality(r.Modality),
		AIClassification: r.AIClassification,
		Confidence:       r.Confidence,
		HumanValidated:   r.HumanValidated,
	}
	features, err := decodeFeatures(r.Features)
	if err != nil {
		return out, err
	}
	out.Features = features
	if r.HumanAgrees.Valid {
		v := r.HumanAgrees.Bool
		out.HumanAgrees = &v
	}
	if r.FinalClassification.Valid {
		v := r.FinalClassification.String
		out.FinalClassification = &v
	}
	if r.ValidatedAt.Valid {
		v := r.ValidatedAt.Time.UTC()
		out.ValidatedAt = &v
	}
	return out, nil
}

func (x *queries) InsertRecord(ctx context.Context, r *sentio.StagingRecord) error {
	if err := x.check(); err != nil {
		return err
	}

	features, err := encodeFeatures(r.Features)
	if err != nil {
		return fmt.Errorf("postgres: encode features: %w", err)
	}

	_, err = x.q.ExecContext(ctx, `
		INSERT INTO staging_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		r.ID,
		r.Timestamp.UTC(),
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
		r.ValidatedAt,
	)
	return storageErr("insert staging record", err)
}

func (x *queries) GetRecord(ctx context.Context, id string) (*sentio.StagingRecord, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var row recordRow
	err := sqlx.GetContext(ctx, x.q, &row, `SELECT `+recordColumns+` FROM staging_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, sentio.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get staging record", err)
	}
	r, err := row.record()
	if err != nil {
		return nil, storageErr("decode staging record", err)
	}
	return &r, nil
}

func (x *queries) StagedFileExists(ctx context.Context, stagedFile string) (bool, error) {
	if err := x.check(); err != nil {
		return false, err
	}

	var exists bool
	err := sqlx.GetContext(ctx, x.q, &exists, `SELECT EXISTS (SELECT 1 FROM staging_records WHERE staged_file = $1)`, stagedFile)
	return exists, storageErr("check staged file", err)
}

func (x *queries) MarkValidated(ctx context.Context, id string, agrees bool, final string, at time.Time) error {
	if err := x.check(); err != nil {
		return err
	}

	res, err := x.q.ExecContext(ctx, `
		UPDATE staging_records
		SET human_validated = TRUE, human_agrees = $1, final_classification = $2, validated_at = $3
		WHERE id = $4 AND NOT human_validated
	`, agrees, final, at.UTC(), id)
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

	if _, err := x.GetRecord(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w", id, sentio.ErrValidationConflict)
}

func (x *queries) ListRecords(ctx context.Context, f sentio.RecordFilter) ([]sentio.StagingRecord, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if f.Modality != "" {
		args = append(args, string(f.Modality))
		where = append(where, fmt.Sprintf("modality = $%d", len(args)))
	}
	if f.PendingOnly {
		where = append(where, "NOT human_validated")
	}

	query := `SELECT ` + recordColumns + ` FROM staging_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []recordRow
	if err := sqlx.SelectContext(ctx, x.q, &rows, query, args...); err != nil {
		return nil, storageErr("list staging records", err)
	}
	out := make([]sentio.StagingRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, storageErr("decode staging record", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (x *queries) ValidationCounts(ctx context.Context, m sentio.Modality) (validated, agreed int, err error) {
	if err := x.check(); err != nil {
		return 0, 0, err
	}

	err = x.q.QueryRowxContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE human_agrees)
		FROM staging_records
		WHERE modality = $1 AND human_validated
	`, string(m)).Scan(&validated, &agreed)
	if err != nil {
		return 0, 0, storageErr("count validations", err)
	}
	return validated, agreed, nil
}

func (x *queries) RecordStats(ctx context.Context) (*sentio.PipelineStats, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var mods []struct {
		Modality  string `db:"modality"`
		Total     int    `db:"total"`
		Validated int    `db:"validated"`
		Correct   int    `db:"correct"`
	}
	err := sqlx.SelectContext(ctx, x.q, &mods, `
		SELECT modality,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE human_validated) AS validated,
			COUNT(*) FILTER (WHERE human_agrees) AS correct
		FROM staging_records
		GROUP BY modality
	`)
	if err != nil {
		return nil, storageErr("record stats", err)
	}

	var labels []struct {
		Label string `db:"label"`
		N     int    `db:"n"`
	}
	err = sqlx.SelectContext(ctx, x.q, &labels, `
		SELECT final_classification AS label, COUNT(*) AS n
		FROM staging_records
		WHERE human_validated
		GROUP BY final_classification
	`)
	if err != nil {
		return nil, storageErr("classification stats", err)
	}

	byModality := make(map[sentio.Modality]sentio.ModalityStats, len(mods))
	for _, m := range mods {
		byModality[sentio.Modality(m.Modality)] = sentio.ModalityStats{Total: m.Total, Validated: m.Validated, Correct: m.Correct}
	}
	byLabel := make(map[string]int, len(labels))
	for _, l := range labels {
		byLabel[l.Label] += l.N
	}
	return sentio.NewPipelineStats(byModality, byLabel), nil
}

// --- threshold config ---

const configColumns = `modality, current_threshold, suggested_threshold, last_updated, version`

type configRow struct {
	Modality           string          `db:"modality"`
	CurrentThreshold   float64         `db:"current_threshold"`
	SuggestedThreshold sql.NullFloat64 `db:"suggested_threshold"`
	LastUpdated        sql.NullTime    `db:"last_updated"`
	Version            int64           `db:"version"`
}

func (r configRow) config() sentio.ThresholdConfig {
	cfg := sentio.ThresholdConfig{
		Modality:         sentio.Modality(r.Modality),
		CurrentThreshold: r.CurrentThreshold,
		Version:          r.Version,
	}
	if r.SuggestedThreshold.Valid {
		v := r.SuggestedThreshold.Float64
		cfg.SuggestedThreshold = &v
	}
	if r.LastUpdated.Valid {
		v := r.LastUpdated.Time.UTC()
		cfg.LastUpdated = &v
	}
	return cfg
}

func (x *queries) GetConfig(ctx context.Context, m sentio.Modality) (*sentio.ThresholdConfig, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var row configRow
	err := sqlx.GetContext(ctx, x.q, &row, `SELECT `+configColumns+` FROM threshold_config WHERE modality = $1`, string(m))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("threshold config %s: %w", m, sentio.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get threshold config", err)
	}
	cfg := row.config()
	return &cfg, nil
}

// LockConfig takes a row lock on m's config. Inside a transaction it is
// held until commit, which orders validations, applies and resets of one
// modality across processes and keeps feedback ids in commit order.
func (x *queries) LockConfig(ctx context.Context, m sentio.Modality) error {
	if err := x.check(); err != nil {
		return err
	}

	var version int64
	err := sqlx.GetContext(ctx, x.q, &version, `SELECT version FROM threshold_config WHERE modality = $1 FOR UPDATE`, string(m))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("threshold config %s: %w", m, sentio.ErrNotFound)
	}
	return storageErr("lock threshold config", err)
}

func (x *queries) GetThreshold(ctx context.Context, m sentio.Modality) (float64, error) {
	cfg, err := x.GetConfig(ctx, m)
	if err != nil {
		return 0, err
	}
	return cfg.CurrentThreshold, nil
}

func (x *queries) GetSuggestion(ctx context.Context, m sentio.Modality) (*float64, error) {
	cfg, err := x.GetConfig(ctx, m)
	if err != nil {
		return nil, err
	}
	return cfg.SuggestedThreshold, nil
}

func (x *queries) ListConfigs(ctx context.Context) ([]sentio.ThresholdConfig, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var rows []configRow
	if err := sqlx.SelectContext(ctx, x.q, &rows, `SELECT `+configColumns+` FROM threshold_config ORDER BY id`); err != nil {
		return nil, storageErr("list threshold configs", err)
	}
	out := make([]sentio.ThresholdConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.config())
	}
	return out, nil
}

func (x *queries) Commit(ctx context.Context, cfg *sentio.ThresholdConfig) error {
	if err := x.check(); err != nil {
		return err
	}

	res, err := x.q.ExecContext(ctx, `
		UPDATE threshold_config
		SET current_threshold = $1, suggested_threshold = $2, last_updated = $3, version = version + 1
		WHERE modality = $4 AND version = $5
	`, cfg.CurrentThreshold, cfg.SuggestedThreshold, cfg.LastUpdated, string(cfg.Modality), cfg.Version)
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
		return fmt.Errorf("threshold config %s at version %d: %w", cfg.Modality, cfg.Version, sentio.ErrVersionConflict)
	}
	cfg.Version++
	return nil
}

func (x *queries) SeedThreshold(ctx context.Context, m sentio.Modality, threshold float64) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		UPDATE threshold_config SET current_threshold = $1
		WHERE modality = $2 AND version = 0 AND last_updated IS NULL
	`, threshold, string(m))
	return storageErr("seed threshold", err)
}

// --- feedback event log ---

const feedbackColumns = `id, modality, timestamp, score, ai_prediction, human_agrees, current_threshold`

type feedbackRow struct {
	ID               int64     `db:"id"`
	Modality         string    `db:"modality"`
	Timestamp        time.Time `db:"timestamp"`
	Score            float64   `db:"score"`
	AIPrediction     string    `db:"ai_prediction"`
	HumanAgrees      bool      `db:"human_agrees"`
	CurrentThreshold float64   `db:"current_threshold"`
}

func (x *queries) Append(ctx context.Context, e *sentio.FeedbackEvent) error {
	if err := x.check(); err != nil {
		return err
	}

	err := x.q.QueryRowxContext(ctx, `
		INSERT INTO threshold_feedback (modality, timestamp, score, ai_prediction, human_agrees, current_threshold)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, string(e.Modality), e.Timestamp.UTC(), e.Score, e.AIPrediction, e.HumanAgrees, e.CurrentThreshold).Scan(&e.ID)
	return storageErr("append feedback", err)
}

func (x *queries) Window(ctx context.Context, m sentio.Modality) ([]sentio.FeedbackEvent, error) {
	return x.listFeedback(ctx, `
		SELECT `+feedbackColumns+` FROM threshold_feedback
		WHERE modality = $1 AND id > COALESCE((SELECT after_id FROM feedback_windows WHERE modality = $1), 0)
		ORDER BY id
	`, string(m))
}

func (x *queries) History(ctx context.Context, m sentio.Modality) ([]sentio.FeedbackEvent, error) {
	return x.listFeedback(ctx, `
		SELECT `+feedbackColumns+` FROM threshold_feedback
		WHERE modality = $1
		ORDER BY id
	`, string(m))
}

func (x *queries) Reset(ctx context.Context, m sentio.Modality) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		INSERT INTO feedback_windows (modality, after_id)
		VALUES ($1, COALESCE((SELECT MAX(id) FROM threshold_feedback WHERE modality = $1), 0))
		ON CONFLICT (modality) DO UPDATE SET after_id = EXCLUDED.after_id
	`, string(m))
	return storageErr("reset feedback window", err)
}

func (x *queries) listFeedback(ctx context.Context, query string, args ...any) ([]sentio.FeedbackEvent, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var rows []feedbackRow
	if err := sqlx.SelectContext(ctx, x.q, &rows, query, args...); err != nil {
		return nil, storageErr("list feedback", err)
	}
	out := make([]sentio.FeedbackEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, sentio.FeedbackEvent{
			ID:               r.ID,
			Modality:         sentio.Modality(r.Modality),
			Timestamp:        r.Timestamp.UTC(),
			Score:            r.Score,
			AIPrediction:     r.AIPrediction,
			HumanAgrees:      r.HumanAgrees,
			CurrentThreshold: r.CurrentThreshold,
		})
	}
	return out, nil
}

// --- reference samples ---

func (x *queries) AddReference(ctx context.Context, s *sentio.ReferenceSample) (bool, error) {
	if err := x.check(); err != nil {
		return false, err
	}

	features, err := encodeFeatures(s.Features)
	if err != nil {
		return false, fmt.Errorf("postgres: encode features: %w", err)
	}
	if features == nil {
		empty := "{}"
		features = &empty
	}

	res, err := x.q.ExecContext(ctx, `
		INSERT INTO reference_samples (id, filename, classification, features, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (filename, classification) DO NOTHING
	`, s.ID, s.Filename, string(s.Classification), *features, s.AddedAt.UTC())
	if err != nil {
		return false, storageErr("add reference sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("add reference sample", err)
	}
	return n == 1, nil
}

func (x *queries) ListReferences(ctx context.Context) ([]sentio.ReferenceSample, error) {
	if err := x.check(); err != nil {
		return nil, err
	}

	var rows []struct {
		ID             string         `db:"id"`
		Filename       string         `db:"filename"`
		Classification string         `db:"classification"`
		Features       sql.NullString `db:"features"`
		AddedAt        time.Time      `db:"added_at"`
	}
	err := sqlx.SelectContext(ctx, x.q, &rows, `
		SELECT id, filename, classification, features, added_at
		FROM reference_samples ORDER BY added_at, id
	`)
	if err != nil {
		return nil, storageErr("list reference samples", err)
	}

	out := make([]sentio.ReferenceSample, 0, len(rows))
	for _, r := range rows {
		features, err := decodeFeatures(r.Features)
		if err != nil {
			return nil, storageErr("decode reference features", err)
		}
		out = append(out, sentio.ReferenceSample{
			ID:             r.ID,
			Filename:       r.Filename,
			Classification: sentio.Classification(r.Classification),
			Features:       features,
			AddedAt:        r.AddedAt.UTC(),
		})
	}
	return out, nil
}

// --- metadata ---

func (x *queries) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := x.check(); err != nil {
		return "", err
	}

	var value string
	err := sqlx.GetContext(ctx, x.q, &value, `SELECT value FROM metadata WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, storageErr("get metadata", err)
}

func (x *queries) SetMetadata(ctx context.Context, key, value string) error {
	if err := x.check(); err != nil {
		return err
	}

	_, err := x.q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return storageErr("set metadata", err)
}

// encodeFeatures returns the JSONB text for f, or nil for SQL NULL. lib/pq
// sends []byte as bytea, so the document goes over the wire as a string.
func encodeFeatures(f map[string]any) (*string, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeFeatures(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var f map[string]any
	if err := json.Unmarshal([]byte(s.String), &f); err != nil {
		return nil, err
	}
	return f, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
