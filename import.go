package sentio

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/calibrate"
)

// ErrAlreadyImported is returned when a store already holds migrated data
// and the import was not forced.
var ErrAlreadyImported = errors.New("legacy data already imported")

// LegacyImport names the flat files written by the original review tool.
// Either path may be empty.
type LegacyImport struct {
	// HistoryPath is threshold_history.json: per-modality thresholds and
	// feedback lists.
	HistoryPath string
	// StagingLogPath is staging_log.csv: one row per staged prediction.
	StagingLogPath string
	// DryRun reports what would be imported and rolls everything back.
	DryRun bool
	// Force imports even if the store records an earlier migration.
	Force bool
	// Tuning supplies the boundary margin legacy feedback is filtered by.
	// The zero value uses the default parameters.
	Tuning Tuning
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Feedback   int `json:"feedback"`
	Thresholds int `json:"thresholds"`
	Records    int `json:"records"`
	Skipped    int `json:"skipped"`
	// OutsideBoundary counts legacy feedback dropped because its score was
	// farther than the boundary margin from its threshold.
	OutsideBoundary int      `json:"outside_boundary"`
	Errors          []string `json:"errors,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
}

// legacyModality is one modality entry of threshold_history.json.
type legacyModality struct {
	CurrentThreshold   *float64         `json:"current_threshold"`
	SuggestedThreshold *float64         `json:"suggested_threshold"`
	LastUpdated        *string          `json:"last_updated"`
	Feedback           []legacyFeedback `json:"feedback"`
}

type legacyFeedback struct {
	Timestamp        string   `json:"timestamp"`
	Score            float64  `json:"score"`
	AIPrediction     string   `json:"ai_prediction"`
	HumanAgrees      bool     `json:"human_agrees"`
	CurrentThreshold *float64 `json:"current_threshold"`
}

var errDryRun = errors.New("dry run")

// ImportLegacy loads the legacy history and staging log into b in one
// transaction. Imported feedback becomes history only: each modality's
// window is reset past it, and any legacy suggestion is dropped. Legacy
// entries outside the boundary margin, or with an unknown AI label, are
// not written to the feedback log. Rows
// whose staged file already exists are skipped. The source file names are
// recorded under the migrated_from metadata key.
func ImportLegacy(ctx context.Context, b Backend, opts LegacyImport) (*ImportResult, error) {
	if opts.HistoryPath == "" && opts.StagingLogPath == "" {
		return nil, fmt.Errorf("import: no legacy files given")
	}

	result := &ImportResult{DryRun: opts.DryRun}
	err := b.Atomic(ctx, func(tx Backend) error {
		prev, err := tx.GetMetadata(ctx, MetadataMigratedFrom)
		if err != nil {
			return err
		}
		if prev != "" && !opts.Force {
			return fmt.Errorf("%w from %s", ErrAlreadyImported, prev)
		}

		var sources []string
		if opts.HistoryPath != "" {
			if err := importHistory(ctx, tx, opts.HistoryPath, opts.Tuning, result); err != nil {
				return err
			}
			sources = append(sources, filepath.Base(opts.HistoryPath))
		}
		if opts.StagingLogPath != "" {
			if err := importStagingLog(ctx, tx, opts.StagingLogPath, result); err != nil {
				return err
			}
			sources = append(sources, filepath.Base(opts.StagingLogPath))
		}

		if err := tx.SetMetadata(ctx, MetadataMigratedFrom, strings.Join(sources, ",")); err != nil {
			return err
		}
		if err := tx.SetMetadata(ctx, MetadataMigratedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	return result, nil
}

func importHistory(ctx context.Context, tx Backend, path string, tuning Tuning, result *ImportResult) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	var history map[string]legacyModality
	if err := json.Unmarshal(data, &history); err != nil {
		return fmt.Errorf("parse history %s: %w", path, err)
	}

	for _, m := range Modalities() {
		entry, ok := history[string(m)]
		if !ok {
			continue
		}

		if err := tx.LockConfig(ctx, m); err != nil {
			return err
		}
		cfg, err := tx.GetConfig(ctx, m)
		if err != nil {
			return err
		}
		fallback := cfg.CurrentThreshold
		if entry.CurrentThreshold != nil {
			fallback = *entry.CurrentThreshold
		}
		margin := tuning.For(m).BoundaryMargin

		for i, f := range entry.Feedback {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts, err := parseLegacyTime(f.Timestamp)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s feedback %d: %v", m, i, err))
				continue
			}
			if math.IsNaN(f.Score) || f.Score < 0 || f.Score > 1 {
				result.Errors = append(result.Errors, fmt.Sprintf("%s feedback %d: score %v out of range", m, i, f.Score))
				continue
			}
			if _, err := NormalizeLabel(f.AIPrediction); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s feedback %d: %v", m, i, err))
				continue
			}
			threshold := fallback
			if f.CurrentThreshold != nil {
				threshold = *f.CurrentThreshold
			}
			if !calibrate.BoundaryEligible(f.Score, threshold, margin) {
				result.OutsideBoundary++
				continue
			}
			if err := tx.Append(ctx, &FeedbackEvent{
				Modality:         m,
				Timestamp:        ts,
				Score:            f.Score,
				AIPrediction:     f.AIPrediction,
				HumanAgrees:      f.HumanAgrees,
				CurrentThreshold: threshold,
			}); err != nil {
				return err
			}
			result.Feedback++
		}
		if err := tx.Reset(ctx, m); err != nil {
			return err
		}

		if entry.CurrentThreshold == nil {
			continue
		}
		if v := *entry.CurrentThreshold; v < 0 || v > 1 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: threshold %v out of range", m, v))
			continue
		}
		cfg.CurrentThreshold = *entry.CurrentThreshold
		cfg.SuggestedThreshold = nil
		if entry.LastUpdated != nil {
			if ts, err := parseLegacyTime(*entry.LastUpdated); err == nil {
				cfg.LastUpdated = &ts
			}
		}
		if cfg.LastUpdated == nil {
			now := time.Now().UTC()
			cfg.LastUpdated = &now
		}
		if err := tx.Commit(ctx, cfg); err != nil {
			return err
		}
		result.Thresholds++
	}

	for key := range history {
		if !Modality(key).IsValid() {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown modality %q in history", key))
		}
	}
	return nil
}

func importStagingLog(ctx context.Context, tx Backend, path string, result *ImportResult) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open staging log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staging log header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"timestamp", "staged_file", "ai_classification", "confidence"} {
		if _, ok := cols[required]; !ok {
			return fmt.Errorf("staging log: missing column %q", required)
		}
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		get := func(name string) string {
			if i, ok := cols[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		rec, err := legacyRecord(get)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		exists, err := tx.StagedFileExists(ctx, rec.StagedFile)
		if err != nil {
			return err
		}
		if exists {
			result.Skipped++
			continue
		}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		result.Records++
	}
}

func legacyRecord(get func(string) string) (*StagingRecord, error) {
	ts, err := parseLegacyTime(get("timestamp"))
	if err != nil {
		return nil, err
	}
	modality := Modality(get("modality"))
	if modality == "" {
		modality = ModalityVision
	}
	if !modality.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModality, modality)
	}
	score, err := strconv.ParseFloat(get("confidence"), 64)
	if err != nil || score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScore, get("confidence"))
	}
	staged := get("staged_file")
	if staged == "" {
		return nil, fmt.Errorf("%w: staged_file is empty", ErrInvalidRecord)
	}
	original := get("original_file")
	if original == "" {
		original = staged
	}

	rec := &StagingRecord{
		ID:               ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		Timestamp:        ts,
		OriginalFile:     original,
		OriginalPath:     get("original_path"),
		StagedFile:       staged,
		Modality:         modality,
		AIClassification: get("ai_classification"),
		Confidence:       score,
	}
	if raw := get("features"); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &rec.Features); err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
	}

	if !legacyBool(get("human_validated")) {
		return rec, nil
	}
	rec.HumanValidated = true
	if v := get("human_agrees"); v != "" {
		agrees := legacyBool(v)
		rec.HumanAgrees = &agrees
	}
	if v := get("final_classification"); v != "" {
		rec.FinalClassification = &v
	}
	if v := get("validated_at"); v != "" {
		at, err := parseLegacyTime(v)
		if err != nil {
			return nil, fmt.Errorf("validated_at: %w", err)
		}
		rec.ValidatedAt = &at
	} else {
		rec.ValidatedAt = &ts
	}
	return rec, nil
}

func legacyBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	return err == nil && b
}

// legacyTimeLayouts are the ISO-8601 shapes the legacy tool wrote. Zoneless
// values are taken as UTC.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseLegacyTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ImportLegacy imports legacy files through the client's backend and
// refreshes the threshold gauges.
func (c *Client) ImportLegacy(ctx context.Context, opts LegacyImport) (*ImportResult, error) {
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = c.config.Tuning
	}
	res, err := ImportLegacy(ctx, c.core.backend, opts)
	if err != nil {
		return nil, err
	}
	if configs, err := c.core.backend.ListConfigs(ctx); err == nil {
		for _, tc := range configs {
			c.metrics.SetThreshold(string(tc.Modality), tc.CurrentThreshold)
		}
	}
	c.core.log.Info("legacy data imported",
		zap.Int("feedback", res.Feedback),
		zap.Int("records", res.Records),
		zap.Int("skipped", res.Skipped),
		zap.Int("outside_boundary", res.OutsideBoundary),
		zap.Bool("dry_run", res.DryRun))
	return res, nil
}
