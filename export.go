package sentio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ExportVersion is the current version of the export format.
const ExportVersion = "1.0"

// Metadata keys written by the store and by imports.
const (
	MetadataSchemaVersion = "schema_version"
	MetadataMigratedFrom  = "migrated_from"
	MetadataMigratedAt    = "migrated_at"
)

// ExportFormat is the top-level structure for JSON exports.
type ExportFormat struct {
	Version    string            `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Site       string            `json:"site"`
	Metadata   map[string]string `json:"metadata"`
	Thresholds []ThresholdConfig `json:"thresholds"`
	Feedback   []FeedbackEvent   `json:"feedback"`
	Records    []StagingRecord   `json:"records"`
	References []ReferenceSample `json:"references"`
}

// ExportJSON writes every threshold config, feedback event, staging record
// and reference sample in b as one indented JSON document. It reads inside a
// single transaction so the sections are consistent with each other.
func ExportJSON(ctx context.Context, b Backend, site string, w io.Writer) error {
	out := ExportFormat{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Site:       site,
		Metadata:   map[string]string{},
	}

	err := b.Atomic(ctx, func(tx Backend) error {
		for _, key := range []string{MetadataSchemaVersion, MetadataMigratedFrom, MetadataMigratedAt} {
			v, err := tx.GetMetadata(ctx, key)
			if err != nil {
				return err
			}
			if v != "" {
				out.Metadata[key] = v
			}
		}

		var err error
		if out.Thresholds, err = tx.ListConfigs(ctx); err != nil {
			return err
		}
		out.Feedback = []FeedbackEvent{}
		for _, m := range Modalities() {
			if err := ctx.Err(); err != nil {
				return err
			}
			events, err := tx.History(ctx, m)
			if err != nil {
				return err
			}
			out.Feedback = append(out.Feedback, events...)
		}
		if out.Records, err = tx.ListRecords(ctx, RecordFilter{}); err != nil {
			return err
		}
		out.References, err = tx.ListReferences(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if out.Records == nil {
		out.Records = []StagingRecord{}
	}
	if out.References == nil {
		out.References = []ReferenceSample{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}

// ExportJSON exports the store. See the package-level ExportJSON.
func (s *Store) ExportJSON(ctx context.Context, site string, w io.Writer) error {
	return ExportJSON(ctx, s, site, w)
}

// ExportSQLite copies the database to destPath.
// It performs a WAL checkpoint first to ensure consistency, then copies the database file.
func (s *Store) ExportSQLite(ctx context.Context, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Perform WAL checkpoint to flush pending writes
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return storageErr("checkpoint WAL", err)
	}

	srcFile, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, srcFile); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("copy database: %w", err)
	}

	return destFile.Sync()
}

// ExportJSON exports the client's backend for its site.
func (c *Client) ExportJSON(ctx context.Context, w io.Writer) error {
	return ExportJSON(ctx, c.core.backend, c.config.Site, w)
}
