package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sentio"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export thresholds, feedback and records to a file",
	Long: `Export every threshold, feedback event, staging record and reference
sample to a backup file.

JSON works with every driver. The sqlite format copies the database file
and needs the sqlite driver.

Examples:
  sentio export -o backup.json
  sentio export -o backup.db --format sqlite`,
	RunE: runExport,
}

var (
	exportOutputPath string
	exportFormat     string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import legacy threshold history and staging log",
	Long: `Import the legacy threshold_history.json and staging_log.csv files.

Thresholds and the feedback history are carried over with a fresh feedback
window; staged predictions already present are skipped. A store that has
been imported into refuses a second import unless --force is given.

Examples:
  sentio import --history threshold_history.json --staging-log staging_log.csv
  sentio import --history threshold_history.json --dry-run`,
	RunE: runImport,
}

var (
	importHistory    string
	importStagingLog string
	importDryRun     bool
	importForce      bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutputPath, "output", "o", "", "Output file path (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json, sqlite")
	_ = exportCmd.MarkFlagRequired("output")

	importCmd.Flags().StringVar(&importHistory, "history", "", "Path to threshold_history.json")
	importCmd.Flags().StringVar(&importStagingLog, "staging-log", "", "Path to staging_log.csv")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Report what would be imported without writing")
	importCmd.Flags().BoolVar(&importForce, "force", false, "Import even if the store was imported into before")
	importCmd.MarkFlagsOneRequired("history", "staging-log")

	rootCmd.AddCommand(exportCmd, importCmd)
}

// ExportResult for JSON output.
type ExportResult struct {
	Format   string `json:"format"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	Duration string `json:"duration"`
}

func runExport(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(exportFormat)
	if format != "json" && format != "sqlite" {
		return fmt.Errorf("invalid format %q: must be 'json' or 'sqlite'", exportFormat)
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := ensureParentDir(exportOutputPath); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	err = runWithSpinner(out, "Exporting to "+exportOutputPath, func() error {
		switch format {
		case "sqlite":
			store, ok := s.client.Backend().(*sentio.Store)
			if !ok {
				return errors.New("sqlite export needs the sqlite driver")
			}
			return store.ExportSQLite(cmd.Context(), exportOutputPath)
		default:
			f, err := os.Create(exportOutputPath)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			if err := s.client.ExportJSON(cmd.Context(), f); err != nil {
				f.Close()
				_ = os.Remove(exportOutputPath)
				return err
			}
			return f.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	var size int64
	if fi, err := os.Stat(exportOutputPath); err == nil {
		size = fi.Size()
	}
	result := ExportResult{
		Format:   format,
		FilePath: exportOutputPath,
		FileSize: size,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	body := fmt.Sprintf("Format:    %s\nFile size: %s\nDuration:  %s\nOutput:    %s",
		strings.ToUpper(format), formatBytes(size), result.Duration, exportOutputPath)
	fmt.Fprintln(out, renderPanel("Export Summary", body))
	printSuccess(out, "Export complete")
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	var result *sentio.ImportResult
	err = runWithSpinner(out, "Importing legacy files", func() error {
		var err error
		result, err = s.client.ImportLegacy(cmd.Context(), sentio.LegacyImport{
			HistoryPath:    importHistory,
			StagingLogPath: importStagingLog,
			DryRun:         importDryRun,
			Force:          importForce,
		})
		return err
	})
	if errors.Is(err, sentio.ErrAlreadyImported) {
		return fmt.Errorf("%w (use --force to import again)", err)
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	title := "Import Summary"
	if result.DryRun {
		title += " (dry run)"
	}
	body := fmt.Sprintf("Thresholds: %d\nFeedback:   %d\nRecords:    %d\nSkipped:    %d\nOff-margin: %d",
		result.Thresholds, result.Feedback, result.Records, result.Skipped, result.OutsideBoundary)
	fmt.Fprintln(out, renderPanel(title, body))
	for _, e := range result.Errors {
		printWarning(out, "%s", e)
	}
	if result.DryRun {
		printInfo(out, "Dry run: nothing was written")
	} else {
		printSuccess(out, "Import complete")
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
