package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sentio"
)

var thresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Inspect and tune decision thresholds",
	Long: `Inspect and tune the per-modality decision thresholds.

Subcommands:
  status   Show current and suggested thresholds
  apply    Make the suggested threshold current
  reset    Clear the feedback window and suggestion
  summary  Report on the feedback history
  chart    Show the score distribution of the feedback history

Example:
  sentio threshold status
  sentio threshold apply vision`,
}

var thresholdStatusCmd = &cobra.Command{
	Use:   "status [modality]",
	Short: "Show current and suggested thresholds",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runThresholdStatus,
}

var thresholdApplyCmd = &cobra.Command{
	Use:   "apply <modality>",
	Short: "Apply the suggested threshold",
	Long: `Make the suggested threshold current and start a fresh feedback window.

Fails without changing anything when there is no suggestion or it is too
close to the current threshold.`,
	Args: cobra.ExactArgs(1),
	RunE: runThresholdApply,
}

var thresholdResetCmd = &cobra.Command{
	Use:   "reset <modality>",
	Short: "Clear the feedback window and suggestion",
	Long: `Clear the feedback window and pending suggestion of a modality.

The feedback history is kept for reports; only the window that drives the
next suggestion starts over.`,
	Args: cobra.ExactArgs(1),
	RunE: runThresholdReset,
}

var thresholdSummaryCmd = &cobra.Command{
	Use:   "summary <modality>",
	Short: "Report on the feedback history",
	Args:  cobra.ExactArgs(1),
	RunE:  runThresholdSummary,
}

var thresholdChartCmd = &cobra.Command{
	Use:   "chart <modality>",
	Short: "Show the score distribution of the feedback history",
	Long: `Show the score histogram and boundary analysis of a modality's feedback
history. With --json, prints the full chart series.`,
	Args: cobra.ExactArgs(1),
	RunE: runThresholdChart,
}

func init() {
	thresholdCmd.AddCommand(thresholdStatusCmd, thresholdApplyCmd, thresholdResetCmd, thresholdSummaryCmd, thresholdChartCmd)
	rootCmd.AddCommand(thresholdCmd)
}

func runThresholdStatus(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		all, err := s.client.Thresholds(cmd.Context())
		if err != nil {
			return fmt.Errorf("threshold status: %w", err)
		}
		return outputThresholds(cmd, all)
	}

	m, err := parseModality(args[0])
	if err != nil {
		return err
	}
	st, err := s.client.ThresholdStatus(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("threshold status: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, st)
	}
	return outputThresholds(cmd, []sentio.ThresholdStatus{*st})
}

func runThresholdApply(cmd *cobra.Command, args []string) error {
	m, err := parseModality(args[0])
	if err != nil {
		return err
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	before, err := s.client.ThresholdStatus(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	cfg, err := s.client.ApplySuggested(cmd.Context(), m)
	if errors.Is(err, sentio.ErrApplyRejected) {
		return fmt.Errorf("no applicable suggestion for %s (current %.3f, suggested %s)",
			m, before.CurrentThreshold, formatThreshold(before.SuggestedThreshold))
	}
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, cfg)
	}
	printSuccess(cmd.OutOrStdout(), "%s threshold %.3f -> %.3f", m, before.CurrentThreshold, cfg.CurrentThreshold)
	printMuted(cmd.OutOrStdout(), "Feedback window reset")
	return nil
}

func runThresholdReset(cmd *cobra.Command, args []string) error {
	m, err := parseModality(args[0])
	if err != nil {
		return err
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.ResetWindow(cmd.Context(), m); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"modality": m, "reset": true})
	}
	printSuccess(cmd.OutOrStdout(), "Feedback window for %s cleared", m)
	return nil
}

func runThresholdSummary(cmd *cobra.Command, args []string) error {
	m, err := parseModality(args[0])
	if err != nil {
		return err
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.client.Summary(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, report)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(summaryMarkdown(report)))
	return nil
}

const chartWidth = 40

func runThresholdChart(cmd *cobra.Command, args []string) error {
	m, err := parseModality(args[0])
	if err != nil {
		return err
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.client.Visualization(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("chart: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, v)
	}

	out := cmd.OutOrStdout()
	if len(v.Scores) == 0 {
		printMuted(out, "No feedback recorded for %s.", m)
		return nil
	}

	peak := 1
	for _, b := range v.Histogram {
		peak = max(peak, b.Count)
	}
	rows := make([][]string, len(v.Histogram))
	for i, b := range v.Histogram {
		bar := strings.Repeat("█", b.Count*chartWidth/peak)
		if b.Low <= v.Threshold && v.Threshold < b.High {
			bar += " ◀"
		}
		rows[i] = []string{b.Label(), fmt.Sprint(b.Count), bar}
	}
	fmt.Fprintln(out, renderTable([]string{"SCORE", "COUNT", ""}, rows))
	fmt.Fprintf(out, "Threshold %.3f, boundary [%.3f, %.3f]: %d events, %d errors (%.1f%%)\n",
		v.Threshold, v.BoundaryLow, v.BoundaryHigh,
		v.Boundary.TotalInBoundary, v.Boundary.ErrorsInBoundary, v.Boundary.ErrorRate*100)
	return nil
}
