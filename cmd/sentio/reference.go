package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var referenceCmd = &cobra.Command{
	Use:   "reference",
	Short: "Inspect the reference set",
	Long: `Inspect the reference set of human-verified samples used for
nearest-neighbour comparison.`,
}

var referenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reference samples",
	RunE:  runReferenceList,
}

var referenceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show reference set counts and activation",
	RunE:  runReferenceStats,
}

var referenceMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Compare features against the reference set",
	Long: `Compare a feature set against the reference set and report the
similarity adjustment for the healthy/sick decision.

Example:
  sentio reference match --features '{"mfcc_mean":[1.1,0.5],"duration":2.9}'`,
	RunE: runReferenceMatch,
}

var referenceFeatures string

func init() {
	referenceMatchCmd.Flags().StringVar(&referenceFeatures, "features", "", "Features as a JSON object (required)")
	_ = referenceMatchCmd.MarkFlagRequired("features")

	referenceCmd.AddCommand(referenceListCmd, referenceStatsCmd, referenceMatchCmd)
	rootCmd.AddCommand(referenceCmd)
}

func runReferenceList(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	refs, err := s.client.References(cmd.Context())
	if err != nil {
		return fmt.Errorf("list references: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, refs)
	}

	out := cmd.OutOrStdout()
	if len(refs) == 0 {
		printMuted(out, "Reference set is empty.")
		return nil
	}
	rows := make([][]string, len(refs))
	for i, r := range refs {
		rows[i] = []string{r.Filename, styleLabel(string(r.Classification)), fmt.Sprint(len(r.Features)), r.AddedAt.Format("2006-01-02 15:04")}
	}
	fmt.Fprintln(out, renderTable([]string{"FILE", "CLASS", "FEATURES", "ADDED"}, rows))
	return nil
}

func runReferenceStats(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.client.ReferenceStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("reference stats: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, st)
	}

	body := fmt.Sprintf("Healthy: %d\nSick:    %d\nTotal:   %d\nK:       %d\nWeight:  %.2f\n%s",
		st.HealthySamples, st.SickSamples, st.TotalSamples, st.K, st.SimilarityWeight, st.StatusMessage)
	fmt.Fprintln(cmd.OutOrStdout(), renderPanel("Reference Set", body))
	return nil
}

func runReferenceMatch(cmd *cobra.Command, args []string) error {
	var features map[string]any
	if err := json.Unmarshal([]byte(referenceFeatures), &features); err != nil {
		return fmt.Errorf("parse --features: %w", err)
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	adj, err := s.client.MatchReference(cmd.Context(), features)
	if err != nil {
		return fmt.Errorf("reference match: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, adj)
	}

	out := cmd.OutOrStdout()
	if !adj.Used {
		printMuted(out, "Reference comparison not used: %s", adj.Reason)
		return nil
	}
	printInfo(out, "Adjustment %+.3f (healthy %.3f, sick %.3f over %d neighbours)",
		adj.Value, adj.AvgHealthy, adj.AvgSick, len(adj.Neighbors))
	return nil
}
