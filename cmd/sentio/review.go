package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sentio"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Stage a classifier prediction for review",
	Long: `Stage a classifier prediction for human review.

Example:
  sentio ingest --modality vision --label HEALTHY --score 0.58 --file hen_042.jpg
  sentio ingest --modality audio --label DISTRESS --score 0.71 --file barn1.wav \
    --features '{"mfcc_mean":[1.2,0.4],"duration":3.1}'`,
	RunE: runIngest,
}

var (
	ingestModality    string
	ingestLabel       string
	ingestScore       float64
	ingestFile        string
	ingestPath        string
	ingestStoragePath string
	ingestFeatures    string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List predictions awaiting review",
	Long: `List staged predictions that have not been validated, oldest first.

Example:
  sentio pending
  sentio pending --modality audio --json`,
	RunE: runPending,
}

var pendingModality string

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a staged prediction",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var validateCmd = &cobra.Command{
	Use:   "validate <id>",
	Short: "Record the human label for a prediction",
	Long: `Record the human label for a pending prediction.

Give exactly one of --label, --confirm (agree with the classifier) or
--reject (disagree). Predictions scored within the boundary margin of the
current threshold feed threshold tuning.

Example:
  sentio validate 01JB7YQ3M4 --confirm
  sentio validate 01JB7YQ3M4 --label SICK`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var (
	validateLabel   string
	validateConfirm bool
	validateReject  bool
)

func init() {
	ingestCmd.Flags().StringVarP(&ingestModality, "modality", "m", "", "Modality: vision or audio (required)")
	ingestCmd.Flags().StringVarP(&ingestLabel, "label", "l", "", "Classifier label: HEALTHY, SICK, NORMAL, DISTRESS (required)")
	ingestCmd.Flags().Float64VarP(&ingestScore, "score", "s", 0, "Classifier score 0.0-1.0 (required)")
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Captured file name (required)")
	ingestCmd.Flags().StringVar(&ingestPath, "path", "", "Path of the captured file")
	ingestCmd.Flags().StringVar(&ingestStoragePath, "storage-path", "", "Object storage key of the staged copy")
	ingestCmd.Flags().StringVar(&ingestFeatures, "features", "", "Extracted features as a JSON object")
	for _, f := range []string{"modality", "label", "score", "file"} {
		_ = ingestCmd.MarkFlagRequired(f)
	}

	pendingCmd.Flags().StringVarP(&pendingModality, "modality", "m", "", "Only list this modality")

	validateCmd.Flags().StringVarP(&validateLabel, "label", "l", "", "Human label")
	validateCmd.Flags().BoolVar(&validateConfirm, "confirm", false, "Agree with the classifier")
	validateCmd.Flags().BoolVar(&validateReject, "reject", false, "Disagree with the classifier")
	validateCmd.MarkFlagsMutuallyExclusive("label", "confirm", "reject")
	validateCmd.MarkFlagsOneRequired("label", "confirm", "reject")

	rootCmd.AddCommand(ingestCmd, pendingCmd, showCmd, validateCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	m, err := parseModality(ingestModality)
	if err != nil {
		return err
	}

	var features map[string]any
	if ingestFeatures != "" {
		if err := json.Unmarshal([]byte(ingestFeatures), &features); err != nil {
			return fmt.Errorf("parse --features: %w", err)
		}
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.client.Ingest(cmd.Context(), sentio.IngestParams{
		Modality:         m,
		AIClassification: ingestLabel,
		Confidence:       ingestScore,
		Features:         features,
		OriginalFile:     ingestFile,
		OriginalPath:     ingestPath,
		StoragePath:      ingestStoragePath,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, r)
	}
	printSuccess(cmd.OutOrStdout(), "Staged %s", r.StagedFile)
	return outputRecord(cmd, r)
}

func runPending(cmd *cobra.Command, args []string) error {
	var m sentio.Modality
	if pendingModality != "" {
		parsed, err := parseModality(pendingModality)
		if err != nil {
			return err
		}
		m = parsed
	}

	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	records, refs, err := s.client.Pending(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	return outputPending(cmd, records, refs)
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.client.Get(cmd.Context(), s.client.Session().Resolve(args[0]))
	if err != nil {
		return fmt.Errorf("get %s: %w", args[0], err)
	}
	return outputRecord(cmd, r)
}

func runValidate(cmd *cobra.Command, args []string) error {
	s, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	id := s.client.Session().Resolve(args[0])

	var res *sentio.ValidationResult
	switch {
	case validateConfirm:
		res, err = s.client.Confirm(ctx, id)
	case validateReject:
		res, err = s.client.Reject(ctx, id)
	default:
		res, err = s.client.Validate(ctx, id, validateLabel)
	}
	if err != nil {
		return fmt.Errorf("validate %s: %w", id, err)
	}
	return outputValidation(cmd, res)
}
