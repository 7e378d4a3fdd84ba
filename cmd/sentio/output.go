package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/sentio"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr with any configured DSN redacted.
func outputError(w io.Writer, err error) {
	printError(w, "%s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData removes the Postgres DSN, which may carry a password,
// from error messages.
func scrubSensitiveData(msg string) string {
	if cfgPostgresDSN != "" && strings.Contains(msg, cfgPostgresDSN) {
		msg = strings.ReplaceAll(msg, cfgPostgresDSN, "[REDACTED]")
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[len(id)-10:]
	}
	return id
}

func formatThreshold(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}

func formatRate(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

func outputRecord(cmd *cobra.Command, r *sentio.StagingRecord) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "ID:         %s\n", r.ID)
	fmt.Fprintf(&body, "Modality:   %s\n", r.Modality)
	fmt.Fprintf(&body, "File:       %s\n", r.StagedFile)
	fmt.Fprintf(&body, "Prediction: %s (%.3f)\n", styleLabel(r.AIClassification), r.Confidence)
	if r.Pending() {
		fmt.Fprint(&body, "Status:     pending review")
	} else {
		fmt.Fprintf(&body, "Status:     validated as %s", styleLabel(*r.FinalClassification))
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderPanel("Staging Record", body.String()))
	return nil
}

type pendingOutput struct {
	Records []sentio.StagingRecord `json:"records"`
	Refs    map[string]string      `json:"refs"`
	Count   int                    `json:"count"`
}

func outputPending(cmd *cobra.Command, records []sentio.StagingRecord, refs map[string]string) error {
	if outputJSON {
		return outputAsJSON(cmd, pendingOutput{Records: records, Refs: refs, Count: len(records)})
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		printMuted(out, "No predictions awaiting review.")
		return nil
	}

	idToRef := make(map[string]string, len(refs))
	for ref, id := range refs {
		idToRef[id] = ref
	}

	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			idToRef[r.ID],
			r.ID,
			string(r.Modality),
			r.StagedFile,
			styleLabel(r.AIClassification),
			fmt.Sprintf("%.3f", r.Confidence),
		}
	}
	fmt.Fprintln(out, renderTable([]string{"REF", "ID", "MODALITY", "FILE", "PREDICTION", "SCORE"}, rows))
	printMuted(out, "%d awaiting review. Validate with: sentio validate <id> --confirm|--reject|--label", len(records))
	return nil
}

func outputValidation(cmd *cobra.Command, res *sentio.ValidationResult) error {
	if outputJSON {
		return outputAsJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	if res.HumanAgrees {
		printSuccess(out, "Validated %s: classifier was right (%s)", res.Record.StagedFile, styleLabel(res.FinalClassification))
	} else {
		printWarning(out, "Validated %s: classifier said %s, reviewer said %s",
			res.Record.StagedFile, styleLabel(res.Record.AIClassification), styleLabel(res.FinalClassification))
	}
	fmt.Fprintf(out, "  Destination: %s\n", res.Destination)
	if res.Event != nil {
		fmt.Fprintf(out, "  Boundary feedback recorded (threshold %.3f)\n", res.Event.CurrentThreshold)
	}
	if res.Suggestion != nil {
		printInfo(out, "Suggested %s threshold: %.3f", res.Record.Modality, *res.Suggestion)
	}
	if res.Promoted {
		fmt.Fprintln(out, "  Added to reference set")
	}
	return nil
}

func outputStats(cmd *cobra.Command, st *sentio.PipelineStats) error {
	out := cmd.OutOrStdout()

	var body strings.Builder
	fmt.Fprintf(&body, "Staged:    %d\n", st.TotalStaged)
	fmt.Fprintf(&body, "Pending:   %d\n", st.Pending)
	fmt.Fprintf(&body, "Validated: %d\n", st.Validated)
	fmt.Fprintf(&body, "Accuracy:  %s (%d correct, %d incorrect)", formatRate(st.Accuracy), st.AICorrect, st.AIIncorrect)
	fmt.Fprintln(out, renderPanel("Staging Pipeline", body.String()))

	rows := [][]string{}
	for _, m := range sentio.Modalities() {
		ms := st.ByModality[m]
		var rate *float64
		if ms.Validated > 0 {
			r := float64(ms.Correct) / float64(ms.Validated)
			rate = &r
		}
		rows = append(rows, []string{string(m), fmt.Sprint(ms.Total), fmt.Sprint(ms.Validated), formatRate(rate)})
	}
	fmt.Fprintln(out, renderTable([]string{"MODALITY", "STAGED", "VALIDATED", "ACCURACY"}, rows))
	return nil
}

func outputThresholds(cmd *cobra.Command, statuses []sentio.ThresholdStatus) error {
	if outputJSON {
		return outputAsJSON(cmd, statuses)
	}

	rows := make([][]string, len(statuses))
	for i, st := range statuses {
		state := "collecting"
		switch {
		case st.NeedsAdjustment:
			state = "suggestion ready"
		case st.WindowSize >= st.MinSamples:
			state = "stable"
		}
		rows[i] = []string{
			string(st.Modality),
			fmt.Sprintf("%.3f", st.CurrentThreshold),
			formatThreshold(st.SuggestedThreshold),
			fmt.Sprintf("%d/%d", st.WindowSize, st.MinSamples),
			formatRate(st.Accuracy.Rate),
			state,
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"MODALITY", "CURRENT", "SUGGESTED", "WINDOW", "ACCURACY", "STATE"}, rows))
	return nil
}

// summaryMarkdown renders a tuning report as markdown for glamour.
func summaryMarkdown(r *sentio.TuningReport) string {
	var sb strings.Builder
	fb := r.Feedback
	fmt.Fprintf(&sb, "# %s threshold report\n\n", r.Modality)
	fmt.Fprintf(&sb, "- **Current threshold:** %.3f\n", r.Status.CurrentThreshold)
	fmt.Fprintf(&sb, "- **Suggested threshold:** %s\n", formatThreshold(r.Status.SuggestedThreshold))
	fmt.Fprintf(&sb, "- **Window:** %d of %d events\n\n", r.Status.WindowSize, r.Status.MinSamples)
	sb.WriteString("## Feedback history\n\n")
	fmt.Fprintf(&sb, "- Events: %d\n", fb.TotalFeedback)
	fmt.Fprintf(&sb, "- Agreement: %.1f%%\n", fb.Accuracy*100)
	fmt.Fprintf(&sb, "- Recent agreement: %.1f%%\n", fb.RecentAccuracy*100)
	fmt.Fprintf(&sb, "- Boundary errors: %d\n\n", fb.BoundaryErrors)
	sb.WriteString("## Errors\n\n")
	fmt.Fprintf(&sb, "- Classifier said healthy, reviewer disagreed: %d\n", fb.Errors.FalsePositives)
	fmt.Fprintf(&sb, "- Classifier said sick, reviewer disagreed: %d\n", fb.Errors.FalseNegatives)
	fmt.Fprintf(&sb, "- Tendency: `%s`\n", fb.Errors.Tendency)
	return sb.String()
}
