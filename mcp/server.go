// Package mcp exposes the review and threshold operations of Sentio as MCP
// tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hyperengineering/sentio"
)

// Server wraps the MCP server with Sentio tools.
type Server struct {
	client    *sentio.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NewServer creates a new MCP server with Sentio tools registered.
func NewServer(client *sentio.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"sentio",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "sentio_pending", Description: "List predictions awaiting human review"},
		{Name: "sentio_ingest", Description: "Stage a classifier prediction for review"},
		{Name: "sentio_validate", Description: "Record the human label for a pending prediction"},
		{Name: "sentio_stats", Description: "Summarize the staging pipeline and classifier accuracy"},
		{Name: "sentio_threshold", Description: "Show the threshold tuning state of a modality"},
		{Name: "sentio_apply", Description: "Apply the suggested threshold of a modality"},
		{Name: "sentio_reset", Description: "Clear the feedback window of a modality"},
	}
}

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"sentio_pending":   s.handlePending,
		"sentio_ingest":    s.handleIngest,
		"sentio_validate":  s.handleValidate,
		"sentio_stats":     s.handleStats,
		"sentio_threshold": s.handleThreshold,
		"sentio_apply":     s.handleApply,
		"sentio_reset":     s.handleReset,
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers()[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return h(ctx, args)
}

func (s *Server) registerTools() {
	modality := func(required bool) mcp.ToolOption {
		opts := []mcp.PropertyOption{
			mcp.Description("Modality: vision or audio"),
			mcp.Enum(string(sentio.ModalityVision), string(sentio.ModalityAudio)),
		}
		if required {
			opts = append(opts, mcp.Required())
		}
		return mcp.WithString("modality", opts...)
	}

	tools := []mcp.Tool{
		mcp.NewTool("sentio_pending",
			mcp.WithDescription("List predictions awaiting human review. Returns session references (P1, P2, ...) that can be passed to sentio_validate."),
			modality(false),
		),
		mcp.NewTool("sentio_ingest",
			mcp.WithDescription("Stage a classifier prediction for human review."),
			modality(true),
			mcp.WithString("ai_classification",
				mcp.Description("Classifier label: HEALTHY, SICK, NORMAL or DISTRESS"),
				mcp.Required(),
			),
			mcp.WithNumber("confidence",
				mcp.Description("Classifier score 0.0-1.0"),
				mcp.Required(),
			),
			mcp.WithString("original_file",
				mcp.Description("Name of the captured image or audio file"),
				mcp.Required(),
			),
			mcp.WithString("original_path",
				mcp.Description("Path of the captured file on the capture device"),
			),
		),
		mcp.NewTool("sentio_validate",
			mcp.WithDescription("Record the human label for a pending prediction. Give exactly one of label, confirm or reject. Predictions near the decision threshold feed threshold tuning."),
			mcp.WithString("record",
				mcp.Description("Session reference (P1, P2, ...) or record ID"),
				mcp.Required(),
			),
			mcp.WithString("label",
				mcp.Description("Human label: HEALTHY, SICK, NORMAL or DISTRESS"),
			),
			mcp.WithBoolean("confirm",
				mcp.Description("Agree with the classifier"),
			),
			mcp.WithBoolean("reject",
				mcp.Description("Disagree with the classifier"),
			),
		),
		mcp.NewTool("sentio_stats",
			mcp.WithDescription("Summarize pending and validated predictions and classifier accuracy. Read-only."),
		),
		mcp.NewTool("sentio_threshold",
			mcp.WithDescription("Show the current and suggested threshold of a modality. Read-only."),
			modality(true),
		),
		mcp.NewTool("sentio_apply",
			mcp.WithDescription("Make the suggested threshold of a modality current and start a fresh feedback window."),
			modality(true),
		),
		mcp.NewTool("sentio_reset",
			mcp.WithDescription("Clear the feedback window and pending suggestion of a modality. Feedback history is kept."),
			modality(true),
		),
	}

	handlers := s.handlers()
	for _, tool := range tools {
		h := handlers[tool.Name]
		s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := h(ctx, req.GetArguments())
			if err != nil {
				return nil, err
			}
			return toMCPResult(result), nil
		})
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func failed(op string, err error) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf("%s failed: %v", op, err), IsError: true}
}

func modalityArg(args map[string]any, required bool) (sentio.Modality, *ToolResult) {
	s, _ := args["modality"].(string)
	if s == "" {
		if required {
			return "", &ToolResult{Content: "modality is required", IsError: true}
		}
		return "", nil
	}
	m, err := sentio.ParseModality(s)
	if err != nil {
		return "", &ToolResult{Content: err.Error(), IsError: true}
	}
	return m, nil
}

// Internal handlers

func (s *Server) handlePending(ctx context.Context, args map[string]any) (*ToolResult, error) {
	m, bad := modalityArg(args, false)
	if bad != nil {
		return bad, nil
	}

	records, refs, err := s.client.Pending(ctx, m)
	if err != nil {
		return failed("pending", err), nil
	}
	return &ToolResult{Content: formatPending(records, refs)}, nil
}

func (s *Server) handleIngest(ctx context.Context, args map[string]any) (*ToolResult, error) {
	m, bad := modalityArg(args, true)
	if bad != nil {
		return bad, nil
	}
	label, _ := args["ai_classification"].(string)
	if label == "" {
		return &ToolResult{Content: "ai_classification is required", IsError: true}, nil
	}
	score, ok := args["confidence"].(float64)
	if !ok {
		return &ToolResult{Content: "confidence is required", IsError: true}, nil
	}
	file, _ := args["original_file"].(string)
	path, _ := args["original_path"].(string)

	r, err := s.client.Ingest(ctx, sentio.IngestParams{
		Modality:         m,
		AIClassification: label,
		Confidence:       score,
		OriginalFile:     file,
		OriginalPath:     path,
	})
	if err != nil {
		return failed("ingest", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Staged %s [%s]:\n  Modality: %s\n  Prediction: %s (%.3f)",
		r.StagedFile, r.ID, r.Modality, r.AIClassification, r.Confidence)}, nil
}

func (s *Server) handleValidate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, _ := args["record"].(string)
	if ref == "" {
		return &ToolResult{Content: "record is required", IsError: true}, nil
	}
	label, _ := args["label"].(string)
	confirm, _ := args["confirm"].(bool)
	reject, _ := args["reject"].(bool)

	n := 0
	for _, set := range []bool{label != "", confirm, reject} {
		if set {
			n++
		}
	}
	if n != 1 {
		return &ToolResult{Content: "exactly one of label, confirm or reject must be provided", IsError: true}, nil
	}

	var (
		res *sentio.ValidationResult
		err error
		id  = s.client.Session().Resolve(ref)
	)
	switch {
	case confirm:
		res, err = s.client.Confirm(ctx, id)
	case reject:
		res, err = s.client.Reject(ctx, id)
	default:
		res, err = s.client.Validate(ctx, id, label)
	}
	if errors.Is(err, sentio.ErrValidationConflict) {
		return &ToolResult{Content: fmt.Sprintf("%s has already been validated", ref), IsError: true}, nil
	}
	if err != nil {
		return failed("validate", err), nil
	}
	return &ToolResult{Content: formatValidation(ref, res)}, nil
}

func (s *Server) handleStats(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	st, err := s.client.Stats(ctx)
	if err != nil {
		return failed("stats", err), nil
	}
	return &ToolResult{Content: formatStats(st)}, nil
}

func (s *Server) handleThreshold(ctx context.Context, args map[string]any) (*ToolResult, error) {
	m, bad := modalityArg(args, true)
	if bad != nil {
		return bad, nil
	}
	st, err := s.client.ThresholdStatus(ctx, m)
	if err != nil {
		return failed("threshold", err), nil
	}
	return &ToolResult{Content: formatStatus(st)}, nil
}

func (s *Server) handleApply(ctx context.Context, args map[string]any) (*ToolResult, error) {
	m, bad := modalityArg(args, true)
	if bad != nil {
		return bad, nil
	}
	before, err := s.client.ThresholdStatus(ctx, m)
	if err != nil {
		return failed("apply", err), nil
	}
	cfg, err := s.client.ApplySuggested(ctx, m)
	if errors.Is(err, sentio.ErrApplyRejected) {
		return &ToolResult{Content: fmt.Sprintf("No applicable suggestion for %s; threshold stays at %.3f", m, before.CurrentThreshold), IsError: true}, nil
	}
	if err != nil {
		return failed("apply", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Applied %s threshold: %.3f -> %.3f", m, before.CurrentThreshold, cfg.CurrentThreshold)}, nil
}

func (s *Server) handleReset(ctx context.Context, args map[string]any) (*ToolResult, error) {
	m, bad := modalityArg(args, true)
	if bad != nil {
		return bad, nil
	}
	if err := s.client.ResetWindow(ctx, m); err != nil {
		return failed("reset", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Feedback window for %s cleared", m)}, nil
}

// Formatting functions

func formatPending(records []sentio.StagingRecord, refs map[string]string) string {
	if len(records) == 0 {
		return "No predictions awaiting review."
	}

	idToRef := make(map[string]string, len(refs))
	for ref, id := range refs {
		idToRef[id] = ref
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d predictions awaiting review:\n\n", len(records)))
	for _, r := range records {
		sb.WriteString(fmt.Sprintf("[%s] %s %s\n", idToRef[r.ID], r.Modality, r.StagedFile))
		sb.WriteString(fmt.Sprintf("    Prediction: %s (%.3f)\n\n", r.AIClassification, r.Confidence))
	}
	sb.WriteString("Use sentio_validate with session refs (P1, P2, ...) to record the human label.")
	return sb.String()
}

func formatValidation(ref string, res *sentio.ValidationResult) string {
	var sb strings.Builder
	verdict := "disagrees with"
	if res.HumanAgrees {
		verdict = "agrees with"
	}
	sb.WriteString(fmt.Sprintf("Validated %s: human %s classifier (%s)\n", ref, verdict, res.FinalClassification))
	sb.WriteString(fmt.Sprintf("  Destination: %s\n", res.Destination))
	if res.Event != nil {
		sb.WriteString(fmt.Sprintf("  Boundary feedback recorded at threshold %.3f\n", res.Event.CurrentThreshold))
	}
	if res.Suggestion != nil {
		sb.WriteString(fmt.Sprintf("  Suggested threshold: %.3f\n", *res.Suggestion))
	}
	if res.Promoted {
		sb.WriteString("  Added to reference set\n")
	}
	return sb.String()
}

func formatStats(st *sentio.PipelineStats) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Staged: %d  Pending: %d  Validated: %d\n", st.TotalStaged, st.Pending, st.Validated))
	if st.Accuracy != nil {
		sb.WriteString(fmt.Sprintf("Accuracy: %.1f%% (%d correct, %d incorrect)\n", *st.Accuracy*100, st.AICorrect, st.AIIncorrect))
	} else {
		sb.WriteString("Accuracy: n/a\n")
	}
	for _, m := range sentio.Modalities() {
		ms, ok := st.ByModality[m]
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %s: %d staged, %d validated, %d correct\n", m, ms.Total, ms.Validated, ms.Correct))
	}
	return sb.String()
}

func formatStatus(st *sentio.ThresholdStatus) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s threshold: %.3f\n", st.Modality, st.CurrentThreshold))
	if st.SuggestedThreshold != nil {
		sb.WriteString(fmt.Sprintf("  Suggested: %.3f\n", *st.SuggestedThreshold))
	} else {
		sb.WriteString("  Suggested: none\n")
	}
	sb.WriteString(fmt.Sprintf("  Feedback window: %d/%d events\n", st.WindowSize, st.MinSamples))
	if st.Accuracy.Rate != nil {
		sb.WriteString(fmt.Sprintf("  Accuracy: %.1f%% of %d validated\n", *st.Accuracy.Rate*100, st.Accuracy.Validated))
	}
	return sb.String()
}
