package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/reqchain/internal/diagram"
	"github.com/rendis/reqchain/internal/exchange"
	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/pkg/schema"
)

// workflowSummary is the list view of a saved workflow.
type workflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ServerURL string    `json:"serverUrl"`
	Steps     int       `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}

// stepOutcome is the per-step view of a finished run.
type stepOutcome struct {
	StepID     string         `json:"step_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	HTTPStatus int            `json:"http_status,omitempty"`
	TimeMs     int64          `json:"time_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Extracted  map[string]any `json:"extracted,omitempty"`
}

func (s *Server) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	out := make([]workflowSummary, len(docs))
	for i, d := range docs {
		out[i] = workflowSummary{ID: d.ID, Name: d.Name, ServerURL: d.ServerURL, Steps: len(d.Steps), UpdatedAt: d.UpdatedAt}
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	doc, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow": doc,
		"issues":   s.lint(doc),
	})
}

// handleImport saves a new workflow. Lint warnings are returned, not enforced.
func (s *Server) handleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	doc, err := exchange.Import([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("import failed: %v", err)), nil
	}
	issues := s.lint(doc)
	if len(issues.Errors) > 0 {
		return mcp.NewToolResultError(fmt.Sprintf("import failed: %v", issues.ToError())), nil
	}
	if err := s.store.CreateWorkflow(ctx, doc); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": doc.ID,
		"steps":       len(doc.Steps),
		"warnings":    issues.Warnings,
	})
}

func (s *Server) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "json")

	doc, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}

	var data []byte
	switch format {
	case "json":
		data, err = exchange.Export(doc)
	case "yaml":
		data, err = exchange.ExportYAML(doc)
	default:
		return mcp.NewToolResultError("format must be json or yaml"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleRun executes a saved workflow and blocks until it finishes. Step
// progress is pushed to the calling session as it happens.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if s.runner == nil {
		return mcp.NewToolResultError("runner not configured"), nil
	}

	res, err := s.runner.RunSaved(ctx, id, store.TriggerMCP, newProgressNotifier(ctx, s.mcpServer, s.logger))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	names := make(map[string]string)
	if doc := s.runner.State().Workflow(); doc != nil {
		for _, step := range doc.Steps {
			names[step.ID] = step.Name
		}
	}
	steps := make([]stepOutcome, len(res.Results))
	for i, r := range res.Results {
		steps[i] = stepOutcome{
			StepID:    r.StepID,
			Name:      names[r.StepID],
			Status:    string(r.Status),
			Error:     r.Error,
			Extracted: r.ExtractedVariables,
		}
		if r.Response != nil {
			steps[i].HTTPStatus = r.Response.Status
			steps[i].TimeMs = r.Response.Time
		}
	}

	return marshalResult(map[string]any{
		"run_id":      res.RunID,
		"workflow_id": res.WorkflowID,
		"status":      res.Status,
		"steps":       steps,
		"variables":   res.Variables,
		"duration_ms": res.CompletedAt.Sub(res.StartedAt).Milliseconds(),
	})
}

func (s *Server) handleAbort(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("runner not configured"), nil
	}
	busy := s.runner.Busy()
	s.runner.Abort()
	return marshalResult(map[string]any{"ok": true, "aborted": busy})
}

func (s *Server) handleVariables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	index := extractInt(req.GetArguments(), "step_index", -1)
	if index < 0 {
		return mcp.NewToolResultError("step_index must be a non-negative integer"), nil
	}

	doc, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"step_index": index,
		"variables":  expressions.AvailableVariables(doc.Steps, index),
	})
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": run, "events": events})
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("history requires either 'workflow_id' or 'run_id'"), nil
	}
	runs, err := s.store.ListRuns(ctx, workflowID, extractInt(req.GetArguments(), "limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleDiagram renders a workflow in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	doc, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	var results []schema.StepExecutionResult
	if runID := req.GetString("run_id", ""); runID != "" {
		run, runErr := s.store.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
		}
		results = run.Results
	}

	model, err := diagram.Build(doc, results)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.ImagePNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

func (s *Server) lint(doc *schema.WorkflowDocument) *schema.ValidationResult {
	if s.validator == nil {
		return &schema.ValidationResult{}
	}
	return s.validator.Validate(doc)
}

// extractInt safely extracts an integer from a tool argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
