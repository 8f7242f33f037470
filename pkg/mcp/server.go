package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/reqchain/internal/runner"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/streaming"
	"github.com/rendis/reqchain/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store     store.Store
	Runner    *runner.Runner
	Validator *validation.WorkflowValidator
	Hub       streaming.EventHub // scheduled-run progress to broadcast; may be nil
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with reqchain tool handlers.
type Server struct {
	store     store.Store
	runner    *runner.Runner
	validator *validation.WorkflowValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every reqchain tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		store:     deps.Store,
		runner:    deps.Runner,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"reqchain",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("reqchain runs saved chains of HTTP requests. Use reqchain.list to find workflows, reqchain.import to save one, reqchain.variables to see which {{name}} variables a step can use, reqchain.run to execute a workflow, reqchain.abort to stop it, reqchain.history to inspect past runs, and reqchain.diagram to see how variables flow between steps."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.relayScheduled(ctx); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: importTool(), Handler: s.handleImport},
		{Tool: exportTool(), Handler: s.handleExport},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: variablesTool(), Handler: s.handleVariables},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("reqchain.list",
		mcp.WithDescription("List saved workflows, most recently updated first"),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("reqchain.get",
		mcp.WithDescription("Get a saved workflow document with lint warnings"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func importTool() mcp.Tool {
	return mcp.NewTool("reqchain.import",
		mcp.WithDescription("Validate and save a workflow from its exported JSON form"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Exported workflow JSON (name, steps, serverUrl)")),
	)
}

func exportTool() mcp.Tool {
	return mcp.NewTool("reqchain.export",
		mcp.WithDescription("Export a saved workflow without its storage identity"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("format",
			mcp.Enum("json", "yaml"),
			mcp.Description("Output format (default: json)"),
		),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("reqchain.run",
		mcp.WithDescription("Run a saved workflow and return per-step outcomes"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("reqchain.abort",
		mcp.WithDescription("Abort the run in progress"),
	)
}

func variablesTool() mcp.Tool {
	return mcp.NewTool("reqchain.variables",
		mcp.WithDescription("List the variables a step can reference as {{name}}"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("step_index", mcp.Required(), mcp.Description("Zero-based position of the step")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("reqchain.history",
		mcp.WithDescription("List past runs of a workflow, or the event log of one run"),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow whose runs to list")),
		mcp.WithString("run_id", mcp.Description("ID of the run whose events to list")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default: 20)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("reqchain.diagram",
		mcp.WithDescription("Draw a workflow's steps and the variables passed between them. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("run_id", mcp.Description("Overlay the step outcomes of this run")),
	)
}
