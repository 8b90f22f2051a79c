package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/interrupts"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// PlanRunner starts plan executions. *engine.Engine satisfies it.
type PlanRunner interface {
	StartPlan(ctx context.Context, req engine.StartRequest) (*store.PlanExecution, error)
}

// InterruptIssuer registers and processes interrupts. *interrupts.Manager satisfies it.
type InterruptIssuer interface {
	Issue(ctx context.Context, req interrupts.Request) (*store.Interrupt, error)
}

// PlanLoader decodes and validates a plan document.
// *validation.PlanValidator satisfies it.
type PlanLoader interface {
	LoadPlan(data []byte) (*schema.PlanDefinition, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner     PlanRunner
	Interrupts InterruptIssuer
	Loader     PlanLoader
	Store      store.Store
	// Sessions is shared with the MCPNotifier. Nil creates a private registry.
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with the orchestra operator tools.
type Server struct {
	runner     PlanRunner
	interrupts InterruptIssuer
	loader     PlanLoader
	store      store.Store
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		runner:     deps.Runner,
		interrupts: deps.Interrupts,
		loader:     deps.Loader,
		store:      deps.Store,
		sessions:   sessions,
		logger:     logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"orchestra",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Orchestra runs pipeline plans made of stages and steps. Use orchestra.run to start a plan, orchestra.status to inspect a plan execution, orchestra.interrupt to retry, abort, pause, resume or mark nodes, orchestra.query to list plans, events and interrupts, and orchestra.diagram to render a plan."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()
	s.logger.Info("mcp sse listening", "addr", addr, "base_url", baseURL)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry that maps plan executions to MCP sessions.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: interruptTool(), Handler: s.handleInterrupt},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("orchestra.run",
		mcp.WithDescription("Validate a plan document and start a plan execution"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("Plan document, YAML or JSON")),
		mcp.WithObject("inputs", mcp.Description("Inputs merged over the plan's declared defaults")),
		mcp.WithObject("setup_abstractions", mcp.Description("Setup abstractions such as accountId, orgIdentifier, projectIdentifier")),
		mcp.WithString("plan_execution_id", mcp.Description("Execution id to use (default: generated)")),
		mcp.WithString("triggered_by", mcp.Description("Who is starting the plan")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("orchestra.status",
		mcp.WithDescription("Get a plan execution with its node executions and interrupts"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the plan execution")),
		mcp.WithBoolean("include_retried", mcp.Description("Include node executions superseded by a retry (default: false)")),
	)
}

func interruptTool() mcp.Tool {
	types := make([]string, 0, len(schema.InterruptTypes))
	for _, t := range schema.InterruptTypes {
		types = append(types, string(t))
	}
	return mcp.NewTool("orchestra.interrupt",
		mcp.WithDescription("Issue an interrupt against a plan execution or one of its nodes"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the target plan execution")),
		mcp.WithString("type", mcp.Required(), mcp.Enum(types...), mcp.Description("Interrupt type")),
		mcp.WithString("node_execution_id", mcp.Description("Target node execution (required for node interrupts)")),
		mcp.WithObject("parameters", mcp.Description("Type specific parameters; for RETRY, the new step parameters")),
		mcp.WithString("issued_by", mcp.Description("Who is issuing the interrupt")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("orchestra.query",
		mcp.WithDescription("Query plan executions, events, or interrupts"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("plans", "events", "interrupts"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (plan_id, status, limit, offset, plan_execution_id, since)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("orchestra.diagram",
		mcp.WithDescription("Render a plan, optionally overlaid with the state of a plan execution"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format"),
		),
		mcp.WithString("plan_execution_id", mcp.Description("Render the plan of this execution with node status")),
		mcp.WithString("plan", mcp.Description("Plan document, YAML or JSON, when no execution is given")),
	)
}
