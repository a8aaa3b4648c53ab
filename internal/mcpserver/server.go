// Package mcpserver exposes repl sessions as MCP tools over stdio.
//
// The tool surface is the offloading contract: an agent loads a large file
// into a named session, pokes at it with snippets, and pulls back only the
// small printed results. Full file content never appears in a tool response.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/replforge/repld/internal/executor"
	"github.com/replforge/repld/internal/repl"
)

// Server wires the session registry into an MCP stdio server.
type Server struct {
	mcp      *server.MCPServer
	registry *repl.Registry
	logger   *slog.Logger
}

// New creates the MCP server and registers the tool set.
func New(registry *repl.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"repld",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		registry: registry,
		logger:   logger,
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("repl_load_file",
		mcp.WithDescription("Load a text file into a session variable (default: 'context') without returning its content. Use repl_execute_code to analyze it."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the file to load")),
		mcp.WithString("session_id", mcp.Description("Session to load into (created on first use, default: 'default')")),
		mcp.WithString("variable", mcp.Description("Variable name to bind the content to (default: 'context')")),
	), s.handleLoadFile)

	s.mcp.AddTool(mcp.NewTool("repl_load_files",
		mcp.WithDescription("Load multiple text files into a session as a name->content mapping (default variable: 'files'). Per-file failures are reported, successful files still load."),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Paths of the files to load"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("names", mcp.Description("Optional mapping keys, positional; defaults to each file's base name"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("session_id", mcp.Description("Session to load into (default: 'default')")),
		mcp.WithString("variable", mcp.Description("Variable name for the mapping (default: 'files')")),
	), s.handleLoadFiles)

	s.mcp.AddTool(mcp.NewTool("repl_execute_code",
		mcp.WithDescription("Execute a Python snippet against the session's variables. Variables persist between calls. Print results instead of returning large values."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Snippet to execute")),
		mcp.WithString("session_id", mcp.Description("Session to execute in (default: 'default')")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Execution deadline in seconds (default: 30)")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("repl_get_variable",
		mcp.WithDescription("Fetch a session variable's value, rendered as text and bounded in size."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Variable name")),
		mcp.WithString("session_id", mcp.Description("Session to read from (default: 'default')")),
		mcp.WithNumber("max_length", mcp.Description("Maximum characters to return (default: output limit)")),
	), s.handleGetVariable)

	s.mcp.AddTool(mcp.NewTool("repl_session_info",
		mcp.WithDescription("List a session's variables, approximate memory use, and execution count."),
		mcp.WithString("session_id", mcp.Description("Session to inspect (default: 'default')")),
	), s.handleSessionInfo)

	s.mcp.AddTool(mcp.NewTool("repl_reset_session",
		mcp.WithDescription("Clear a session's variables and execution history. The session id stays valid."),
		mcp.WithString("session_id", mcp.Description("Session to reset (default: 'default')")),
	), s.handleReset)
}

func (s *Server) handleLoadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")
	variable := req.GetString("variable", "")

	session := s.registry.Resolve(sessionID)
	report, err := session.LoadFile(path, variable)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(renderLoadReport(session.ID(), report)), nil
}

func (s *Server) handleLoadFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := req.RequireStringSlice("paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	names := req.GetStringSlice("names", nil)
	sessionID := req.GetString("session_id", "")
	variable := req.GetString("variable", "")

	session := s.registry.Resolve(sessionID)
	report, err := session.LoadFiles(paths, names, variable)
	if err != nil && report == nil {
		return toolError(err), nil
	}
	if err != nil {
		// Partial data may exist in the report even when the load failed
		// outright, so render what there is alongside the error.
		return mcp.NewToolResultError(renderMultiLoadReport(session.ID(), report) + "\nError: " + err.Error()), nil
	}
	return mcp.NewToolResultText(renderMultiLoadReport(session.ID(), report)), nil
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")
	timeout := time.Duration(req.GetFloat("timeout_seconds", 0) * float64(time.Second))

	session := s.registry.Resolve(sessionID)
	result, err := session.Execute(ctx, code, timeout)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(renderExecResult(result)), nil
}

func (s *Server) handleGetVariable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")
	maxLen := int(req.GetFloat("max_length", 0))

	session := s.registry.Resolve(sessionID)
	value, err := session.GetVariable(name, maxLen)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(value), nil
}

func (s *Server) handleSessionInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	session := s.registry.Resolve(sessionID)
	return mcp.NewToolResultText(renderInfo(session.Info())), nil
}

func (s *Server) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	session := s.registry.Resolve(sessionID)
	if err := session.Reset(); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %q reset. Variables cleared, execution count back to 0.", session.ID())), nil
}

// toolError maps domain errors onto MCP error results. Anything not in the
// taxonomy still surfaces as an error string rather than a protocol failure.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, repl.ErrNotFound),
		errors.Is(err, repl.ErrDecode),
		errors.Is(err, repl.ErrSessionBusy),
		errors.Is(err, repl.ErrExecutionBudget),
		errors.Is(err, repl.ErrResetBudget),
		errors.Is(err, executor.ErrUnavailable):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultError("internal error: " + err.Error())
	}
}

func renderLoadReport(sessionID string, r *repl.LoadReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded %s into %q (session %q): %d chars, %d lines.\n",
		r.Path, r.BindName, sessionID, r.Chars, r.Lines)
	if r.SmallFile {
		b.WriteString("Note: file is small; reading it directly may be simpler than a session.\n")
	}
	fmt.Fprintf(&b, "Preview:\n%s", r.Preview)
	return b.String()
}

func renderMultiLoadReport(sessionID string, r *repl.MultiLoadReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded %d/%d files into %q (session %q), %d chars total.\n",
		r.Loaded, len(r.Files), r.BindName, sessionID, r.TotalChars)
	for _, f := range r.Files {
		if f.Err != nil {
			fmt.Fprintf(&b, "  %s -> FAILED: %v\n", f.Path, f.Err)
		} else {
			fmt.Fprintf(&b, "  %s -> %s[%q] (%d chars)\n", f.Path, r.BindName, f.Name, f.Chars)
		}
	}
	if r.SmallFiles {
		b.WriteString("Note: combined content is small; reading the files directly may be simpler.\n")
	}
	return b.String()
}

func renderExecResult(r *repl.ExecResult) string {
	var b strings.Builder

	switch r.Outcome {
	case executor.OutcomeTimedOut:
		fmt.Fprintf(&b, "Execution timed out after %s. The worker was killed; session variables are unchanged.\n", r.Duration.Round(time.Millisecond))
	case executor.OutcomeCrashed:
		fmt.Fprintf(&b, "Execution failed: %s\n", r.Diagnostic)
	}

	if r.Stdout != "" {
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		fmt.Fprintf(&b, "[stderr]\n%s", r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	if r.ReturnedValue != "" {
		fmt.Fprintf(&b, "=> %s\n", r.ReturnedValue)
	}
	if r.Outcome == executor.OutcomeCompleted && b.Len() == 0 {
		b.WriteString("(no output)\n")
	}

	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}

	if r.Remaining >= 0 {
		fmt.Fprintf(&b, "[execution %d, %d remaining]\n", r.ExecutionCount, r.Remaining)
	}
	return b.String()
}

func renderInfo(info repl.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %q\n", info.ID)
	if len(info.Variables) == 0 {
		b.WriteString("Variables: (none)\n")
	} else {
		fmt.Fprintf(&b, "Variables: %s\n", strings.Join(info.Variables, ", "))
	}
	fmt.Fprintf(&b, "Approximate size: %d bytes\n", info.TotalSizeBytes)
	if info.Remaining >= 0 {
		fmt.Fprintf(&b, "Executions: %d used, %d remaining\n", info.ExecutionCount, info.Remaining)
	} else {
		fmt.Fprintf(&b, "Executions: %d\n", info.ExecutionCount)
	}
	fmt.Fprintf(&b, "Idle: %s\n", info.Idle.Round(time.Second))
	return b.String()
}
