// Package mcp exposes warden's session operations as MCP tools so an
// agent host can drive the orchestrator directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/warden/internal/models"
	"github.com/joescharf/warden/internal/orchestrator"
	"github.com/joescharf/warden/internal/store"
)

// Server wraps the warden data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	orch  *orchestrator.Orchestrator
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: s, orch: orch}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("warden", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.runTaskTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.sessionLogsTool())
	srv.AddTool(s.cancelSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.poolStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// warden_run_task
func (s *Server) runTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_run_task",
		mcp.WithDescription("Dispatch an agent task into a fresh sandbox for a scope. Returns immediately with the session id; completion is detected in the background. An active session for the same scope is cancelled first."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Scope id grouping related sessions (e.g. a pipeline card)")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Task prompt for the agent")),
		mcp.WithString("model", mcp.Description("Model override")),
		mcp.WithBoolean("restore", mcp.Description("Restore the scope's captured files and state before starting")),
	)
	return tool, s.handleRunTask
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := request.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: scope"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}

	receipt, err := s.orch.StartSession(ctx, scope, prompt, orchestrator.StartOptions{
		Model:        request.GetString("model", ""),
		RestoreScope: request.GetBool("restore", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal receipt: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_session_status",
		mcp.WithDescription("Get a session's current status, error, and output. Output is populated once the session completes."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}

	result := map[string]any{
		"id":         session.ID,
		"scope":      session.Scope,
		"status":     string(session.Status),
		"sandbox_id": session.SandboxID,
		"error":      session.LastError,
		"created_at": session.CreatedAt,
	}
	if session.Output != "" {
		var output models.SessionOutput
		if err := json.Unmarshal([]byte(session.Output), &output); err == nil {
			result["output"] = output
		}
	}
	if session.CompletedAt != nil {
		result["completed_at"] = session.CompletedAt
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_session_logs
func (s *Server) sessionLogsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_session_logs",
		mcp.WithDescription("Get a session's log lines in insertion order."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionLogs
}

func (s *Server) handleSessionLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	logs, err := s.store.GetSessionLogs(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get logs: %v", err)), nil
	}

	lines := make([]string, len(logs))
	for i, l := range logs {
		lines[i] = l.Message
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal logs: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_cancel_session
func (s *Server) cancelSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_cancel_session",
		mcp.WithDescription("Cancel a running session and kill its sandbox. Idempotent: cancelling a terminal session only re-runs cleanup."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleCancelSession
}

func (s *Server) handleCancelSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	if err := s.orch.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel session: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"session_id":%q,"status":"cancelled"}`, id)), nil
}

// warden_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_list_sessions",
		mcp.WithDescription("List sessions, optionally filtered by scope and/or status (pending/running/completed/failed/cancelled)."),
		mcp.WithString("scope", mcp.Description("Scope id to filter by")),
		mcp.WithString("status", mcp.Description("Status filter")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionListFilter{
		Scope:  request.GetString("scope", ""),
		Status: models.SessionStatus(request.GetString("status", "")),
		Limit:  50,
	}

	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID        string `json:"id"`
		Scope     string `json:"scope"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:        sess.ID,
			Scope:     sess.Scope,
			Status:    string(sess.Status),
			Error:     sess.LastError,
			CreatedAt: sess.CreatedAt.Format("2006-01-02 15:04:05"),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// warden_pool_status
func (s *Server) poolStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("warden_pool_status",
		mcp.WithDescription("List warm pool entries and their claim state."),
		mcp.WithString("template", mcp.Description("Template to filter by")),
	)
	return tool, s.handlePoolStatus
}

func (s *Server) handlePoolStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.store.ListPoolEntries(ctx, request.GetString("template", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pool entries: %v", err)), nil
	}

	type entryOut struct {
		ID        string `json:"id"`
		Template  string `json:"template"`
		SandboxID string `json:"sandbox_id"`
		Status    string `json:"status"`
		Claimant  string `json:"claimant,omitempty"`
	}
	out := make([]entryOut, len(entries))
	for i, e := range entries {
		out[i] = entryOut{
			ID:        e.ID,
			Template:  e.Template,
			SandboxID: e.SandboxID,
			Status:    string(e.Status),
			Claimant:  e.ClaimantID,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal pool entries: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
