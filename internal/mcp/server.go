package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

// Server exposes the ledger to a supervising agent as MCP tools.
type Server struct {
	store      store.Store
	threshold  float64
	maxWorkers int
	version    string
}

// Options configures a Server.
type Options struct {
	// ConfidenceThreshold and MaxWorkers feed the health verdict.
	ConfidenceThreshold float64
	MaxWorkers          int
	Version             string
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		store:      s,
		threshold:  opts.ConfidenceThreshold,
		maxWorkers: opts.MaxWorkers,
		version:    opts.Version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("harness", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.statusTool())
	srv.AddTool(s.listItemsTool())
	srv.AddTool(s.addItemTool())
	srv.AddTool(s.listCheckpointsTool())
	srv.AddTool(s.redirectTool())
	srv.AddTool(s.healthTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

type itemOut struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority"`
	State       string   `json:"state"`
	RetryCount  int      `json:"retry_count"`
	Labels      []string `json:"labels"`
	CreatedAt   string   `json:"created_at"`
}

func toItemOut(it *models.WorkItem) itemOut {
	labels := it.Labels
	if labels == nil {
		labels = []string{}
	}
	return itemOut{
		ID:          it.ID,
		Title:       it.Title,
		Description: it.Description,
		Priority:    string(it.Priority),
		State:       string(it.State),
		RetryCount:  it.RetryCount,
		Labels:      labels,
		CreatedAt:   it.CreatedAt.Format(time.RFC3339),
	}
}

type checkpointOut struct {
	ID              string   `json:"id"`
	RunID           string   `json:"run_id"`
	SessionNumber   int      `json:"session_number"`
	Reason          string   `json:"reason"`
	Summary         string   `json:"summary"`
	ItemsCompleted  []string `json:"items_completed"`
	ItemsInProgress []string `json:"items_in_progress"`
	ItemsFailed     []string `json:"items_failed"`
	CommitRef       string   `json:"commit_ref,omitempty"`
	Confidence      float64  `json:"confidence"`
	RedirectNotes   string   `json:"redirect_notes,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func toCheckpointOut(cp *models.Checkpoint) checkpointOut {
	return checkpointOut{
		ID:              cp.ID,
		RunID:           cp.RunID,
		SessionNumber:   cp.SessionNumber,
		Reason:          cp.Reason,
		Summary:         cp.Summary,
		ItemsCompleted:  cp.ItemsCompleted,
		ItemsInProgress: cp.ItemsInProgress,
		ItemsFailed:     cp.ItemsFailed,
		CommitRef:       cp.CommitRef,
		Confidence:      cp.Confidence,
		RedirectNotes:   cp.RedirectNotes,
		CreatedAt:       cp.CreatedAt.Format(time.RFC3339),
	}
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// harness_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_status",
		mcp.WithDescription("Get the status of a run: run state, sessions completed, work item counts by state, and the latest checkpoint. Defaults to the latest run."),
		mcp.WithString("run_id", mcp.Description("Run ID (default: latest run)")),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := request.GetString("run_id", "")

	var run *models.Run
	var err error
	if runID == "" {
		run, err = s.store.LatestRun(ctx)
	} else {
		run, err = s.store.GetRun(ctx, runID)
	}
	if err != nil && !(errors.Is(err, store.ErrNotFound) && runID == "") {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	counts, err := s.store.CountItemsByState(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count items: %v", err)), nil
	}
	countsOut := map[string]int{}
	for _, st := range []models.HookState{models.HookStateReady, models.HookStateInProgress, models.HookStateClosed, models.HookStateFailed} {
		countsOut[string(st)] = counts[st]
	}

	result := map[string]any{"items": countsOut}
	if run != nil {
		result["run"] = map[string]any{
			"id":                 run.ID,
			"status":             string(run.Status),
			"sessions_completed": run.SessionsCompleted,
			"error":              run.Error,
			"started_at":         run.StartedAt.Format(time.RFC3339),
		}
		cp, err := s.store.LatestCheckpoint(ctx, run.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load checkpoint: %v", err)), nil
		}
		if cp != nil {
			result["checkpoint"] = toCheckpointOut(cp)
		}
	}
	return jsonResult(result, "status")
}

// harness_list_items
func (s *Server) listItemsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_list_items",
		mcp.WithDescription("List work items in claim order. Returns a JSON array with id, title, priority, state, retry_count and labels."),
		mcp.WithString("state", mcp.Description("Filter by state: ready, in_progress, closed, failed")),
		mcp.WithString("label", mcp.Description("Filter by label")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of items (default: all)")),
	)
	return tool, s.handleListItems
}

func (s *Server) handleListItems(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ItemFilter{
		State: models.HookState(request.GetString("state", "")),
		Label: request.GetString("label", ""),
		Limit: request.GetInt("limit", 0),
	}
	items, err := s.store.ListItems(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list items: %v", err)), nil
	}

	out := make([]itemOut, len(items))
	for i, it := range items {
		out[i] = toItemOut(it)
	}
	return jsonResult(out, "items")
}

// harness_add_item
func (s *Server) addItemTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_add_item",
		mcp.WithDescription("Add a work item to the queue. Returns the created item as JSON."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Item title")),
		mcp.WithString("description", mcp.Description("What the agent should do")),
		mcp.WithString("priority", mcp.Description("Priority: low, medium, high (default: medium)")),
		mcp.WithString("labels", mcp.Description("Comma-separated labels")),
	)
	return tool, s.handleAddItem
}

func (s *Server) handleAddItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	item := &models.WorkItem{
		Title:       title,
		Description: request.GetString("description", ""),
		Priority:    models.Priority(request.GetString("priority", string(models.PriorityMedium))),
		Labels:      splitLabels(request.GetString("labels", "")),
	}
	if err := models.Validate(item); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid item: %v", err)), nil
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create item: %v", err)), nil
	}
	return jsonResult(toItemOut(item), "item")
}

// harness_list_checkpoints
func (s *Server) listCheckpointsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_list_checkpoints",
		mcp.WithDescription("List checkpoints, newest first. Each has the reason, summary, item lists, confidence and redirect notes."),
		mcp.WithString("run_id", mcp.Description("Filter by run ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of checkpoints (default: 10)")),
	)
	return tool, s.handleListCheckpoints
}

func (s *Server) handleListCheckpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cps, err := s.store.ListCheckpoints(ctx, request.GetString("run_id", ""), request.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list checkpoints: %v", err)), nil
	}
	out := make([]checkpointOut, len(cps))
	for i, cp := range cps {
		out[i] = toCheckpointOut(cp)
	}
	return jsonResult(out, "checkpoints")
}

// harness_redirect
func (s *Server) redirectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_redirect",
		mcp.WithDescription("Record a human redirect. The running coordinator picks it up after the next session, checkpoints, and hands the note to later sessions."),
		mcp.WithString("note", mcp.Required(), mcp.Description("Instruction for the agents")),
	)
	return tool, s.handleRedirect
}

func (s *Server) handleRedirect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	note, err := request.RequireString("note")
	if err != nil || strings.TrimSpace(note) == "" {
		return mcp.NewToolResultError("missing required parameter: note"), nil
	}
	r := &models.Redirect{Note: strings.TrimSpace(note)}
	if err := s.store.CreateRedirect(ctx, r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record redirect: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"id":         r.ID,
		"note":       r.Note,
		"created_at": r.CreatedAt.Format(time.RFC3339),
	}, "redirect")
}

// harness_health
func (s *Server) healthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("harness_health",
		mcp.WithDescription("Get run metrics and a health verdict (healthy, degraded, unhealthy) computed from the ledger."),
	)
	return tool, s.handleHealth
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := coordinator.LedgerMetrics(ctx, s.store, s.threshold, s.maxWorkers)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute health: %v", err)), nil
	}
	return jsonResult(m, "metrics")
}

func splitLabels(s string) []string {
	var labels []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
