package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

// Server provides the REST API handlers over the ledger.
type Server struct {
	store      store.Store
	threshold  float64
	maxWorkers int
}

// NewServer creates a new API server. threshold and maxWorkers feed the
// health verdict.
func NewServer(s store.Store, threshold float64, maxWorkers int) *Server {
	return &Server{store: s, threshold: threshold, maxWorkers: maxWorkers}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/items", s.listItems)
	mux.HandleFunc("POST /api/v1/items", s.createItem)
	mux.HandleFunc("GET /api/v1/items/{id}", s.getItem)
	mux.HandleFunc("POST /api/v1/items/{id}/labels", s.labelItem)

	mux.HandleFunc("GET /api/v1/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/sessions", s.listSessions)

	mux.HandleFunc("GET /api/v1/checkpoints", s.listCheckpoints)
	mux.HandleFunc("GET /api/v1/checkpoints/{id}", s.getCheckpoint)

	mux.HandleFunc("GET /api/v1/redirects", s.listRedirects)
	mux.HandleFunc("POST /api/v1/redirects", s.createRedirect)

	mux.HandleFunc("GET /api/v1/merges", s.listMerges)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps ledger errors onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// --- Status ---

type statusResponse struct {
	Run        *models.Run        `json:"run,omitempty"`
	Items      map[string]int     `json:"items"`
	Checkpoint *models.Checkpoint `json:"checkpoint,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.store.CountItemsByState(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := statusResponse{Items: map[string]int{}}
	for _, st := range []models.HookState{models.HookStateReady, models.HookStateInProgress, models.HookStateClosed, models.HookStateFailed} {
		resp.Items[string(st)] = counts[st]
	}

	run, err := s.store.LatestRun(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	if run != nil {
		resp.Run = run
		cp, err := s.store.LatestCheckpoint(ctx, run.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		resp.Checkpoint = cp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	m, err := coordinator.LedgerMetrics(r.Context(), s.store, s.threshold, s.maxWorkers)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if m.Health == coordinator.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, m)
}

// --- Items ---

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.ItemFilter{
		State: models.HookState(r.URL.Query().Get("state")),
		Label: r.URL.Query().Get("label"),
		Limit: limit,
	}
	items, err := s.store.ListItems(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type createItemRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	item := &models.WorkItem{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Priority:    models.Priority(req.Priority),
		Labels:      req.Labels,
	}
	if err := models.Validate(item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateItem(r.Context(), item); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) labelItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	id := r.PathValue("id")
	if err := s.store.AppendLabel(r.Context(), id, label); err != nil {
		writeStoreError(w, err)
		return
	}
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Runs ---

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.store.ListSessionResults(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Checkpoints ---

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cps, err := s.store.ListCheckpoints(r.Context(), r.URL.Query().Get("run_id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.store.GetCheckpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// --- Redirects ---

func (s *Server) listRedirects(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPendingRedirects(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) createRedirect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}
	red := &models.Redirect{Note: note}
	if err := s.store.CreateRedirect(r.Context(), red); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, red)
}

// --- Merges ---

func (s *Server) listMerges(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.store.ListMergeRecords(r.Context(), r.URL.Query().Get("run_id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
