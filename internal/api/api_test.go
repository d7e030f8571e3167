package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/harness/internal/coordinator"
	"github.com/joescharf/harness/internal/models"
	"github.com/joescharf/harness/internal/store"
)

func setupTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	return NewServer(s, 0.7, 2), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListItems_Empty(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/items", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var items []*models.WorkItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	assert.Empty(t, items)
}

func TestItemLifecycle_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	// Create
	w := do(t, router, "POST", "/api/v1/items", `{"title":"Fix flaky test","priority":"high","labels":["ci"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.WorkItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.HookStateReady, created.State)
	assert.Equal(t, models.PriorityHigh, created.Priority)

	// Get
	w = do(t, router, "GET", "/api/v1/items/"+created.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Label
	w = do(t, router, "POST", "/api/v1/items/"+created.ID+"/labels", `{"label":"backend"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var labelled models.WorkItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &labelled))
	assert.ElementsMatch(t, []string{"ci", "backend"}, labelled.Labels)

	// List by label
	w = do(t, router, "GET", "/api/v1/items?label=backend", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var items []*models.WorkItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, created.ID, items[0].ID)
}

func TestCreateItem_Invalid(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"title":`},
		{"missing title", `{"title":"  "}`},
		{"unknown priority", `{"title":"x","priority":"urgent"}`},
		{"empty label", `{"title":"x","labels":[""]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/items", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestGetItem_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/items/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListItems_BadLimit(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/items?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatus_API(t *testing.T) {
	srv, s := setupTestServer(t)
	ctx := context.Background()
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var empty statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Nil(t, empty.Run)
	assert.Equal(t, 0, empty.Items["ready"])

	require.NoError(t, s.CreateItem(ctx, &models.WorkItem{Title: "a"}))
	run := &models.Run{Status: models.RunStatusRunning}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{RunID: run.ID, SessionNumber: 1, Reason: "redirect", Confidence: 0.9}))

	w = do(t, router, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, run.ID, resp.Run.ID)
	assert.Equal(t, 1, resp.Items["ready"])
	require.NotNil(t, resp.Checkpoint)
	assert.Equal(t, "redirect", resp.Checkpoint.Reason)

	w = do(t, router, "GET", "/api/v1/runs/"+run.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, "GET", "/api/v1/checkpoints/"+resp.Checkpoint.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_API(t *testing.T) {
	srv, s := setupTestServer(t)
	ctx := context.Background()
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m coordinator.Metrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, coordinator.HealthHealthy, m.Health)
	assert.Equal(t, 2, m.MaxWorkers)

	// One failed session pauses the run without making it unhealthy.
	early := &models.Run{Status: models.RunStatusPaused, StartedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, s.CreateRun(ctx, early))
	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{RunID: early.ID, SessionNumber: 1, Reason: "session error", Confidence: 0}))

	w = do(t, router, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, early.ID, m.RunID)
	assert.Equal(t, coordinator.HealthDegraded, m.Health)

	run := &models.Run{Status: models.RunStatusPaused}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateCheckpoint(ctx, &models.Checkpoint{RunID: run.ID, SessionNumber: 3, Reason: "confidence below threshold", Confidence: 0.4}))

	w = do(t, router, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, coordinator.HealthUnhealthy, m.Health)
}

func TestRedirects_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/redirects", `{"note":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/redirects", `{"note":"focus on the parser"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, "GET", "/api/v1/redirects", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []*models.Redirect
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "focus on the parser", pending[0].Note)
}

func TestMergesAndSessions_API(t *testing.T) {
	srv, s := setupTestServer(t)
	ctx := context.Background()
	router := srv.Router()

	require.NoError(t, s.SaveMergeRecord(ctx, &models.MergeRecord{
		RunID: "run-1", WorkerID: "run-1/worker-1", ItemID: "item-1", CommitRef: "abc",
		Files: []string{"a.go"}, Status: models.MergeStatusPending, ConflictType: models.ConflictNone,
	}))
	require.NoError(t, s.RecordSessionResult(ctx, "run-1", &models.SessionResult{
		ItemID: "item-1", AgentID: "run-1/worker-1", Outcome: models.OutcomeSuccess,
	}))

	w := do(t, router, "GET", "/api/v1/merges?run_id=run-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []*models.MergeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, models.MergeStatusPending, recs[0].Status)

	w = do(t, router, "GET", "/api/v1/runs/run-1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var results []*models.SessionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/items", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
