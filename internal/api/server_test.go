package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	store := db.NewTestDB(t)
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	return New(Config{}, store, pub, metrics.New(), nil), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProjects(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	project := db.NewProjectDB(store, "PROJ")
	require.NoError(t, project.SaveProject(&domain.Project{Key: "PROJ", Name: "Project"}))

	rec := get(t, s, "/api/projects")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Projects []domain.Project `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Projects, 1)
	assert.Equal(t, "PROJ", body.Projects[0].Key)
}

func TestStatusRequiresProject(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "project query parameter")
}

func TestStatusReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	project := db.NewProjectDB(store, "PROJ")
	require.NoError(t, project.SaveProject(&domain.Project{Key: "PROJ", Name: "Project"}))

	rec := get(t, s, "/api/status?project=PROJ")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PROJ", body["project_key"])
	assert.Contains(t, body, "state")
}

func TestEvents(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	require.NoError(t, store.SaveWorkflowEvent(&db.WorkflowEvent{
		ProjectKey: "PROJ", Phase: "extract", Status: "completed",
		Message: "extract phase completed",
	}))

	rec := get(t, s, "/api/events?project=PROJ")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []db.WorkflowEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "extract", body.Events[0].Phase)
}

func TestEventsRejectsBadLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/events?project=PROJ&limit=banana")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportFormats(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t)
	project := db.NewProjectDB(store, "PROJ")
	require.NoError(t, project.SaveProject(&domain.Project{Key: "PROJ", Name: "Project"}))

	rec := get(t, s, "/api/report?project=PROJ")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = get(t, s, "/api/report?project=PROJ&format=markdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")

	rec = get(t, s, "/api/report?project=PROJ&format=csv")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
