package qtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client, err := NewHTTPClient(Config{
		BaseURL:   ts.URL,
		Token:     "secret-token",
		ProjectID: 77,
	}, nil)
	require.NoError(t, err)
	return client, ts
}

func TestHTTPClientConfigValidation(t *testing.T) {
	_, err := NewHTTPClient(Config{Token: "t", ProjectID: 1}, nil)
	assert.Error(t, err, "missing base URL")

	_, err = NewHTTPClient(Config{BaseURL: "https://x", ProjectID: 1}, nil)
	assert.Error(t, err, "missing token")

	_, err = NewHTTPClient(Config{BaseURL: "https://x", Token: "t"}, nil)
	assert.Error(t, err, "missing project id")
}

func TestHTTPClientCreateTestCase(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody TestCase
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		created := gotBody
		created.ID = 5001
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(created)
	}))

	created, err := client.CreateTestCase(context.Background(), &TestCase{
		Name:       "Login works",
		ParentID:   42,
		PriorityID: 2,
		Steps:      []TestStep{{Order: 1, Description: "open page"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/projects/77/test-cases", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "Login works", gotBody.Name)
	assert.Equal(t, int64(5001), created.ID)
	assert.Equal(t, 2, created.PriorityID)
}

func TestHTTPClientSubmitTestLogPath(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))

	err := client.SubmitTestLog(context.Background(), 900, &TestLog{Status: RunPassed})
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/projects/77/test-runs/900/test-logs", gotPath)
}

func TestHTTPClientErrorCarriesStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"name already used"}`, http.StatusConflict)
	}))

	_, err := client.CreateModule(context.Background(), &Module{Name: "dup"})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, migerrors.StatusCodeOf(err))
	assert.Contains(t, err.Error(), "name already used")
}

func TestHTTPClientDeleteNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	}))

	err := client.DeleteTestCase(context.Background(), 123)
	require.Error(t, err)
	assert.True(t, migerrors.IsNotFound(err))
}

func TestHTTPClientUploadAttachment(t *testing.T) {
	var gotPath, gotName, gotContentType string
	var gotLen int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotLen = len(data)
		w.WriteHeader(http.StatusCreated)
	}))

	err := client.UploadAttachment(context.Background(), ObjectTestCase, 5001,
		"tc_101_evidence.png", strings.NewReader("binary-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/projects/77/test-cases/5001/blob-handles", gotPath)
	assert.Equal(t, "tc_101_evidence.png", gotName)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, len("binary-bytes"), gotLen)
}

func TestHTTPClientBreakerOpensOnServerErrors(t *testing.T) {
	var hits int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := client.GetProject(ctx)
		require.Error(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, migerrors.StatusCodeOf(err))
	}
	assert.Equal(t, 5, hits)

	// Breaker now open: the next call fails fast without a request.
	_, err := client.GetProject(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 5, hits)
}

func TestHTTPClientBreakerIgnoresClientErrors(t *testing.T) {
	var hits int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := client.CreateModule(ctx, &Module{Name: "m"})
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, migerrors.StatusCodeOf(err))
	}
	assert.Equal(t, 8, hits, "4xx responses must not trip the breaker")
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake(Project{ID: 77, Name: "Demo"})
	ctx := context.Background()

	p, err := f.GetProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(77), p.ID)

	mod, err := f.CreateModule(ctx, &Module{Name: "Root"})
	require.NoError(t, err)
	tc, err := f.CreateTestCase(ctx, &TestCase{Name: "TC", ParentID: mod.ID})
	require.NoError(t, err)
	cy, err := f.CreateTestCycle(ctx, &TestCycle{Name: "Sprint 1"})
	require.NoError(t, err)
	run, err := f.CreateTestRun(ctx, &TestRun{Name: "TC run", TestCaseID: tc.ID, TestCycleID: cy.ID})
	require.NoError(t, err)

	require.NoError(t, f.SubmitTestLog(ctx, run.ID, &TestLog{Status: RunPassed}))
	require.NoError(t, f.UploadAttachment(ctx, ObjectTestCase, tc.ID, "tc_1_a.txt", strings.NewReader("x")))

	assert.Len(t, f.Modules(), 1)
	assert.Len(t, f.TestCases(), 1)
	assert.Len(t, f.TestRuns(), 1)
	assert.Len(t, f.TestLogs(run.ID), 1)
	require.Len(t, f.Attachments(), 1)
	assert.Equal(t, int64(1), f.Attachments()[0].Size)

	require.NoError(t, f.DeleteTestRun(ctx, run.ID))
	require.NoError(t, f.DeleteTestCycle(ctx, cy.ID))
	require.NoError(t, f.DeleteTestCase(ctx, tc.ID))
	require.NoError(t, f.DeleteModule(ctx, mod.ID))
	assert.Empty(t, f.TestCases())

	err = f.DeleteTestCase(ctx, tc.ID)
	require.Error(t, err)
	assert.True(t, migerrors.IsNotFound(err), "second delete reports 404")

	assert.Equal(t, 2, f.Calls("DeleteTestCase"))
}

func TestFakeRunRequiresCaseAndCycle(t *testing.T) {
	f := NewFake(Project{ID: 1})
	ctx := context.Background()

	_, err := f.CreateTestRun(ctx, &TestRun{Name: "r", TestCaseID: 1, TestCycleID: 2})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, migerrors.StatusCodeOf(err))
}

func TestFakeFailFirst(t *testing.T) {
	f := NewFake(Project{ID: 1})
	ctx := context.Background()
	f.FailFirst("CreateModule", 2)

	_, err := f.CreateModule(ctx, &Module{Name: "m"})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, migerrors.StatusCodeOf(err))

	_, err = f.CreateModule(ctx, &Module{Name: "m"})
	require.Error(t, err)

	created, err := f.CreateModule(ctx, &Module{Name: "m"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, 3, f.Calls("CreateModule"))
}
