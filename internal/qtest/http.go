package qtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/metrics"
)

// ServiceName labels target API calls in errors and metrics.
const ServiceName = "target"

const maxErrorBody = 4096

// Config holds the connection settings for the target service.
type Config struct {
	// BaseURL is the service root (e.g. "https://acme.qtestnet.com").
	BaseURL string
	// Token is the bearer token for API auth.
	Token string
	// ProjectID is the target project all calls are scoped to.
	ProjectID int64
	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

// HTTPClient is the live implementation of Client. All calls run
// through a circuit breaker: transport errors and 5xx responses count
// as failures, 4xx responses do not (the service answered).
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHTTPClient validates the config and builds a client. Metrics may
// be nil.
func NewHTTPClient(cfg Config, m *metrics.Metrics) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("target base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("target API token is required")
	}
	if cfg.ProjectID <= 0 {
		return nil, fmt.Errorf("target project id is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger := slog.Default().With("service", ServiceName)
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "target-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}, nil
}

// projectPath builds an API path under the configured project.
func (c *HTTPClient) projectPath(parts ...any) string {
	path := fmt.Sprintf("/api/v3/projects/%d", c.cfg.ProjectID)
	for _, p := range parts {
		path += fmt.Sprintf("/%v", p)
	}
	return path
}

// do issues one JSON request. A non-nil out receives the decoded
// response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s request: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	fullURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return migerrors.NewAPIError(ServiceName, method, path, resp.StatusCode, string(excerpt))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// send runs the request through the breaker and records metrics.
func (c *HTTPClient) send(req *http.Request, method, path string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return nil, migerrors.NewAPIError(ServiceName, method, path, resp.StatusCode, string(excerpt))
		}
		return resp, nil
	})
	elapsed := time.Since(start)

	switch {
	case err != nil:
		c.metrics.ObserveAPICall(ServiceName, method, migerrors.StatusCodeOf(err), elapsed)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	default:
		c.metrics.ObserveAPICall(ServiceName, method, resp.StatusCode, elapsed)
		return resp, nil
	}
}

// GetProject fetches the configured target project.
func (c *HTTPClient) GetProject(ctx context.Context) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, c.projectPath(), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CheckConnection verifies credentials and project visibility.
func (c *HTTPClient) CheckConnection(ctx context.Context) error {
	if _, err := c.GetProject(ctx); err != nil {
		return fmt.Errorf("target connection check: %w", err)
	}
	return nil
}

// CreateModule creates a module and returns it with the target id set.
func (c *HTTPClient) CreateModule(ctx context.Context, m *Module) (*Module, error) {
	var created Module
	if err := c.do(ctx, http.MethodPost, c.projectPath("modules"), nil, m, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateTestCase creates a test case with its steps.
func (c *HTTPClient) CreateTestCase(ctx context.Context, tc *TestCase) (*TestCase, error) {
	var created TestCase
	if err := c.do(ctx, http.MethodPost, c.projectPath("test-cases"), nil, tc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateTestCycle creates a test cycle.
func (c *HTTPClient) CreateTestCycle(ctx context.Context, tc *TestCycle) (*TestCycle, error) {
	var created TestCycle
	if err := c.do(ctx, http.MethodPost, c.projectPath("test-cycles"), nil, tc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateTestRun creates a run binding a case into a cycle.
func (c *HTTPClient) CreateTestRun(ctx context.Context, r *TestRun) (*TestRun, error) {
	var created TestRun
	if err := c.do(ctx, http.MethodPost, c.projectPath("test-runs"), nil, r, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// SubmitTestLog posts an execution result against a run.
func (c *HTTPClient) SubmitTestLog(ctx context.Context, runID int64, log *TestLog) error {
	return c.do(ctx, http.MethodPost, c.projectPath("test-runs", runID, "test-logs"), nil, log, nil)
}

// UploadAttachment streams binary content onto a target object.
func (c *HTTPClient) UploadAttachment(ctx context.Context, objectType ObjectType, objectID int64, filename string, content io.Reader) error {
	path := c.projectPath(string(objectType), objectID, "blob-handles")
	query := url.Values{"name": {filename}}
	fullURL := c.cfg.BaseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, content)
	if err != nil {
		return fmt.Errorf("build attachment upload: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.send(req, http.MethodPost, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return migerrors.NewAPIError(ServiceName, http.MethodPost, path, resp.StatusCode, string(excerpt))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// DeleteTestRun deletes a run.
func (c *HTTPClient) DeleteTestRun(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("test-runs", id), nil, nil, nil)
}

// DeleteTestCycle deletes a cycle.
func (c *HTTPClient) DeleteTestCycle(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("test-cycles", id), nil, nil, nil)
}

// DeleteTestCase deletes a test case.
func (c *HTTPClient) DeleteTestCase(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("test-cases", id), nil, nil, nil)
}

// DeleteModule deletes a module.
func (c *HTTPClient) DeleteModule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("modules", id), nil, nil, nil)
}
