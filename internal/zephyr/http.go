package zephyr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/metrics"
)

// ServiceName labels source API calls in errors and metrics.
const ServiceName = "source"

const (
	defaultPageSize = 100
	maxErrorBody    = 4096
)

// Config holds the connection settings for the source service.
type Config struct {
	// BaseURL is the service root (e.g. "https://api.zephyrscale.example.com/v2").
	BaseURL string
	// Token is the bearer token for API auth.
	Token string
	// ProjectKey scopes every listing call.
	ProjectKey string
	// PageSize is the page size for paginated endpoints. Defaults to 100.
	PageSize int
	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

// HTTPClient is the live implementation of Client.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHTTPClient validates the config and builds a client. Metrics may
// be nil.
func NewHTTPClient(cfg Config, m *metrics.Metrics) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("source API token is required")
	}
	if cfg.ProjectKey == "" {
		return nil, fmt.Errorf("source project key is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  slog.Default().With("service", ServiceName),
	}, nil
}

// get issues one GET and returns the raw body.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.ObserveAPICall(ServiceName, http.MethodGet, 0, elapsed)
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveAPICall(ServiceName, http.MethodGet, resp.StatusCode, elapsed)

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, migerrors.NewAPIError(ServiceName, http.MethodGet, path, resp.StatusCode, string(excerpt))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read GET %s response: %w", path, err)
	}
	return body, nil
}

// paginate walks a values/isLast paginated endpoint, calling visit for
// every item. The caller's query values are preserved across pages.
func (c *HTTPClient) paginate(ctx context.Context, path string, query url.Values, visit func(item gjson.Result) error) error {
	startAt := 0
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(c.cfg.PageSize))

		body, err := c.get(ctx, path, q)
		if err != nil {
			return err
		}
		page := gjson.ParseBytes(body)
		values := page.Get("values").Array()
		for _, v := range values {
			if err := visit(v); err != nil {
				return err
			}
		}
		if page.Get("isLast").Bool() || len(values) == 0 {
			return nil
		}
		startAt += len(values)
	}
}

func (c *HTTPClient) projectQuery() url.Values {
	return url.Values{"projectKey": {c.cfg.ProjectKey}}
}

// GetProject fetches a source project by key.
func (c *HTTPClient) GetProject(ctx context.Context, key string) (*domain.Project, error) {
	body, err := c.get(ctx, "/projects/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	return projectFrom(gjson.ParseBytes(body)), nil
}

// CheckConnection verifies credentials and project visibility.
func (c *HTTPClient) CheckConnection(ctx context.Context) error {
	if _, err := c.GetProject(ctx, c.cfg.ProjectKey); err != nil {
		return fmt.Errorf("source connection check: %w", err)
	}
	return nil
}

// GetFolders lists every folder of the project across pages.
func (c *HTTPClient) GetFolders(ctx context.Context) ([]*domain.Folder, error) {
	var folders []*domain.Folder
	err := c.paginate(ctx, "/folders", c.projectQuery(), func(item gjson.Result) error {
		folders = append(folders, folderFrom(item, c.cfg.ProjectKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// GetTestCases lists every test case. Steps are not included; fetch
// them per case with GetTestSteps.
func (c *HTTPClient) GetTestCases(ctx context.Context) ([]*domain.TestCase, error) {
	var cases []*domain.TestCase
	err := c.paginate(ctx, "/testcases", c.projectQuery(), func(item gjson.Result) error {
		cases = append(cases, caseFrom(item, c.cfg.ProjectKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list test cases: %w", err)
	}
	return cases, nil
}

// GetTestSteps fetches the ordered steps of one test case.
func (c *HTTPClient) GetTestSteps(ctx context.Context, caseID string) ([]domain.TestStep, error) {
	var steps []domain.TestStep
	err := c.paginate(ctx, "/testcases/"+url.PathEscape(caseID)+"/teststeps", nil,
		func(item gjson.Result) error {
			steps = append(steps, stepFrom(item, caseID, len(steps)+1))
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list steps for case %s: %w", caseID, err)
	}
	return steps, nil
}

// GetTestCycles lists every test cycle.
func (c *HTTPClient) GetTestCycles(ctx context.Context) ([]*domain.TestCycle, error) {
	var cycles []*domain.TestCycle
	err := c.paginate(ctx, "/testcycles", c.projectQuery(), func(item gjson.Result) error {
		cycles = append(cycles, cycleFrom(item, c.cfg.ProjectKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list test cycles: %w", err)
	}
	return cycles, nil
}

// GetTestExecutions lists every execution with step results inline.
func (c *HTTPClient) GetTestExecutions(ctx context.Context) ([]*domain.TestExecution, error) {
	var execs []*domain.TestExecution
	err := c.paginate(ctx, "/testexecutions", c.projectQuery(), func(item gjson.Result) error {
		execs = append(execs, executionFrom(item, c.cfg.ProjectKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// DownloadAttachment fetches the raw bytes of one attachment.
func (c *HTTPClient) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	body, err := c.get(ctx, "/attachments/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", id, err)
	}
	return body, nil
}

// changedPaths maps entity types to their listing endpoints.
var changedPaths = map[domain.EntityType]string{
	domain.EntityFolders:        "/folders",
	domain.EntityTestCases:      "/testcases",
	domain.EntityTestCycles:     "/testcycles",
	domain.EntityTestExecutions: "/testexecutions",
}

// ChangedIDs lists ids of entities updated since t using the service's
// updatedSince filter.
func (c *HTTPClient) ChangedIDs(ctx context.Context, entityType domain.EntityType, since time.Time) (map[string]bool, error) {
	path, ok := changedPaths[entityType]
	if !ok {
		return nil, fmt.Errorf("changed ids: unknown entity type %q", entityType)
	}
	query := c.projectQuery()
	query.Set("updatedSince", since.UTC().Format(time.RFC3339))
	query.Set("fields", "id")

	ids := make(map[string]bool)
	err := c.paginate(ctx, path, query, func(item gjson.Result) error {
		if id := item.Get("id").String(); id != "" {
			ids[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changed %s since %s: %w", entityType, since.Format(time.RFC3339), err)
	}
	return ids, nil
}
