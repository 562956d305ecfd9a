package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrNotConfigured is returned when the n8n base URL or API key is missing.
var ErrNotConfigured = errors.New("n8n api url or key not configured")

// APIError is a non-2xx response from the n8n API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("n8n api error (status %d): %s", e.StatusCode, e.Body)
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "n8n",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// 4xx answers mean the API is up; only transport errors and 5xx trip.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) ListExecutions(ctx context.Context, p ListParams) (*ExecutionPage, error) {
	q := url.Values{}
	for k, v := range p.values() {
		q.Set(k, v)
	}
	var page ExecutionPage
	if err := c.get(ctx, "/executions", q, &page); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return &page, nil
}

func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	q := url.Values{}
	q.Set("includeData", "true")
	var exec Execution
	if err := c.get(ctx, "/executions/"+url.PathEscape(id), q, &exec); err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListWorkflows follows nextCursor until the listing is exhausted.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var (
		all    []Workflow
		cursor string
	)
	for range 100 {
		q := url.Values{}
		q.Set("limit", "250")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page workflowPage
		if err := c.get(ctx, "/workflows", q, &page); err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		all = append(all, page.Data...)
		if page.NextCursor == "" || len(page.Data) == 0 {
			break
		}
		cursor = page.NextCursor
	}
	return all, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return &wf, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})
	return err
}
