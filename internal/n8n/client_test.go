package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListExecutions_SendsKeyAndParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/executions", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-N8N-API-KEY"))
		assert.Equal(t, "wf-1", r.URL.Query().Get("workflowId"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":101,"workflowId":"wf-1","finished":true,"startedAt":"2024-05-01T10:00:00.000Z"}],"nextCursor":"def"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key")
	page, err := c.ListExecutions(context.Background(), ListParams{
		WorkflowID: "wf-1", Limit: 1000, Page: 2, Cursor: "abc",
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, ID("101"), page.Data[0].ID)
	assert.Equal(t, "2024-05-01", page.Data[0].StartDate())
	assert.Equal(t, "def", page.NextCursor)
}

func TestGetExecution_DecodesRunData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/executions/55", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("includeData"))
		w.Write([]byte(`{
			"id": "55",
			"workflowId": "wf-1",
			"startedAt": "2024-05-01T10:00:00Z",
			"data": {"resultData": {"runData": {
				"OpenAI": [{"startTime": 1714557600000, "data": {"main": [[{"json": {"model": "gpt-4o"}}]]}}]
			}}}
		}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "k")
	exec, err := c.GetExecution(context.Background(), "55")
	require.NoError(t, err)
	require.NotNil(t, exec.Data)

	runs := exec.Data.ResultData.RunData["OpenAI"]
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1714557600000), runs[0].StartTime)
	assert.Equal(t, "2024-05-01T10:00:00Z", runs[0].Started().Format("2006-01-02T15:04:05Z07:00"))
}

func TestClient_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"unauthorized"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "bad")
	_, err := c.ListExecutions(context.Background(), ListParams{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "unauthorized")
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient("", "")
	_, err := c.ListExecutions(context.Background(), ListParams{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.ListWorkflows(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "k")
	for range 5 {
		_, _ = c.GetWorkflow(context.Background(), "missing")
	}
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_ServerErrorsTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, "k")
	for range 3 {
		_, _ = c.ListExecutions(context.Background(), ListParams{})
	}
	assert.Equal(t, "open", c.BreakerState())
}

func TestListWorkflows_FollowsCursor(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"data":       []map[string]any{{"id": "1", "name": "a", "tags": []string{"AI"}}},
				"nextCursor": "next",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": 2, "name": "b", "tags": []map[string]any{{"id": "t", "text": "gpt"}}}},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "k")
	wfs, err := c.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"ai"}, wfs[0].TagNames())
	assert.Equal(t, ID("2"), wfs[1].ID)
	assert.Equal(t, []string{"gpt"}, wfs[1].TagNames())
}

func TestTag_UnmarshalShapes(t *testing.T) {
	var tags []Tag
	err := json.Unmarshal([]byte(`["agent", {"id":"1","name":"LLM"}, {"id":2,"text":"chatbot"}]`), &tags)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, "agent", tags[0].Name)
	assert.Equal(t, "LLM", tags[1].Name)
	assert.Equal(t, "2", tags[2].ID)
	assert.Equal(t, "chatbot", tags[2].Name)
}
