package n8n

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ID accepts both numeric and string identifiers; n8n changed the wire type
// of execution and workflow ids between releases.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Tag is a workflow tag. n8n returns tags as plain strings, {id, name}
// objects, or {id, text} objects depending on the endpoint and version.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func (t *Tag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Name)
	}
	var raw struct {
		ID   ID     `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.ID = raw.ID.String()
	t.Name = raw.Name
	if t.Name == "" {
		t.Name = raw.Text
	}
	return nil
}

type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Workflow struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Tags   []Tag  `json:"tags"`
	Nodes  []Node `json:"nodes,omitempty"`
}

// TagNames returns the lower-cased, non-empty tag names of the workflow.
func (w *Workflow) TagNames() []string {
	names := make([]string, 0, len(w.Tags))
	for _, t := range w.Tags {
		if n := strings.ToLower(strings.TrimSpace(t.Name)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// NodeByName looks up a node of the workflow definition by its display name,
// which is how runData is keyed.
func (w *Workflow) NodeByName(name string) (Node, bool) {
	if w == nil {
		return Node{}, false
	}
	for _, n := range w.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

type Execution struct {
	ID         ID             `json:"id"`
	WorkflowID ID             `json:"workflowId"`
	Finished   bool           `json:"finished"`
	Mode       string         `json:"mode"`
	Status     string         `json:"status"`
	StartedAt  *time.Time     `json:"startedAt"`
	StoppedAt  *time.Time     `json:"stoppedAt"`
	Data       *ExecutionData `json:"data,omitempty"`
}

// StartDate returns the UTC calendar date (YYYY-MM-DD) of the execution start.
func (e *Execution) StartDate() string {
	if e.StartedAt == nil || e.StartedAt.IsZero() {
		return ""
	}
	return e.StartedAt.UTC().Format(time.DateOnly)
}

// Timestamp returns the best known time of the execution: start, then stop.
func (e *Execution) Timestamp() time.Time {
	if e.StartedAt != nil && !e.StartedAt.IsZero() {
		return e.StartedAt.UTC()
	}
	if e.StoppedAt != nil && !e.StoppedAt.IsZero() {
		return e.StoppedAt.UTC()
	}
	return time.Time{}
}

type ExecutionData struct {
	ResultData ResultData `json:"resultData"`
}

type ResultData struct {
	RunData map[string][]TaskData `json:"runData"`
}

// TaskData is one run of one node. Data holds the node output, usually
// {"main": [[{"json": {...}}]]}, sometimes a bare {"json": {...}}.
type TaskData struct {
	StartTime     int64          `json:"startTime"`
	ExecutionTime int64          `json:"executionTime"`
	Data          map[string]any `json:"data"`
}

// Started converts the millisecond start time of the run.
func (t TaskData) Started() time.Time {
	if t.StartTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.StartTime).UTC()
}

type ExecutionPage struct {
	Data       []Execution `json:"data"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

type workflowPage struct {
	Data       []Workflow `json:"data"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListParams are the query parameters of the execution listing endpoint.
type ListParams struct {
	WorkflowID string
	Limit      int
	Page       int
	Cursor     string
}

func (p ListParams) values() map[string]string {
	v := map[string]string{}
	if p.WorkflowID != "" {
		v["workflowId"] = p.WorkflowID
	}
	if p.Limit > 0 {
		v["limit"] = strconv.Itoa(p.Limit)
	}
	if p.Page > 0 {
		v["page"] = strconv.Itoa(p.Page)
	}
	if p.Cursor != "" {
		v["cursor"] = p.Cursor
	}
	return v
}
