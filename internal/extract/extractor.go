package extract

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
)

const DefaultModel = "gpt-3.5-turbo"

// Result is one model call found in an execution.
type Result struct {
	WorkflowID   string
	WorkflowName string
	ExecutionID  string
	NodeID       string
	NodeName     string
	NodeType     string

	Usage
	IsEstimated bool
	Timestamp   time.Time

	Matcher   string
	Path      string
	Output    string
	RunIndex  int
	ItemIndex int
}

type Extractor struct {
	matchers      []Matcher
	charsPerToken int
	defaultModel  string
	logger        *slog.Logger
}

type Options struct {
	CharsPerToken int
	DefaultModel  string
	Matchers      []Matcher
	Logger        *slog.Logger
}

func New(opts Options) *Extractor {
	e := &Extractor{
		matchers:      opts.Matchers,
		charsPerToken: opts.CharsPerToken,
		defaultModel:  opts.DefaultModel,
		logger:        opts.Logger,
	}
	if len(e.matchers) == 0 {
		e.matchers = DefaultMatchers
	}
	if e.charsPerToken <= 0 {
		e.charsPerToken = DefaultCharsPerToken
	}
	if e.defaultModel == "" {
		e.defaultModel = DefaultModel
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "extractor")
	return e
}

type item struct {
	json      map[string]any
	output    string
	itemIndex int
}

// Extract walks the run data of an execution and returns at most one Result
// per output item. wf may be nil; without a definition every node is a
// candidate for estimation.
func (e *Extractor) Extract(exec *n8n.Execution, wf *n8n.Workflow) []Result {
	if exec == nil || exec.Data == nil {
		return nil
	}
	runData := exec.Data.ResultData.RunData

	nodeNames := lo.Keys(runData)
	slices.Sort(nodeNames)

	var results []Result
	for _, name := range nodeNames {
		runs := runData[name]
		node, known := wf.NodeByName(name)
		if !known {
			node = n8n.Node{Name: name}
		}
		allowEstimate := wf == nil || IsAINode(node)

		perRun := make([][]item, len(runs))
		count := 0
		for i, run := range runs {
			perRun[i] = outputItems(run.Data)
			count += len(perRun[i])
		}

		for runIdx, items := range perRun {
			for _, it := range items {
				r, ok := e.extractItem(it.json, node, allowEstimate)
				if !ok {
					continue
				}
				r.WorkflowID = exec.WorkflowID.String()
				if wf != nil {
					r.WorkflowName = wf.Name
					if r.WorkflowID == "" {
						r.WorkflowID = wf.ID.String()
					}
				}
				r.ExecutionID = exec.ID.String()
				r.NodeName = name
				r.NodeType = node.Type
				r.NodeID = nodeID(node, count, runIdx, it.itemIndex)
				r.Output = it.output
				r.RunIndex = runIdx
				r.ItemIndex = it.itemIndex
				r.Timestamp = runs[runIdx].Started()
				if r.Timestamp.IsZero() {
					r.Timestamp = exec.Timestamp()
				}
				results = append(results, r)
			}
		}
	}

	e.logger.Debug("execution extracted",
		"execution_id", exec.ID.String(),
		"nodes", len(nodeNames),
		"records", len(results))
	return results
}

func (e *Extractor) extractItem(obj map[string]any, node n8n.Node, allowEstimate bool) (Result, bool) {
	if m, ok := Find(obj, e.matchers); ok {
		m.Usage.Model = e.resolveModel(m.Usage.Model, obj, node)
		return Result{Usage: m.Usage, Matcher: m.Matcher, Path: m.Path}, true
	}
	if !allowEstimate || hasUsageField(obj) {
		return Result{}, false
	}
	u, path, ok := estimate(obj, e.charsPerToken)
	if !ok {
		return Result{}, false
	}
	u.Model = e.resolveModel(u.Model, obj, node)
	return Result{Usage: u, IsEstimated: true, Matcher: "estimate", Path: path}, true
}

func (e *Extractor) resolveModel(found string, obj map[string]any, node n8n.Node) string {
	if found != "" {
		return found
	}
	if m := stringField(obj, "model"); m != "" {
		return m
	}
	if m := NodeModel(node); m != "" {
		return m
	}
	return e.defaultModel
}

// nodeID keeps the natural key unique when one node produced several items.
func nodeID(node n8n.Node, items, run, idx int) string {
	id := node.ID
	if id == "" {
		id = node.Name
	}
	if items <= 1 {
		return id
	}
	return fmt.Sprintf("%s#%d.%d", id, run, idx)
}

// outputItems flattens a node's task output. Connection types are visited
// in name order ("ai_languageModel", "main", ...), then a bare {"json": ...}.
func outputItems(data map[string]any) []item {
	if data == nil {
		return nil
	}
	var items []item
	outputs := lo.Keys(data)
	slices.Sort(outputs)
	for _, out := range outputs {
		branches, ok := data[out].([]any)
		if !ok {
			continue
		}
		for _, branch := range branches {
			entries, ok := branch.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if j, ok := m["json"].(map[string]any); ok {
					items = append(items, item{json: j, output: out, itemIndex: len(items)})
				}
			}
		}
	}
	if j, ok := data["json"].(map[string]any); ok {
		items = append(items, item{json: j, output: "json", itemIndex: len(items)})
	}
	return items
}
