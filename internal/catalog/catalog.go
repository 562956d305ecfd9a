package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/vnmchuo/n8n-usage-sync/internal/n8n"
)

const (
	DefaultTTL = 5 * time.Minute
	// staleTTL bounds how long a copy is kept around to serve when n8n fails.
	staleTTL = 24 * time.Hour

	workflowsKey   = "n8n:workflows"
	workflowKeyFmt = "n8n:workflow:%s"
)

// DefaultAITags select the workflows whose executions are synced.
var DefaultAITags = []string{"agent", "openai", "llm", "ai", "chatbot", "gpt"}

type Source interface {
	ListWorkflows(ctx context.Context) ([]n8n.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*n8n.Workflow, error)
}

// entry is the cached envelope; FetchedAt decides freshness so an expired
// entry can still be served when the upstream is down.
type entry[T any] struct {
	FetchedAt time.Time `json:"fetched_at"`
	Value     T         `json:"value"`
}

// Catalog is a read-through cache of workflow definitions. A nil redis
// client disables caching.
type Catalog struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func New(source Source, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "catalog"),
	}
}

func (c *Catalog) Workflows(ctx context.Context, forceRefresh bool) ([]n8n.Workflow, error) {
	return readThrough(ctx, c, workflowsKey, forceRefresh, c.source.ListWorkflows)
}

func (c *Catalog) Workflow(ctx context.Context, id string, forceRefresh bool) (*n8n.Workflow, error) {
	return readThrough(ctx, c, fmt.Sprintf(workflowKeyFmt, id), forceRefresh, func(ctx context.Context) (*n8n.Workflow, error) {
		return c.source.GetWorkflow(ctx, id)
	})
}

func readThrough[T any](ctx context.Context, c *Catalog, key string, forceRefresh bool, load func(context.Context) (T, error)) (T, error) {
	cached, hit := lookup[T](ctx, c, key)
	if hit && !forceRefresh && c.now().Sub(cached.FetchedAt) < c.ttl {
		return cached.Value, nil
	}

	v, err := load(ctx)
	if err != nil {
		if hit {
			c.logger.Warn("serving stale workflow cache", "key", key, "age", c.now().Sub(cached.FetchedAt).String(), "error", err)
			return cached.Value, nil
		}
		var zero T
		return zero, err
	}

	c.store(ctx, key, entry[T]{FetchedAt: c.now(), Value: v})
	return v, nil
}

func lookup[T any](ctx context.Context, c *Catalog, key string) (entry[T], bool) {
	var e entry[T]
	if c.rdb == nil {
		return e, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis read failed", "key", key, "error", err)
		}
		return e, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		return e, false
	}
	return e, true
}

func (c *Catalog) store(ctx context.Context, key string, v any) {
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, b, staleTTL).Err(); err != nil {
		c.logger.Warn("redis write failed", "key", key, "error", err)
	}
}

// FilterAI keeps the workflows carrying at least one of tags. Tag
// comparison is case insensitive.
func FilterAI(workflows []n8n.Workflow, tags []string) []n8n.Workflow {
	if len(tags) == 0 {
		tags = DefaultAITags
	}
	return lo.Filter(workflows, func(wf n8n.Workflow, _ int) bool {
		names := wf.TagNames()
		return lo.SomeBy(tags, func(t string) bool { return lo.Contains(names, strings.ToLower(t)) })
	})
}
