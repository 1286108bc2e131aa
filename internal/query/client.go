// Package query caches normalized backend resources per user, deduplicates
// concurrent fetches and drops cached data when a mutation invalidates it.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/observability"
)

// Key identifies a cached resource for one scope. Scope is the subject ID, so
// users never see data fetched with someone else's token. Per-item resources
// use a sub-scope such as "jdoe/12".
type Key struct {
	Resource string
	Scope    string
}

func (k Key) String() string { return k.Resource + "|" + k.Scope }

// Fetcher loads a resource. It receives a context that carries the caller's
// values but is not cancelled when the caller gives up, so a fetch shared by
// several callers completes for the ones still waiting.
type Fetcher func(ctx context.Context) (any, error)

// Result is the outcome of a query.
type Result struct {
	Data   any
	Err    error
	Cached bool
}

// Client is the resource cache.
type Client struct {
	cache   *lru.LRU[Key, any]
	group   singleflight.Group
	logger  *zap.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	generations map[string]uint64
}

// New creates a query client from cfg.
func New(cfg config.QueryConfig, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Client{
		cache:       lru.NewLRU[Key, any](size, nil, ttl),
		logger:      logger,
		metrics:     metrics,
		generations: make(map[string]uint64),
	}
}

// Query returns the cached value for key, or runs fetch once for all
// concurrent callers of the same key. Errors are returned but never cached.
// A fetch that was running when its resource was invalidated does not
// populate the cache.
func (c *Client) Query(ctx context.Context, key Key, fetch Fetcher) Result {
	if v, ok := c.cache.Get(key); ok {
		c.metrics.RecordQueryHit(key.Resource)
		observability.Annotate(ctx, observability.AttrCacheHit.Bool(true))
		return Result{Data: v, Cached: true}
	}
	c.metrics.RecordQueryMiss(key.Resource)
	observability.Annotate(ctx, observability.AttrCacheHit.Bool(false))

	gen := c.generation(key.Resource)
	flightKey := key.String() + "|" + strconv.FormatUint(gen, 10)
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		data, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.store(key, gen, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("query shared in-flight fetch", zap.String("key", key.String()))
		}
		return Result{Data: res.Val, Err: res.Err}
	}
}

// store caches data unless the resource was invalidated after the fetch
// started.
func (c *Client) store(key Key, gen uint64, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[key.Resource] != gen {
		c.metrics.RecordQueryStaleDiscard(key.Resource)
		c.logger.Debug("discarding stale query result", zap.String("key", key.String()))
		return
	}
	c.cache.Add(key, data)
}

func (c *Client) generation(resource string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[resource]
}

// Invalidate drops every cached scope of the given resources.
func (c *Client) Invalidate(resources ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, resource := range resources {
		c.generations[resource]++
		for _, k := range c.cache.Keys() {
			if k.Resource == resource {
				c.cache.Remove(k)
			}
		}
		c.metrics.RecordQueryInvalidation(resource)
	}
	c.logger.Debug("invalidated resources", zap.Strings("resources", resources))
}

// ForgetScope drops every resource cached for scope, e.g. on logout,
// including sub-scopes written as scope + "/" + item.
func (c *Client) ForgetScope(scope string) {
	for _, k := range c.cache.Keys() {
		if k.Scope == scope || strings.HasPrefix(k.Scope, scope+"/") {
			c.cache.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Client) Len() int { return c.cache.Len() }

// Fetch is a typed wrapper around Query.
func Fetch[T any](ctx context.Context, c *Client, key Key, fetch func(context.Context) (T, error)) (T, error) {
	res := c.Query(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	var zero T
	if res.Err != nil {
		return zero, res.Err
	}
	v, ok := res.Data.(T)
	if !ok {
		return zero, fmt.Errorf("query: %s holds %T, not %T", key, res.Data, zero)
	}
	return v, nil
}
