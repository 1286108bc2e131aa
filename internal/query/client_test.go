package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/observability"
)

func newTestClient(ttl time.Duration) (*Client, *observability.Metrics) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return New(config.QueryConfig{TTL: ttl, MaxEntries: 64}, nil, metrics), metrics
}

func counting(calls *atomic.Int32, v any) Fetcher {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestQuery_cachesPerScope(t *testing.T) {
	c, metrics := newTestClient(time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	first := c.Query(ctx, Key{"vehicles", "alice"}, counting(&calls, "v1"))
	if first.Err != nil || first.Data != "v1" || first.Cached {
		t.Fatalf("first = %+v", first)
	}
	second := c.Query(ctx, Key{"vehicles", "alice"}, counting(&calls, "v2"))
	if second.Data != "v1" || !second.Cached {
		t.Errorf("second = %+v, want cached v1", second)
	}
	other := c.Query(ctx, Key{"vehicles", "bob"}, counting(&calls, "bob"))
	if other.Data != "bob" || other.Cached {
		t.Errorf("other scope = %+v, want fresh fetch", other)
	}

	if n := calls.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
	if v := testutil.ToFloat64(metrics.QueryCacheHitsTotal.WithLabelValues("vehicles")); v != 1 {
		t.Errorf("hits = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.QueryCacheMissesTotal.WithLabelValues("vehicles")); v != 2 {
		t.Errorf("misses = %v, want 2", v)
	}
}

func TestQuery_errorsAreNotCached(t *testing.T) {
	c, _ := newTestClient(time.Minute)
	ctx := context.Background()
	boom := errors.New("backend down")

	res := c.Query(ctx, Key{"docks", "u"}, func(context.Context) (any, error) { return nil, boom })
	if !errors.Is(res.Err, boom) {
		t.Fatalf("Err = %v, want %v", res.Err, boom)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after error", c.Len())
	}

	res = c.Query(ctx, Key{"docks", "u"}, func(context.Context) (any, error) { return "ok", nil })
	if res.Err != nil || res.Data != "ok" {
		t.Errorf("retry = %+v", res)
	}
}

func TestQuery_sharesInFlightFetch(t *testing.T) {
	c, _ := newTestClient(time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Query(context.Background(), Key{"shipments", "u"}, fetch)
		}()
	}

	// Let every caller join the flight before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	for i, r := range results {
		if r.Err != nil || r.Data != "shared" {
			t.Errorf("results[%d] = %+v", i, r)
		}
	}
}

func TestInvalidate_dropsAllScopes(t *testing.T) {
	c, metrics := newTestClient(time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	c.Query(ctx, Key{"vehicles", "a"}, counting(&calls, 1))
	c.Query(ctx, Key{"vehicles", "b"}, counting(&calls, 1))
	c.Query(ctx, Key{"docks", "a"}, counting(&calls, 1))

	c.Invalidate("vehicles")

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want only docks left", c.Len())
	}
	res := c.Query(ctx, Key{"vehicles", "a"}, counting(&calls, 2))
	if res.Cached || res.Data != 2 {
		t.Errorf("after invalidate = %+v, want fresh 2", res)
	}
	if v := testutil.ToFloat64(metrics.QueryInvalidationsTotal.WithLabelValues("vehicles")); v != 1 {
		t.Errorf("invalidations = %v, want 1", v)
	}
}

func TestInvalidate_discardsInFlightResult(t *testing.T) {
	c, metrics := newTestClient(time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan Result, 1)
	go func() {
		done <- c.Query(context.Background(), Key{"shipments", "u"}, func(context.Context) (any, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	c.Invalidate("shipments")
	close(release)

	res := <-done
	if res.Data != "stale" {
		t.Errorf("caller still receives its own fetch, got %+v", res)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, stale result must not be cached", c.Len())
	}
	if v := testutil.ToFloat64(metrics.QueryStaleDiscardedTotal.WithLabelValues("shipments")); v != 1 {
		t.Errorf("stale discards = %v, want 1", v)
	}

	// A query after the invalidation starts its own fetch.
	var calls atomic.Int32
	fresh := c.Query(context.Background(), Key{"shipments", "u"}, counting(&calls, "fresh"))
	if fresh.Data != "fresh" || calls.Load() != 1 {
		t.Errorf("fresh = %+v", fresh)
	}
}

func TestQuery_callerCancellation(t *testing.T) {
	c, _ := newTestClient(time.Minute)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := c.Query(ctx, Key{"leaderboard", "u"}, func(fetchCtx context.Context) (any, error) {
		<-release
		return "late", fetchCtx.Err()
	})
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
	if res.Data != nil {
		t.Errorf("Data = %v, want nil", res.Data)
	}
}

func TestQuery_ttlExpiry(t *testing.T) {
	c, _ := newTestClient(30 * time.Millisecond)
	ctx := context.Background()
	var calls atomic.Int32

	c.Query(ctx, Key{"docks", "u"}, counting(&calls, 1))
	time.Sleep(80 * time.Millisecond)
	res := c.Query(ctx, Key{"docks", "u"}, counting(&calls, 2))

	if res.Cached || calls.Load() != 2 {
		t.Errorf("expired entry served from cache: %+v", res)
	}
}

func TestForgetScope(t *testing.T) {
	c, _ := newTestClient(time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	c.Query(ctx, Key{"vehicles", "a"}, counting(&calls, 1))
	c.Query(ctx, Key{"docks", "a"}, counting(&calls, 1))
	c.Query(ctx, Key{"docks", "b"}, counting(&calls, 1))
	c.Query(ctx, Key{"diagnostics", "a/12"}, counting(&calls, 1))
	c.Query(ctx, Key{"diagnostics", "ab/12"}, counting(&calls, 1))

	c.ForgetScope("a")
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (other scopes kept)", c.Len())
	}
}

func TestFetch_typed(t *testing.T) {
	c, _ := newTestClient(time.Minute)
	ctx := context.Background()

	got, err := Fetch(ctx, c, Key{"vehicles", "u"}, func(context.Context) ([]string, error) {
		return []string{"V-1"}, nil
	})
	if err != nil || len(got) != 1 || got[0] != "V-1" {
		t.Fatalf("Fetch() = %v, %v", got, err)
	}

	_, err = Fetch(ctx, c, Key{"vehicles", "u"}, func(context.Context) (int, error) { return 1, nil })
	if err == nil {
		t.Error("Fetch() with mismatched cached type should fail")
	}
}
