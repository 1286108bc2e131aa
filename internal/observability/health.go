package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Check statuses. Only CheckError makes the BFF not ready.
const (
	CheckOK    = "ok"
	CheckWarn  = "warn"
	CheckError = "error"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the session store and the backend client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ui/ready probes. Nil fields are skipped.
type ReadinessChecks struct {
	SessionStore HealthChecker
	Backend      HealthChecker

	// MissingEndpoints returns the backend operations the client calls that
	// the backend's OpenAPI document does not declare. Drift only warns.
	MissingEndpoints func() []string
}

func (c ReadinessChecks) probes() map[string]HealthChecker {
	probes := make(map[string]HealthChecker, 2)
	if c.SessionStore != nil {
		probes["session_store"] = c.SessionStore
	}
	if c.Backend != nil {
		probes["backend"] = c.Backend
	}
	return probes
}

func (c ReadinessChecks) contract() (CheckResult, bool) {
	if c.MissingEndpoints == nil {
		return CheckResult{}, false
	}
	missing := c.MissingEndpoints()
	if len(missing) == 0 {
		return CheckResult{Status: CheckOK}, true
	}
	return CheckResult{
		Status: CheckWarn,
		Error:  "undeclared endpoints: " + strings.Join(missing, ", "),
	}, true
}

const checkTimeout = 2 * time.Second

// HandleHealth serves /ui/health. It never touches a dependency.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        CheckOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves /ui/ready. Probes run concurrently, each bounded by
// checkTimeout, and any failing probe answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		names := make([]string, 0, len(probes))
		for name := range probes {
			names = append(names, name)
		}

		// Each goroutine writes its own slot, so no lock is needed.
		out := make([]CheckResult, len(names))
		var g errgroup.Group
		for i, name := range names {
			g.Go(func() error {
				out[i] = runCheck(r.Context(), probes[name])
				return nil
			})
		}
		_ = g.Wait()

		results := make(map[string]CheckResult, len(names)+1)
		ready := true
		for i, name := range names {
			results[name] = out[i]
			ready = ready && out[i].Status != CheckError
		}
		if res, ok := checks.contract(); ok {
			results["backend_contract"] = res
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: CheckOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = CheckError
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
