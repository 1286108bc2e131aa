package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/nexusbff/internal/backend"
	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/model"
)

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerOpens(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	b := h.Login("admin")
	h.Backend.Respond(backend.EndpointListVehicles, http.StatusInternalServerError, map[string]string{"message": "boom"})

	for i := range 3 {
		resp := b.GET("/ui/pages/fleet")
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d, want 502", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if n := h.Backend.RequestCount(backend.EndpointListVehicles); n != 3 {
		t.Fatalf("backend calls = %d, want 3", n)
	}

	resp := b.GET("/ui/pages/fleet")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("open breaker: status = %d, want 502", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrBackendUnavailable {
		t.Errorf("open breaker: code = %q", code)
	}
	if n := h.Backend.RequestCount(backend.EndpointListVehicles); n != 3 {
		t.Errorf("open breaker still reached the backend (%d calls)", n)
	}
	if got := h.Client.Breaker().State(); got != backend.BreakerOpen {
		t.Errorf("breaker state = %s, want open", got)
	}

	h.AssertStatus(t, b.GET("/ui/ready"), http.StatusServiceUnavailable)
}

func TestResilience_BreakerIgnoresClientErrors(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	b := h.Login("admin")

	for range 3 {
		resp := b.PUT("/ui/actions/vehicles/999", map[string]any{"id": "X", "plate": "P", "name": "N", "status": "active"})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		resp.Body.Close()
	}
	if got := h.Client.Breaker().State(); got != backend.BreakerClosed {
		t.Errorf("breaker state = %s, want closed", got)
	}
}

// ==========================================================================
// Timeouts and connection failures
// ==========================================================================

func TestResilience_BackendTimeout(t *testing.T) {
	h := NewTestHarness(t, WithBackendTimeout(200*time.Millisecond))
	b := h.Login("admin")
	h.Backend.RespondWithDelay(backend.EndpointListVehicles, 2*time.Second)

	start := time.Now()
	resp := b.GET("/ui/pages/fleet")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrBackendTimeout {
		t.Errorf("code = %q", code)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("request took %s, want the backend timeout to cut it short", elapsed)
	}
}

func TestResilience_HandlerTimeout(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(200*time.Millisecond))
	b := h.Login("admin")
	h.Backend.RespondWithDelay(backend.EndpointListShipments, 2*time.Second)

	start := time.Now()
	resp := b.GET("/ui/pages/shipments")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("request took %s, want the handler deadline to cut it short", elapsed)
	}
}

func TestResilience_ConnectionDropped(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")
	h.Backend.Disconnect(backend.EndpointListDocks)

	resp := b.GET("/ui/pages/warehouse")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrBackendUnavailable {
		t.Errorf("code = %q", code)
	}

	// The failure is not cached; the next render reaches the backend again.
	h.Backend.Reset(backend.EndpointListDocks)
	h.AssertStatus(t, b.GET("/ui/pages/warehouse"), http.StatusOK)
}

// A failing resource fails only the pages that read it.
func TestResilience_PartialOutage(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")
	h.Backend.Respond(backend.EndpointLeaderboard, http.StatusServiceUnavailable, nil)

	h.AssertStatus(t, b.GET("/ui/pages/fleet"), http.StatusOK)
	h.AssertStatus(t, b.GET("/ui/pages/shipments"), http.StatusOK)
	h.AssertStatus(t, b.GET("/ui/pages/sustainability"), http.StatusBadGateway)
	h.AssertStatus(t, b.GET("/ui/navigation"), http.StatusOK)
}

// ==========================================================================
// Malformed backend data
// ==========================================================================

func TestResilience_MalformedRecordsSkipped(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")
	h.Backend.Respond(backend.EndpointListVehicles, http.StatusOK, []any{
		map[string]any{"id": 1, "vId": "TRK-001", "plate": "KBX 123A", "status": "ACTIVE"},
		"not a vehicle",
		map[string]any{"id": 2, "vId": "TRK-002", "plate": "KBY 456B", "status": "IDLE"},
	})

	var page fleetPage
	h.AssertJSON(t, b.GET("/ui/pages/fleet"), http.StatusOK, &page)
	if len(page.Data.Vehicles) != 2 {
		t.Errorf("vehicles = %s, want the two well-formed records", FormatJSON(page.Data.Vehicles))
	}
}

func TestResilience_NonArrayBody(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")
	h.Backend.Respond(backend.EndpointListShipments, http.StatusOK, map[string]string{"error": "oops"})

	resp := b.GET("/ui/pages/shipments")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrMappingError {
		t.Errorf("code = %q, want %s", code, model.ErrMappingError)
	}
}

// ==========================================================================
// Session lifetime
// ==========================================================================

func TestResilience_SessionEndsWithToken(t *testing.T) {
	h := NewTestHarnessWithTokenTTL(t, 2*time.Second)
	b := h.Login("admin")
	h.AssertStatus(t, b.GET("/ui/navigation"), http.StatusOK)

	time.Sleep(3 * time.Second)

	h.AssertStatus(t, b.GET("/ui/navigation"), http.StatusUnauthorized)
	resp := b.GET("/ui/pages/fleet")
	h.AssertStatus(t, resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want /login", loc)
	}
}

func TestResilience_ExpiredTokenRejectedAtLogin(t *testing.T) {
	h := NewTestHarnessWithTokenTTL(t, -time.Minute)
	b := h.NewBrowser()

	resp := b.POST("/auth/login", map[string]string{"username": "admin", "password": "password"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
	if n := h.Sessions.Len(); n != 0 {
		t.Errorf("session store holds %d sessions", n)
	}
}
