package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/pitabwire/nexusbff/internal/backend"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)
	b := h.NewBrowser()

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, b.GET("/ui/health"), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		h.AssertStatus(t, b.GET("/ui/ready"), http.StatusOK)
	})
}

func TestHarness_LoginStoresSession(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")

	id := b.SessionCookie()
	if id == "" {
		t.Fatal("no session cookie after login")
	}
	identity, err := h.Sessions.Get(context.Background(), id)
	if err != nil || identity == nil {
		t.Fatalf("session %s not stored: %v", id, err)
	}
	if identity.SubjectID != "admin" || identity.Role != "admin" {
		t.Errorf("identity = %+v", identity)
	}
	if identity.Token == "" {
		t.Error("backend token not kept in the session")
	}
}

func TestHarness_BackendSeesBearerToken(t *testing.T) {
	h := NewTestHarness(t)
	b := h.Login("admin")

	h.AssertStatus(t, b.GET("/ui/pages/fleet"), http.StatusOK)

	reqs := h.Backend.Requests(backend.EndpointListVehicles)
	if len(reqs) != 1 {
		t.Fatalf("backend received %d vehicle requests, want 1", len(reqs))
	}
	if _, err := h.issuerVerify(reqs[0].Headers.Get("Authorization")); err != nil {
		t.Errorf("backend request carried an invalid token: %v", err)
	}
	if reqs[0].Headers.Get("X-Correlation-Id") == "" {
		t.Error("correlation ID not forwarded to the backend")
	}

	signIn := h.Backend.Requests(backend.EndpointSignIn)
	if len(signIn) != 1 || signIn[0].Headers.Get("Authorization") != "" {
		t.Error("sign-in must go out without a bearer token")
	}
}

func (h *TestHarness) issuerVerify(header string) (string, error) {
	return h.issuer.Verify(header)
}
