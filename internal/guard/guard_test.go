package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/nexusbff/internal/capability"
	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/navigation"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/model"
)

var testRoutes = config.RoutesConfig{Landing: "/login", Home: "/", DriverHome: "/driver"}

func newTestGuard(metrics *observability.Metrics) *Guard {
	return New(testRoutes, PagesFromNavigation(navigation.DefaultItems()), nil, metrics)
}

// capsFor resolves role the way a fail-closed deployment does, so an
// unknown role holds no capabilities.
func capsFor(role model.Role) model.CapabilitySet {
	r, _ := capability.NewResolver(nil, capability.FallbackNone)
	return r.ForRole(role)
}

func TestDecide(t *testing.T) {
	g := newTestGuard(nil)
	fleet := RequireCapabilities(model.CapPageFleet)

	tests := []struct {
		name  string
		state session.State
		role  model.Role
		req   Requirement
		want  Decision
	}{
		{"checking", session.StateChecking, model.RoleAdmin, fleet, Decision{Outcome: Pending}},
		{"anonymous", session.StateAnonymous, model.RoleUnknown, fleet, Decision{RedirectLanding, "/login"}},
		{"admin renders", session.StateAuthenticated, model.RoleAdmin, fleet, Decision{Outcome: Render}},
		{"driver to driver home", session.StateAuthenticated, model.RoleDriver, fleet, Decision{RedirectDefault, "/driver"}},
		{"warehouse to home", session.StateAuthenticated, model.RoleWarehouse, fleet, Decision{RedirectDefault, "/"}},
		{"unknown role has no home", session.StateAuthenticated, model.RoleUnknown, fleet, Decision{RedirectLanding, "/login"}},
		{"empty requirement renders", session.StateAuthenticated, model.RoleDriver, Requirement{}, Decision{Outcome: Render}},
		{"role requirement", session.StateAuthenticated, model.RoleDriver, RequireRoles(model.RoleDriver), Decision{Outcome: Render}},
		{"role requirement denied", session.StateAuthenticated, model.RoleWarehouse, RequireRoles(model.RoleDriver), Decision{RedirectDefault, "/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Decide(tt.state, tt.role, capsFor(tt.role), tt.req)
			if got != tt.want {
				t.Errorf("Decide() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecide_neverRedirectsToForbiddenPage(t *testing.T) {
	g := newTestGuard(nil)

	for _, role := range append(model.Roles(), model.RoleUnknown) {
		caps := capsFor(role)
		for path, req := range g.pages {
			d := g.Decide(session.StateAuthenticated, role, caps, req)
			if d.Outcome != RedirectDefault {
				continue
			}
			if target := g.pages[d.Location]; !target.Satisfied(role, caps) {
				t.Errorf("%s on %s redirected to forbidden %s", role, path, d.Location)
			}
		}
	}
}

func requestWith(res session.Resolution) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ui/pages/fleet", nil)
	ctx := session.WithResolution(r.Context(), res)
	if res.Identity != nil {
		ctx = model.WithCapabilities(ctx, capsFor(res.Identity.Role))
	}
	return r.WithContext(ctx)
}

func TestPage_driverRedirectedWithoutFetch(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	g := newTestGuard(metrics)

	fetched := false
	h := g.Page(RequireCapabilities(model.CapPageFleet))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWith(session.Resolution{
		State:    session.StateAuthenticated,
		Identity: &model.Identity{SubjectID: "d1", Role: model.RoleDriver},
	}))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/driver" {
		t.Errorf("Location = %q, want /driver", loc)
	}
	if fetched {
		t.Error("page handler ran for an unauthorized request")
	}
	if v := testutil.ToFloat64(metrics.GuardDecisionsTotal.WithLabelValues("redirect_default")); v != 1 {
		t.Errorf("guard metric = %v, want 1", v)
	}
}

func TestPage_pendingWhileChecking(t *testing.T) {
	g := newTestGuard(nil)
	h := g.Page(RequireCapabilities(model.CapPageFleet))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("page handler ran while the session was unresolved")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWith(session.Resolution{State: session.StateChecking}))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "checking_session" {
		t.Errorf("body = %v", body)
	}
}

func TestPage_anonymousToLanding(t *testing.T) {
	g := newTestGuard(nil)
	h := g.Page(RequireCapabilities(model.CapPageShipments))(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	// No resolution in the context at all.
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/pages/home", nil).WithContext(context.Background()))

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Errorf("got %d %q, want 303 /login", rec.Code, rec.Header().Get("Location"))
	}
}

func TestPage_renders(t *testing.T) {
	g := newTestGuard(nil)
	h := g.Page(RequireCapabilities(model.CapPageWarehouse))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWith(session.Resolution{
		State:    session.StateAuthenticated,
		Identity: &model.Identity{SubjectID: "w1", Role: model.RoleWarehouse},
	}))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want handler to run", rec.Code)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{
		Pending: "pending", RedirectLanding: "redirect_landing",
		RedirectDefault: "redirect_default", Render: "render", Outcome(9): "unknown",
	} {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", o, got, want)
		}
	}
}

func TestHome(t *testing.T) {
	g := newTestGuard(nil)
	tests := []struct {
		role model.Role
		want string
	}{
		{model.RoleAdmin, "/"},
		{model.RoleWarehouse, "/"},
		{model.RoleDriver, "/driver"},
		{model.RoleUnknown, "/login"},
	}
	for _, tt := range tests {
		if got := g.Home(tt.role, capsFor(tt.role)); got != tt.want {
			t.Errorf("Home(%q) = %q, want %q", tt.role, got, tt.want)
		}
	}
}
