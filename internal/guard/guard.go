// Package guard decides whether a page may render for the current session
// and turns that decision into an HTTP response.
package guard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/model"
)

// Outcome is the result of a guard decision.
type Outcome int

const (
	// Pending means the session could not be resolved yet; nothing renders.
	Pending Outcome = iota
	// RedirectLanding sends the user to the landing route.
	RedirectLanding
	// RedirectDefault sends the user to their role's home page.
	RedirectDefault
	// Render lets the page handler run.
	Render
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case RedirectLanding:
		return "redirect_landing"
	case RedirectDefault:
		return "redirect_default"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Decision is an outcome plus the redirect target, if any.
type Decision struct {
	Outcome  Outcome
	Location string
}

// Requirement is what a page demands. All capabilities must be granted; when
// Roles is non-empty the role must also be one of them.
type Requirement struct {
	Capabilities []string
	Roles        []model.Role
}

// RequireCapabilities is shorthand for a capability-only requirement.
func RequireCapabilities(caps ...string) Requirement {
	return Requirement{Capabilities: caps}
}

// RequireRoles is shorthand for a role-only requirement.
func RequireRoles(roles ...model.Role) Requirement {
	return Requirement{Roles: roles}
}

// Satisfied reports whether role and caps meet the requirement.
func (req Requirement) Satisfied(role model.Role, caps model.CapabilitySet) bool {
	if !caps.HasAll(req.Capabilities...) {
		return false
	}
	if len(req.Roles) == 0 {
		return true
	}
	for _, r := range req.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PagesFromNavigation derives the requirement of each browser route from the
// sidebar definition.
func PagesFromNavigation(items []model.NavItem) map[string]Requirement {
	pages := make(map[string]Requirement, len(items))
	for _, item := range items {
		if item.Capability == "" {
			pages[item.Path] = Requirement{}
			continue
		}
		pages[item.Path] = RequireCapabilities(item.Capability)
	}
	return pages
}

// Guard evaluates page requirements against the session.
type Guard struct {
	routes  config.RoutesConfig
	pages   map[string]Requirement
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a Guard. pages maps browser routes to their requirement and is
// used to check that a redirect target is itself reachable.
func New(routes config.RoutesConfig, pages map[string]Requirement, logger *zap.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{routes: routes, pages: pages, logger: logger, metrics: metrics}
}

// Decide evaluates req for a session in the given state. It is pure.
func (g *Guard) Decide(state session.State, role model.Role, caps model.CapabilitySet, req Requirement) Decision {
	switch state {
	case session.StateChecking:
		return Decision{Outcome: Pending}
	case session.StateAnonymous:
		return Decision{Outcome: RedirectLanding, Location: g.routes.Landing}
	}

	if req.Satisfied(role, caps) {
		return Decision{Outcome: Render}
	}

	target := g.Home(role, caps)
	if target == g.routes.Landing {
		return Decision{Outcome: RedirectLanding, Location: target}
	}
	return Decision{Outcome: RedirectDefault, Location: target}
}

// Home returns the default page of role. A role whose home page is itself
// forbidden is sent to the landing route so redirects cannot loop.
func (g *Guard) Home(role model.Role, caps model.CapabilitySet) string {
	target := g.defaultRoute(role)
	if req, ok := g.pages[target]; ok && !req.Satisfied(role, caps) {
		return g.routes.Landing
	}
	return target
}

// Landing returns the route anonymous users are sent to.
func (g *Guard) Landing() string { return g.routes.Landing }

func (g *Guard) defaultRoute(role model.Role) string {
	if role == model.RoleDriver {
		return g.routes.DriverHome
	}
	return g.routes.Home
}

// Page returns middleware enforcing req. The next handler, and therefore any
// data fetch, only runs when the decision is Render.
func (g *Guard) Page(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := session.ResolutionFrom(r.Context())
			var role model.Role
			if res.Identity != nil {
				role = res.Identity.Role
			}

			d := g.Decide(res.State, role, model.CapabilitiesFrom(r.Context()), req)
			g.metrics.RecordGuardDecision(d.Outcome.String())
			observability.Annotate(r.Context(), observability.AttrGuardOutcome.String(d.Outcome.String()))
			if d.Outcome != Render {
				g.logger.Debug("guard decision",
					zap.String("path", r.URL.Path),
					zap.String("state", res.State.String()),
					zap.String("role", role.String()),
					zap.String("outcome", d.Outcome.String()),
					zap.String("location", d.Location),
				)
			}

			switch d.Outcome {
			case Render:
				next.ServeHTTP(w, r)
			case Pending:
				w.Header().Set("Retry-After", strconv.Itoa(1))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"state": "checking_session"})
			default:
				w.Header().Set("Location", d.Location)
				writeJSON(w, http.StatusSeeOther, map[string]string{
					"redirect": d.Location,
					"reason":   d.Outcome.String(),
				})
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
