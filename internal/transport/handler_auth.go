package transport

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/model"
)

// sessionResponse describes the signed-in user to the browser. Home is the
// route to open after sign-in.
type sessionResponse struct {
	User         model.NavigationUser `json:"user"`
	Email        string               `json:"email,omitempty"`
	Home         string               `json:"home"`
	ExpiresAt    string               `json:"expires_at,omitempty"`
	Capabilities map[string]bool      `json:"capabilities"`
}

func (h *handlers) sessionBody(identity *model.Identity, caps model.CapabilitySet) sessionResponse {
	resp := sessionResponse{
		User:         model.NavigationUser{DisplayName: identity.DisplayName, Role: identity.Role.String()},
		Email:        identity.Email,
		Home:         h.guard.Home(identity.Role, caps),
		Capabilities: caps.Flags(model.AllCapabilities()...),
	}
	if !identity.ExpiresAt.IsZero() {
		resp.ExpiresAt = identity.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		h.fail(w, r, err, false)
		return
	}

	prev := session.ResolutionFrom(r.Context()).Identity
	identity, err := h.sessions.Login(r.Context(), w, r, creds)
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("login failed",
			zap.String("username", creds.Username),
			zap.Error(err),
		)
		WriteError(w, r, err)
		return
	}

	if prev != nil && prev.SubjectID != identity.SubjectID {
		h.queries.ForgetScope(prev.SubjectID)
	}

	caps, err := h.resolve(identity)
	if err != nil {
		h.fail(w, r, err, false)
		return
	}
	WriteJSON(w, http.StatusOK, h.sessionBody(identity, caps))
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if res := session.ResolutionFrom(r.Context()); res.Identity != nil {
		h.queries.ForgetScope(res.Identity.SubjectID)
	}
	if err := h.sessions.Logout(r.Context(), w, r); err != nil {
		h.fail(w, r, err, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// currentSession reports the session state. It answers 200 for every state
// so the browser can tell "signed out" from "still checking".
func (h *handlers) currentSession(w http.ResponseWriter, r *http.Request) {
	res := session.ResolutionFrom(r.Context())
	switch res.State {
	case session.StateAuthenticated:
		WriteJSON(w, http.StatusOK, struct {
			State string `json:"state"`
			sessionResponse
		}{res.State.String(), h.sessionBody(res.Identity, model.CapabilitiesFrom(r.Context()))})
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"state": res.State.String()})
	}
}

// resolve computes the capabilities of a freshly signed-in identity; the
// session middleware has not seen it yet.
func (h *handlers) resolve(identity *model.Identity) (model.CapabilitySet, error) {
	return h.resolver.Resolve(model.NewRequestContext(identity, "", ""))
}
