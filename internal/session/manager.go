package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/validation"
	"github.com/pitabwire/nexusbff/model"
)

// Authenticator exchanges credentials for an identity carrying a backend
// bearer token.
type Authenticator interface {
	SignIn(ctx context.Context, creds model.Credentials) (*model.Identity, error)
}

// State is the outcome of resolving the session of a request.
type State int

const (
	// StateChecking means the store could not answer; the session is
	// neither confirmed nor refuted.
	StateChecking State = iota
	StateAnonymous
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "checking"
	}
}

// Resolution is the session state of one request.
type Resolution struct {
	State    State
	ID       string
	Identity *model.Identity
	Err      error
}

// Manager implements login, logout and session lookup on top of a Store.
type Manager struct {
	store     Store
	auth      Authenticator
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics

	cookieName string
	secure     bool
	ttl        time.Duration
	now        func() time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, auth Authenticator, cfg config.SessionConfig, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		auth:       auth,
		validator:  validation.New(),
		logger:     logger,
		metrics:    metrics,
		cookieName: cfg.CookieName,
		secure:     cfg.SecureCookie,
		ttl:        cfg.TTL,
		now:        time.Now,
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Resolve looks up the session named by the request cookie.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) Resolution {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return Resolution{State: StateAnonymous}
	}
	id := cookie.Value
	if _, err := uuid.Parse(id); err != nil {
		return Resolution{State: StateAnonymous}
	}

	identity, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Warn("session lookup failed", zap.Error(err))
		return Resolution{State: StateChecking, ID: id, Err: err}
	}
	if identity == nil {
		return Resolution{State: StateAnonymous, ID: id}
	}
	if identity.Expired(m.now()) {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("deleting expired session", zap.Error(err))
		}
		m.metrics.RecordSessionEvent("expired")
		return Resolution{State: StateAnonymous, ID: id}
	}
	return Resolution{State: StateAuthenticated, ID: id, Identity: identity}
}

// CurrentIdentity returns the request's identity, or nil when the request is
// unauthenticated. A store failure is returned as an error so callers can
// tell "no session" from "session unknown".
func (m *Manager) CurrentIdentity(ctx context.Context, r *http.Request) (*model.Identity, error) {
	res := m.Resolve(ctx, r)
	if res.State == StateChecking {
		return nil, fmt.Errorf("session: %w", res.Err)
	}
	return res.Identity, nil
}

// Login authenticates against the backend, stores the identity under a new
// session ID and sets the session cookie. A session already carried by r is
// deleted once the new one is stored; a failed sign-in leaves it in place.
func (m *Manager) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, creds model.Credentials) (*model.Identity, error) {
	if err := m.validator.Struct(creds); err != nil {
		return nil, err
	}

	identity, err := m.auth.SignIn(ctx, creds)
	if err != nil {
		m.metrics.RecordSessionEvent("login_failed")
		return nil, err
	}

	now := m.now()
	ttl := m.ttl
	if exp := tokenExpiry(identity.Token); !exp.IsZero() {
		if remaining := exp.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		m.metrics.RecordSessionEvent("login_failed")
		return nil, model.NewUnauthorizedError("The backend issued an expired token")
	}
	identity.ExpiresAt = now.Add(ttl)

	id := uuid.NewString()
	if err := m.store.Put(ctx, id, *identity, ttl); err != nil {
		return nil, fmt.Errorf("session: storing session: %w", err)
	}
	m.retire(ctx, r)

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	m.metrics.RecordSessionEvent("login")
	m.logger.Info("session started",
		zap.String("subject_id", identity.SubjectID),
		zap.String("role", identity.Role.String()),
		zap.Time("expires_at", identity.ExpiresAt),
	)
	return identity, nil
}

// Logout deletes the session and expires the cookie.
func (m *Manager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return m.end(ctx, w, r, "logout")
}

// Expire ends a session the backend no longer accepts.
func (m *Manager) Expire(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return m.end(ctx, w, r, "expired")
}

func (m *Manager) end(ctx context.Context, w http.ResponseWriter, r *http.Request, event string) error {
	m.clearCookie(w)

	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	if err := m.store.Delete(ctx, cookie.Value); err != nil {
		return fmt.Errorf("session: deleting session: %w", err)
	}
	m.metrics.RecordSessionEvent(event)
	return nil
}

// retire deletes the session r was carrying before a new sign-in.
func (m *Manager) retire(ctx context.Context, r *http.Request) {
	prev, err := r.Cookie(m.cookieName)
	if err != nil || prev.Value == "" {
		return
	}
	if err := m.store.Delete(ctx, prev.Value); err != nil {
		m.logger.Warn("previous session not deleted", zap.Error(err))
		return
	}
	m.metrics.RecordSessionEvent("replaced")
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// The backend verifies its own tokens; the BFF only needs the lifetime. A
// token that is not a JWT yields the zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type contextKey struct{}

// WithResolution attaches a Resolution to ctx.
func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// ResolutionFrom returns the Resolution attached to ctx. A context without
// one resolves to anonymous.
func ResolutionFrom(ctx context.Context) Resolution {
	res, ok := ctx.Value(contextKey{}).(Resolution)
	if !ok {
		return Resolution{State: StateAnonymous}
	}
	return res
}
