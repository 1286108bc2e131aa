package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials is the login form payload forwarded to the backend.
type Credentials struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// Identity is the authenticated user held by the session store. The token is
// the opaque backend bearer token; it never leaves the server.
type Identity struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Role        Role      `json:"role"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the identity's session lifetime has passed.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// RequestContext carries identity and tracing information for the lifetime
// of an authenticated request. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	SubjectID     string
	DisplayName   string
	Email         string
	Role          Role
	Token         string
	SessionID     string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// NewRequestContext builds a RequestContext for an identity.
func NewRequestContext(id *Identity, sessionID, correlationID string) *RequestContext {
	return &RequestContext{
		SubjectID:     id.SubjectID,
		DisplayName:   id.DisplayName,
		Email:         id.Email,
		Role:          id.Role,
		Token:         id.Token,
		SessionID:     sessionID,
		CorrelationID: correlationID,
	}
}

// Validate checks that all mandatory fields are present.
// SubjectID and Token must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.Token == "" {
		errs = append(errs, fmt.Errorf("Token is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the route guard.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}

type capabilitiesKey struct{}

// WithCapabilities attaches the resolved capability set to the context.
func WithCapabilities(ctx context.Context, caps CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// CapabilitiesFrom extracts the capability set from the context. A request
// without one has an empty set and is granted nothing.
func CapabilitiesFrom(ctx context.Context) CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(CapabilitySet)
	if caps == nil {
		return CapabilitySet{}
	}
	return caps
}
