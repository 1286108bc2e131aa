package capability

import (
	"fmt"

	"github.com/pitabwire/nexusbff/model"
)

// FallbackNone disables the fallback role: unknown roles resolve to an
// all-false set.
const FallbackNone = "none"

// Resolver implements model.CapabilityResolver over a PolicyEvaluator. It
// does not cache: evaluating a role is a map copy.
type Resolver struct {
	evaluator model.PolicyEvaluator
	fallback  model.Role
}

// NewResolver creates a Resolver. fallback is the role used when the
// identity's role is missing or unrecognised; pass FallbackNone to fail closed.
func NewResolver(evaluator model.PolicyEvaluator, fallback string) (*Resolver, error) {
	if evaluator == nil {
		evaluator = BuiltinPolicy{}
	}
	r := &Resolver{evaluator: evaluator}
	if fallback != FallbackNone {
		role := model.ParseRole(fallback)
		if role == model.RoleUnknown {
			return nil, fmt.Errorf("capability: invalid fallback role %q", fallback)
		}
		r.fallback = role
	}
	return r, nil
}

// EffectiveRole returns the role the capability set is computed for.
func (r *Resolver) EffectiveRole(role model.Role) model.Role {
	if role.Valid() {
		return role
	}
	return r.fallback
}

// ForRole returns the capability set for role, applying the fallback.
func (r *Resolver) ForRole(role model.Role) model.CapabilitySet {
	effective := r.EffectiveRole(role)
	if effective == model.RoleUnknown {
		return expand(nil)
	}
	return r.evaluator.CapabilitiesFor(effective)
}

// Resolve returns the capability set for the request's identity.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if rctx == nil {
		return nil, fmt.Errorf("capability: nil request context")
	}
	return r.ForRole(rctx.Role), nil
}
