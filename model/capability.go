package model

import "strings"

// Page visibility capabilities.
const (
	CapPageFleet          = "page:fleet:view"
	CapPageWarehouse      = "page:warehouse:view"
	CapPageShipments      = "page:shipments:view"
	CapPageAnalytics      = "page:analytics:view"
	CapPageTelematics     = "page:telematics:view"
	CapPageSustainability = "page:sustainability:view"
	CapPageCompliance     = "page:compliance:view"
	CapPageDriver         = "page:driver:view"
	CapPageMap            = "page:map:view"
	CapPageSettings       = "page:settings:view"
)

// Action capabilities.
const (
	CapShipmentCreate   = "shipments:create"
	CapShipmentEdit     = "shipments:edit"
	CapShipmentDelete   = "shipments:delete"
	CapVehicleAssign    = "vehicles:assign"
	CapVehicleInspect   = "vehicles:inspect"
	CapDeliverySignPOD  = "deliveries:sign_pod"
	CapFleetManage      = "fleet:manage"
	CapInternalKPIsView = "kpi:internal:view"
)

// AllCapabilities lists every capability key the dashboard knows about, pages
// first, in a stable order.
func AllCapabilities() []string {
	return []string{
		CapPageFleet, CapPageWarehouse, CapPageShipments, CapPageAnalytics,
		CapPageTelematics, CapPageSustainability, CapPageCompliance,
		CapPageDriver, CapPageMap, CapPageSettings,
		CapShipmentCreate, CapShipmentEdit, CapShipmentDelete,
		CapVehicleAssign, CapVehicleInspect, CapDeliverySignPOD,
		CapFleetManage, CapInternalKPIsView,
	}
}

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "page:fleet:view") and may include wildcards
// (e.g. "page:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	// "shipments:*" matches "shipments:create", "*" matches everything.
	for pattern, granted := range cs {
		if granted && matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// Flags expands the given keys into explicit booleans, resolving wildcards.
// Pages embed the result so clients consume flags instead of role strings.
func (cs CapabilitySet) Flags(keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = cs.Has(k)
	}
	return out
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
// Examples:
//
//	"*"              matches anything
//	"page:*"         matches "page:fleet:view"
//	"page:fleet:*"   matches "page:fleet:view"
//	"page:fleet"     does NOT match "page:fleet:view" (exact only, no wildcard)
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1] // "page:*" → "page:"
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the capability set for a request context. It
// is the only place access decisions are derived from a role.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator maps a role to its capability set. Implementations must be
// total: an unknown role yields a defined set, never an error.
type PolicyEvaluator interface {
	CapabilitiesFor(role Role) CapabilitySet
}
