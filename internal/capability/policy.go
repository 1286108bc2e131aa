// Package capability maps roles to capability sets. It is the single place
// access decisions are derived from a role string.
package capability

import "github.com/pitabwire/nexusbff/model"

// defaultPolicy is the built-in role table.
var defaultPolicy = map[model.Role][]string{
	model.RoleAdmin: {
		model.CapPageFleet,
		model.CapPageWarehouse,
		model.CapPageShipments,
		model.CapPageAnalytics,
		model.CapPageTelematics,
		model.CapPageSustainability,
		model.CapPageCompliance,
		model.CapPageDriver,
		model.CapPageMap,
		model.CapPageSettings,
		model.CapShipmentCreate,
		model.CapShipmentEdit,
		model.CapShipmentDelete,
		model.CapVehicleAssign,
		model.CapFleetManage,
		model.CapInternalKPIsView,
	},
	model.RoleWarehouse: {
		model.CapPageWarehouse,
		model.CapPageShipments,
		model.CapPageMap,
		model.CapPageSettings,
		model.CapShipmentCreate,
		model.CapShipmentEdit,
		model.CapVehicleAssign,
	},
	model.RoleDriver: {
		model.CapPageDriver,
		model.CapPageMap,
		model.CapPageSettings,
		model.CapVehicleInspect,
		model.CapDeliverySignPOD,
	},
}

// ResolveCapabilities returns the built-in capability set for role. Every
// known capability key is present with an explicit value, so callers can
// distinguish "denied" from "unknown key". A missing or unrecognised role
// gets the admin set; Resolver with FallbackNone is the fail-closed path.
func ResolveCapabilities(role model.Role) model.CapabilitySet {
	if !role.Valid() {
		role = model.RoleAdmin
	}
	return expand(defaultPolicy[role])
}

// expand turns a granted list into a set holding every known key plus any
// extra (wildcard) grants.
func expand(granted []string) model.CapabilitySet {
	all := model.AllCapabilities()
	caps := make(model.CapabilitySet, len(all)+len(granted))
	for _, c := range all {
		caps[c] = false
	}
	for _, c := range granted {
		caps[c] = true
	}
	return caps
}

// BuiltinPolicy evaluates roles against the built-in table.
type BuiltinPolicy struct{}

// CapabilitiesFor implements model.PolicyEvaluator.
func (BuiltinPolicy) CapabilitiesFor(role model.Role) model.CapabilitySet {
	return ResolveCapabilities(role)
}
