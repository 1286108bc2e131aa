package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/normalize"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/model"
)

// Action IDs accepted by POST /ui/actions/{action}.
const (
	ActionShipmentCreate   = "shipments.create"
	ActionShipmentUpdate   = "shipments.update"
	ActionShipmentDelete   = "shipments.delete"
	ActionShipmentAssign   = "shipments.assign"
	ActionDeliverySignPOD  = "deliveries.sign_pod"
	ActionVehicleCreate    = "vehicles.create"
	ActionVehicleUpdate    = "vehicles.update"
	ActionVehicleDelete    = "vehicles.delete"
	ActionVehicleInspect   = "vehicles.inspect"
	ActionDockUpdateStatus = "docks.update_status"
	ActionShipmentWaybill  = "shipments.waybill"
)

// Mutation describes an action: the capability it needs and the resources
// it makes stale. Read-only actions invalidate nothing.
type Mutation struct {
	Capability  string
	Invalidates []string
}

var mutations = map[string]Mutation{
	ActionShipmentCreate:   {model.CapShipmentCreate, []string{normalize.ResourceShipments}},
	ActionShipmentUpdate:   {model.CapShipmentEdit, []string{normalize.ResourceShipments, normalize.ResourceWaybill}},
	ActionShipmentDelete:   {model.CapShipmentDelete, []string{normalize.ResourceShipments, normalize.ResourceWaybill}},
	ActionShipmentAssign:   {model.CapVehicleAssign, []string{normalize.ResourceShipments, normalize.ResourceVehicles}},
	ActionDeliverySignPOD:  {model.CapDeliverySignPOD, []string{normalize.ResourceShipments, normalize.ResourceLeaderboard}},
	ActionVehicleCreate:    {model.CapFleetManage, []string{normalize.ResourceVehicles}},
	ActionVehicleUpdate:    {model.CapFleetManage, []string{normalize.ResourceVehicles, normalize.ResourceDiagnostics}},
	ActionVehicleDelete:    {model.CapFleetManage, []string{normalize.ResourceVehicles, normalize.ResourceDiagnostics, normalize.ResourceShipments}},
	ActionVehicleInspect:   {model.CapVehicleInspect, nil},
	ActionDockUpdateStatus: {model.CapVehicleAssign, []string{normalize.ResourceDocks}},
	ActionShipmentWaybill:  {model.CapPageShipments, nil},
}

// ActionResult is the payload of a successful action.
type ActionResult struct {
	Action      string   `json:"action"`
	Invalidated []string `json:"invalidated,omitempty"`
	Data        any      `json:"data,omitempty"`
}

// mutate checks the caller may run action, runs it and invalidates the
// resources it touched once it succeeded.
func (s *Service) mutate(ctx context.Context, action, target string, run func(context.Context) (any, error)) (*ActionResult, error) {
	m, ok := mutations[action]
	if !ok {
		return nil, model.NewNotFoundError("Unknown action " + action)
	}
	if _, err := scope(ctx); err != nil {
		return nil, err
	}
	if !model.CapabilitiesFrom(ctx).Has(m.Capability) {
		return nil, model.NewForbiddenError("Missing capability " + m.Capability)
	}

	ctx, span := observability.StartSpan(ctx, "dashboard.action", observability.AttrAction.String(action))
	data, err := run(ctx)
	observability.EndSpanWithError(span, err)
	if err != nil {
		s.logger.Warn("action failed",
			zap.String("action", action),
			zap.String("target", target),
			zap.Error(err),
		)
		return nil, err
	}

	if len(m.Invalidates) > 0 {
		s.queries.Invalidate(m.Invalidates...)
	}
	s.logger.Info("action completed", zap.String("action", action), zap.String("target", target))
	return &ActionResult{Action: action, Invalidated: m.Invalidates, Data: data}, nil
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", model.NewBadRequestError("Missing record id")
	}
	return id, nil
}

// normalized maps a mutation response when the backend returned a body. The
// write already happened, so a body that cannot be mapped is logged and
// dropped rather than failing the action.
func normalized[T any](s *Service, raw json.RawMessage, norm func(json.RawMessage) (T, error)) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	v, err := norm(trimmed)
	if err != nil {
		s.logger.Warn("unmapped action response", zap.Error(err))
		return nil, nil
	}
	return v, nil
}

// CreateShipment creates a PENDING shipment.
func (s *Service) CreateShipment(ctx context.Context, in model.ShipmentInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionShipmentCreate, in.SID, func(ctx context.Context) (any, error) {
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		raw, err := s.backend.CreateShipment(ctx, normalize.NewShipmentPayload(in))
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Shipment)
	})
}

// UpdateShipment replaces the editable fields of shipment id.
func (s *Service) UpdateShipment(ctx context.Context, id string, in model.ShipmentInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionShipmentUpdate, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		raw, err := s.backend.UpdateShipment(ctx, id, normalize.UpdateShipmentPayload(in))
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Shipment)
	})
}

// DeleteShipment deletes shipment id.
func (s *Service) DeleteShipment(ctx context.Context, id string) (*ActionResult, error) {
	return s.mutate(ctx, ActionShipmentDelete, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		return nil, s.backend.DeleteShipment(ctx, id)
	})
}

// AssignVehicle assigns a vehicle to shipment id. The backend has no partial
// update, so the current record is read and written back with the new
// assignment.
func (s *Service) AssignVehicle(ctx context.Context, id string, in model.AssignmentInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionShipmentAssign, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		current, err := s.backend.GetShipment(ctx, id)
		if err != nil {
			return nil, err
		}
		merged, err := normalize.MergeAssignment(current, strings.TrimSpace(in.VehicleID))
		if err != nil {
			return nil, err
		}
		raw, err := s.backend.UpdateShipment(ctx, id, merged)
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Shipment)
	})
}

// SignProofOfDelivery completes delivery of shipment id with the driver's
// signature and position.
func (s *Service) SignProofOfDelivery(ctx context.Context, id string, pod model.ProofOfDeliveryInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionDeliverySignPOD, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Struct(pod); err != nil {
			return nil, err
		}
		return nil, s.backend.CompleteDelivery(ctx, id, pod)
	})
}

// CreateVehicle registers a vehicle with the fleet defaults.
func (s *Service) CreateVehicle(ctx context.Context, in model.VehicleInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionVehicleCreate, in.VID, func(ctx context.Context) (any, error) {
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		raw, err := s.backend.CreateVehicle(ctx, normalize.NewVehiclePayload(in))
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Vehicle)
	})
}

// UpdateVehicle replaces the editable fields of vehicle id.
func (s *Service) UpdateVehicle(ctx context.Context, id string, in model.VehicleInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionVehicleUpdate, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		raw, err := s.backend.UpdateVehicle(ctx, id, normalize.UpdateVehiclePayload(in))
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Vehicle)
	})
}

// DeleteVehicle deletes vehicle id.
func (s *Service) DeleteVehicle(ctx context.Context, id string) (*ActionResult, error) {
	return s.mutate(ctx, ActionVehicleDelete, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		return nil, s.backend.DeleteVehicle(ctx, id)
	})
}

// InspectVehicle returns the diagnostics of vehicle id.
func (s *Service) InspectVehicle(ctx context.Context, id string) (*ActionResult, error) {
	return s.mutate(ctx, ActionVehicleInspect, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		return s.diagnostics(ctx, id)
	})
}

// UpdateDockStatus changes the status of dock id.
func (s *Service) UpdateDockStatus(ctx context.Context, id string, in model.DockStatusInput) (*ActionResult, error) {
	return s.mutate(ctx, ActionDockUpdateStatus, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Struct(in); err != nil {
			return nil, err
		}
		status, vehicleID := normalize.DockStatus(in)
		raw, err := s.backend.UpdateDockStatus(ctx, id, status, vehicleID)
		if err != nil {
			return nil, err
		}
		return normalized(s, raw, s.norm.Dock)
	})
}

// Waybill returns the printable waybill of shipment id.
func (s *Service) Waybill(ctx context.Context, id string) (*ActionResult, error) {
	return s.mutate(ctx, ActionShipmentWaybill, id, func(ctx context.Context) (any, error) {
		id, err := requireID(id)
		if err != nil {
			return nil, err
		}
		return s.waybill(ctx, id)
	})
}
