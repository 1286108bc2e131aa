// Package dashboard composes the page payloads of the fleet dashboard and
// performs its mutations against the fleet backend.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/normalize"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/internal/validation"
	"github.com/pitabwire/nexusbff/model"
)

// Backend is the subset of the fleet REST client the dashboard uses.
type Backend interface {
	ListVehicles(ctx context.Context) (json.RawMessage, error)
	CreateVehicle(ctx context.Context, payload any) (json.RawMessage, error)
	UpdateVehicle(ctx context.Context, id string, payload any) (json.RawMessage, error)
	DeleteVehicle(ctx context.Context, id string) error

	ListShipments(ctx context.Context) (json.RawMessage, error)
	GetShipment(ctx context.Context, id string) (json.RawMessage, error)
	CreateShipment(ctx context.Context, payload any) (json.RawMessage, error)
	UpdateShipment(ctx context.Context, id string, payload any) (json.RawMessage, error)
	DeleteShipment(ctx context.Context, id string) error
	CompleteDelivery(ctx context.Context, id string, pod model.ProofOfDeliveryInput) error

	ListDocks(ctx context.Context) (json.RawMessage, error)
	UpdateDockStatus(ctx context.Context, id, status, vehicleID string) (json.RawMessage, error)

	Diagnostics(ctx context.Context, vehicleID string) (json.RawMessage, error)
	Waybill(ctx context.Context, shipmentID string) (json.RawMessage, error)
	Leaderboard(ctx context.Context) (json.RawMessage, error)
	SustainabilityMetrics(ctx context.Context) (json.RawMessage, error)
}

// Service serves dashboard pages and mutations for the user in the request
// context.
type Service struct {
	backend   Backend
	norm      *normalize.Normalizer
	queries   *query.Client
	validator *validation.Validator
	logger    *zap.Logger
}

// NewService creates a dashboard Service.
func NewService(backend Backend, norm *normalize.Normalizer, queries *query.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:   backend,
		norm:      norm,
		queries:   queries,
		validator: validation.New(),
		logger:    logger,
	}
}

// scope returns the cache scope of the caller. Queries without an identity
// are rejected before they reach the backend.
func scope(ctx context.Context) (string, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.SubjectID == "" {
		return "", model.NewUnauthorizedError("No active session")
	}
	return rctx.SubjectID, nil
}

// load fetches one resource through the query cache and normalizes it.
func load[T any](ctx context.Context, s *Service, resource, item string, fetch func(context.Context) (json.RawMessage, error), norm func(json.RawMessage) (T, error)) (T, error) {
	var zero T
	sc, err := scope(ctx)
	if err != nil {
		return zero, err
	}
	if item != "" {
		sc += "/" + item
	}

	ctx, span := observability.StartSpan(ctx, "dashboard.load", observability.AttrResource.String(resource))

	v, err := query.Fetch(ctx, s.queries, query.Key{Resource: resource, Scope: sc}, func(ctx context.Context) (T, error) {
		raw, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		out, err := norm(raw)
		if err != nil {
			return zero, fmt.Errorf("dashboard: %s: %w", resource, err)
		}
		return out, nil
	})
	observability.EndSpanWithError(span, err)
	return v, err
}

func (s *Service) vehicles(ctx context.Context) (model.Collection[model.VehicleView], error) {
	return load(ctx, s, normalize.ResourceVehicles, "", s.backend.ListVehicles, s.norm.Vehicles)
}

func (s *Service) shipments(ctx context.Context) (model.Collection[model.ShipmentView], error) {
	return load(ctx, s, normalize.ResourceShipments, "", s.backend.ListShipments, s.norm.Shipments)
}

func (s *Service) docks(ctx context.Context) (model.Collection[model.DockView], error) {
	return load(ctx, s, normalize.ResourceDocks, "", s.backend.ListDocks, s.norm.Docks)
}

func (s *Service) leaderboard(ctx context.Context) (model.Collection[model.LeaderboardEntry], error) {
	return load(ctx, s, normalize.ResourceLeaderboard, "", s.backend.Leaderboard, s.norm.Leaderboard)
}

func (s *Service) sustainability(ctx context.Context) (model.SustainabilityView, error) {
	return load(ctx, s, normalize.ResourceSustainability, "", s.backend.SustainabilityMetrics, s.norm.Sustainability)
}

func (s *Service) diagnostics(ctx context.Context, vehicleID string) (model.DiagnosticsView, error) {
	return load(ctx, s, normalize.ResourceDiagnostics, vehicleID,
		func(ctx context.Context) (json.RawMessage, error) { return s.backend.Diagnostics(ctx, vehicleID) },
		s.norm.Diagnostics)
}

func (s *Service) waybill(ctx context.Context, shipmentID string) (model.WaybillView, error) {
	return load(ctx, s, normalize.ResourceWaybill, shipmentID,
		func(ctx context.Context) (json.RawMessage, error) { return s.backend.Waybill(ctx, shipmentID) },
		s.norm.Waybill)
}

// PendingCount returns the number of records of resource that wait on
// someone, for navigation badges. Only shipments carry a count.
func (s *Service) PendingCount(ctx context.Context, resource string) (int, error) {
	if resource != normalize.ResourceShipments {
		return 0, nil
	}
	shipments, err := s.shipments(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sh := range shipments.Items {
		if sh.StatusCode == "PENDING" {
			n++
		}
	}
	return n, nil
}
