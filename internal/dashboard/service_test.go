package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/nexusbff/internal/capability"
	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/normalize"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/model"
)

// fakeBackend serves canned records and records the writes it receives.
type fakeBackend struct {
	mu        sync.Mutex
	vehicles  []map[string]any
	shipments []map[string]any
	docks     string
	board     string
	metrics   string
	diag      string

	calls   map[string]int
	updates map[string]any
	failOn  map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		vehicles: []map[string]any{
			{"id": 1, "vId": "V-1", "plate": "KAA 100A", "name": "Volvo FH", "status": "ACTIVE",
				"driver": map[string]any{"user": map[string]any{"username": "jdoe"}}, "lastService": "2026-01-05"},
			{"id": 2, "vId": "V-2", "plate": "KAB 200B", "name": "Scania R", "status": "IDLE", "lastService": "2025-01-05"},
			{"id": 3, "vId": "V-3", "plate": "KAC 300C", "name": "MAN TGX", "status": "MAINTENANCE"},
		},
		shipments: []map[string]any{
			{"id": 10, "sId": "S-10", "customer": "Acme", "origin": "Nairobi", "destination": "Mombasa", "status": "IN_TRANSIT",
				"assignedVehicle": map[string]any{"id": 1, "vId": "V-1", "driver": "jdoe"}},
			{"id": 11, "sId": "S-11", "customer": "Globex", "origin": "Kisumu", "destination": "Nakuru", "status": "PENDING"},
			{"id": 12, "sId": "S-12", "customer": "Initech", "origin": "Eldoret", "destination": "Thika", "status": "PENDING"},
			{"id": 13, "sId": "S-13", "customer": "Umbrella", "origin": "Nyeri", "destination": "Embu", "status": "DELIVERED"},
		},
		docks:   `[{"id":1,"dockNumber":"D1","status":"AVAILABLE"},{"id":2,"dockNumber":"D2","status":"OCCUPIED","assignedVId":"V-1"}]`,
		board:   `[{"driver":{"user":{"username":"asmith"}},"ecoScore":90,"rank":1},{"driver":"jdoe","ecoScore":80,"rank":2}]`,
		metrics: `{"totalCo2Saved":450,"co2ReductionTarget":1000}`,
		diag:    `{"vin":"VIN1","engineTemp":90,"status":"HEALTHY","faultCodes":[]}`,
		calls:   map[string]int{},
		updates: map[string]any{},
		failOn:  map[string]error{},
	}
}

func (f *fakeBackend) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.failOn[name]
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (f *fakeBackend) ListVehicles(context.Context) (json.RawMessage, error) {
	if err := f.hit("ListVehicles"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return marshal(f.vehicles), nil
}

func (f *fakeBackend) CreateVehicle(_ context.Context, payload any) (json.RawMessage, error) {
	if err := f.hit("CreateVehicle"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["create-vehicle"] = payload
	return nil, nil
}

func (f *fakeBackend) UpdateVehicle(_ context.Context, id string, payload any) (json.RawMessage, error) {
	if err := f.hit("UpdateVehicle"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["vehicle/"+id] = payload
	p := payload.(normalize.VehiclePayload)
	for _, v := range f.vehicles {
		if fmt.Sprint(v["id"]) == id {
			v["name"] = p.Name
			v["status"] = p.Status
			return marshal(v), nil
		}
	}
	return nil, model.NewNotFoundError("vehicle " + id)
}

func (f *fakeBackend) DeleteVehicle(context.Context, string) error { return f.hit("DeleteVehicle") }

func (f *fakeBackend) ListShipments(context.Context) (json.RawMessage, error) {
	if err := f.hit("ListShipments"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return marshal(f.shipments), nil
}

func (f *fakeBackend) GetShipment(_ context.Context, id string) (json.RawMessage, error) {
	if err := f.hit("GetShipment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.shipments {
		if fmt.Sprint(s["id"]) == id {
			return marshal(s), nil
		}
	}
	return nil, model.NewNotFoundError("shipment " + id)
}

func (f *fakeBackend) CreateShipment(_ context.Context, payload any) (json.RawMessage, error) {
	if err := f.hit("CreateShipment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["create-shipment"] = payload
	return json.RawMessage(`{"id":99,"sId":"S-99","status":"PENDING"}`), nil
}

func (f *fakeBackend) UpdateShipment(_ context.Context, id string, payload any) (json.RawMessage, error) {
	if err := f.hit("UpdateShipment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["shipment/"+id] = payload
	return nil, nil
}

func (f *fakeBackend) DeleteShipment(context.Context, string) error { return f.hit("DeleteShipment") }

func (f *fakeBackend) CompleteDelivery(_ context.Context, id string, pod model.ProofOfDeliveryInput) error {
	if err := f.hit("CompleteDelivery"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["pod/"+id] = pod
	return nil
}

func (f *fakeBackend) ListDocks(context.Context) (json.RawMessage, error) {
	return json.RawMessage(f.docks), f.hit("ListDocks")
}

func (f *fakeBackend) UpdateDockStatus(_ context.Context, id, status, vehicleID string) (json.RawMessage, error) {
	if err := f.hit("UpdateDockStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates["dock/"+id] = status + "|" + vehicleID
	return nil, nil
}

func (f *fakeBackend) Diagnostics(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(f.diag), f.hit("Diagnostics")
}

func (f *fakeBackend) Waybill(_ context.Context, id string) (json.RawMessage, error) {
	return json.RawMessage(`{"waybillNumber":"WB-` + id + `","shipmentNumber":"S-` + id + `"}`), f.hit("Waybill")
}

func (f *fakeBackend) Leaderboard(context.Context) (json.RawMessage, error) {
	return json.RawMessage(f.board), f.hit("Leaderboard")
}

func (f *fakeBackend) SustainabilityMetrics(context.Context) (json.RawMessage, error) {
	return json.RawMessage(f.metrics), f.hit("SustainabilityMetrics")
}

func newTestService(t *testing.T) (*Service, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	queries := query.New(config.QueryConfig{TTL: time.Minute, MaxEntries: 128}, nil, nil)
	return NewService(backend, normalize.New(nil, nil), queries, nil), backend
}

func userCtx(role model.Role, subject, name string) context.Context {
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:   subject,
		DisplayName: name,
		Role:        role,
	})
	return model.WithCapabilities(ctx, capability.ResolveCapabilities(role))
}

func render(t *testing.T, s *Service, ctx context.Context, name string, params url.Values) *PageResponse {
	t.Helper()
	page, ok := LookupPage(name)
	require.True(t, ok, "page %s", name)
	resp, err := s.Render(ctx, page, params)
	require.NoError(t, err)
	return resp
}

func TestRender_fleetIsCached(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleAdmin, "admin-1", "Ada")

	first := render(t, s, ctx, "fleet", nil)
	data := first.Data.(FleetData)
	assert.Len(t, data.Vehicles, 3)
	assert.Equal(t, StatusCounts{"active": 1, "idle": 1, "maintenance": 1}, data.Counts)
	assert.Equal(t, map[string]bool{model.CapFleetManage: true, model.CapVehicleInspect: false}, first.Actions)

	render(t, s, ctx, "fleet", nil)
	assert.Equal(t, 1, backend.count("ListVehicles"), "second render must be served from cache")

	// Another user does not share the cached list.
	render(t, s, userCtx(model.RoleAdmin, "admin-2", "Bob"), "fleet", nil)
	assert.Equal(t, 2, backend.count("ListVehicles"))
}

func TestUpdateVehicle_refreshesFleet(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleAdmin, "admin-1", "Ada")

	before := render(t, s, ctx, "fleet", nil).Data.(FleetData)
	require.Equal(t, "Scania R", before.Vehicles[1].Name)

	res, err := s.UpdateVehicle(ctx, "2", model.VehicleInput{VID: "V-2", Plate: "KAB 200B", Name: "Scania S", Status: "active"})
	require.NoError(t, err)
	assert.Contains(t, res.Invalidated, normalize.ResourceVehicles)
	updated, ok := res.Data.(model.VehicleView)
	require.True(t, ok, "data = %T", res.Data)
	assert.Equal(t, "Scania S", updated.Name)

	payload := backend.updates["vehicle/2"].(normalize.VehiclePayload)
	assert.Equal(t, "ACTIVE", payload.Status)
	assert.Nil(t, payload.Latitude, "update keeps omitted coordinates unset")

	after := render(t, s, ctx, "fleet", nil).Data.(FleetData)
	assert.Equal(t, "Scania S", after.Vehicles[1].Name)
	assert.Equal(t, "active", after.Vehicles[1].Status)
	assert.Equal(t, 2, backend.count("ListVehicles"))
}

func TestMutation_forbiddenNeverReachesBackend(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w-1", "Wanda")

	_, err := s.DeleteVehicle(ctx, "1")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "err = %v", err)
	assert.Zero(t, backend.count("DeleteVehicle"))
}

func TestMutation_unauthenticated(t *testing.T) {
	s, backend := newTestService(t)

	_, err := s.CreateShipment(context.Background(), model.ShipmentInput{SID: "S-1"})
	assert.True(t, model.IsCode(err, model.ErrUnauthorized), "err = %v", err)
	assert.Zero(t, backend.count("CreateShipment"))
}

func TestMutation_failureKeepsCache(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleAdmin, "admin-1", "Ada")

	render(t, s, ctx, "fleet", nil)
	backend.failOn["UpdateVehicle"] = model.NewBackendUnavailableError()

	_, err := s.UpdateVehicle(ctx, "1", model.VehicleInput{VID: "V-1", Plate: "P", Name: "N"})
	assert.True(t, model.IsCode(err, model.ErrBackendUnavailable), "err = %v", err)

	render(t, s, ctx, "fleet", nil)
	assert.Equal(t, 1, backend.count("ListVehicles"), "a failed write must not invalidate")
}

func TestMutation_validation(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleAdmin, "admin-1", "Ada")

	_, err := s.CreateShipment(ctx, model.ShipmentInput{SID: "S-1", Customer: "Acme"})
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, model.ErrValidationError, env.Code)
	assert.NotEmpty(t, env.Details)
	assert.Zero(t, backend.count("CreateShipment"))
}

func TestCreateShipment(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w-1", "Wanda")

	res, err := s.CreateShipment(ctx, model.ShipmentInput{
		SID: "S-99", Customer: "Acme", Origin: "Nairobi", Destination: "Mombasa", Weight: "2,400 kg",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{normalize.ResourceShipments}, res.Invalidated)
	assert.Equal(t, "S-99", res.Data.(model.ShipmentView).ID)

	payload := backend.updates["create-shipment"].(normalize.ShipmentPayload)
	assert.Equal(t, "PENDING", payload.Status)
	assert.Equal(t, 2400.0, payload.WeightKg)
	assert.Equal(t, "Mombasa Main St", payload.DestinationAddress)
}

func TestAssignVehicle_mergesCurrentRecord(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w-1", "Wanda")

	_, err := s.AssignVehicle(ctx, "10", model.AssignmentInput{VehicleID: "2"})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.count("GetShipment"))

	merged := backend.updates["shipment/10"].(map[string]json.RawMessage)
	assert.JSONEq(t, `"2"`, string(merged["assignedVehicleId"]))
	assert.JSONEq(t, `"Acme"`, string(merged["customer"]))
	assert.NotContains(t, merged, "assignedVehicle")
}

func TestSignProofOfDelivery(t *testing.T) {
	s, backend := newTestService(t)
	driver := userCtx(model.RoleDriver, "d-1", "jdoe")

	res, err := s.SignProofOfDelivery(driver, "10", model.ProofOfDeliveryInput{Signature: "data:image/png;base64,AA", Lat: -1.28, Lng: 36.82})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{normalize.ResourceShipments, normalize.ResourceLeaderboard}, res.Invalidated)
	assert.Equal(t, 1, backend.count("CompleteDelivery"))

	_, err = s.SignProofOfDelivery(userCtx(model.RoleAdmin, "a", "Ada"), "10", model.ProofOfDeliveryInput{Signature: "x"})
	assert.True(t, model.IsCode(err, model.ErrForbidden))
}

func TestUpdateDockStatus(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w-1", "Wanda")

	_, err := s.UpdateDockStatus(ctx, "1", model.DockStatusInput{Status: "occupied", VehicleID: " V-2 "})
	require.NoError(t, err)
	assert.Equal(t, "OCCUPIED|V-2", backend.updates["dock/1"])
}

func TestInspectVehicle(t *testing.T) {
	s, _ := newTestService(t)

	res, err := s.InspectVehicle(userCtx(model.RoleDriver, "d-1", "jdoe"), "1")
	require.NoError(t, err)
	diag := res.Data.(model.DiagnosticsView)
	assert.Equal(t, "VIN1", diag.VIN)
	assert.Equal(t, model.StatusActive, diag.StatusType)
	assert.Empty(t, res.Invalidated)
}

func TestWaybill(t *testing.T) {
	s, _ := newTestService(t)

	res, err := s.Waybill(userCtx(model.RoleWarehouse, "w-1", "Wanda"), "10")
	require.NoError(t, err)
	assert.Equal(t, "WB-10", res.Data.(model.WaybillView).WaybillNumber)

	_, err = s.Waybill(userCtx(model.RoleWarehouse, "w-1", "Wanda"), " ")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestRender_homeInternalKPIs(t *testing.T) {
	s, _ := newTestService(t)

	admin := render(t, s, userCtx(model.RoleAdmin, "a", "Ada"), "home", nil).Data.(HomeData)
	assert.Equal(t, HomeKPIs{ActiveVehicles: 1, InTransit: 1, Pending: 2}, admin.KPIs)
	require.NotNil(t, admin.Internal)
	assert.Equal(t, 1, admin.Internal.Delivered)
	assert.Equal(t, 100.0, admin.Internal.OnTimeRate)
	assert.Equal(t, 33.3, admin.Internal.FleetUtilisation)
	assert.Len(t, admin.RecentShipments, 4)

	warehouse := render(t, s, userCtx(model.RoleWarehouse, "w", "Wanda"), "home", nil).Data.(HomeData)
	assert.Nil(t, warehouse.Internal, "internal KPIs need kpi:internal:view")
}

func TestRender_shipmentsFilter(t *testing.T) {
	s, _ := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w", "Wanda")

	data := render(t, s, ctx, "shipments", url.Values{"status": {"pending"}}).Data.(ShipmentsData)
	assert.Equal(t, "PENDING", data.Filter)
	assert.Len(t, data.Shipments, 2)
	assert.Equal(t, StatusCounts{"IN_TRANSIT": 1, "PENDING": 2, "DELIVERED": 1}, data.Counts)

	all := render(t, s, ctx, "shipments", url.Values{"status": {"all"}}).Data.(ShipmentsData)
	assert.Len(t, all.Shipments, 4)
}

func TestRender_driverSeesOwnWork(t *testing.T) {
	s, _ := newTestService(t)

	resp := render(t, s, userCtx(model.RoleDriver, "d-1", "jdoe"), "driver", nil)
	data := resp.Data.(DriverData)
	require.NotNil(t, data.Standing)
	assert.Equal(t, 2, data.Standing.Rank)
	require.Len(t, data.Shipments, 1)
	assert.Equal(t, "S-10", data.Shipments[0].ID)
	assert.True(t, resp.Actions[model.CapDeliverySignPOD])
}

func TestRender_telematicsSelection(t *testing.T) {
	s, backend := newTestService(t)
	ctx := userCtx(model.RoleAdmin, "a", "Ada")

	none := render(t, s, ctx, "telematics", nil).Data.(TelematicsData)
	assert.Nil(t, none.Diagnostics)
	assert.Zero(t, backend.count("Diagnostics"))

	one := render(t, s, ctx, "telematics", url.Values{"vehicle": {"1"}}).Data.(TelematicsData)
	require.NotNil(t, one.Diagnostics)
	assert.Equal(t, "1", one.Selected)
}

func TestRender_sustainability(t *testing.T) {
	s, _ := newTestService(t)

	data := render(t, s, userCtx(model.RoleAdmin, "a", "Ada"), "sustainability", nil).Data.(SustainabilityData)
	assert.Equal(t, 45.0, data.Metrics.TargetProgress)
	require.Len(t, data.Leaderboard, 2)
	assert.Equal(t, "asmith", data.Leaderboard[0].Driver)
}

func TestRender_warehouseAndMap(t *testing.T) {
	s, _ := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w", "Wanda")

	wh := render(t, s, ctx, "warehouse", nil).Data.(WarehouseData)
	assert.Len(t, wh.Docks, 2)
	assert.Equal(t, StatusCounts{"Available": 1, "Occupied": 1}, wh.Counts)

	m := render(t, s, ctx, "map", nil).Data.(MapData)
	// Three vehicles plus the three undelivered shipments.
	assert.Len(t, m.Markers, 6)
}

func TestRender_settings(t *testing.T) {
	s, backend := newTestService(t)

	data := render(t, s, userCtx(model.RoleDriver, "d-1", "jdoe"), "settings", nil).Data.(SettingsData)
	assert.Equal(t, "driver", data.Role)
	assert.True(t, data.Capabilities[model.CapPageDriver])
	assert.False(t, data.Capabilities[model.CapFleetManage])
	assert.Len(t, data.Capabilities, len(model.AllCapabilities()))
	assert.Empty(t, backend.calls, "settings needs no backend data")
}

func TestRender_mappingFailure(t *testing.T) {
	s, backend := newTestService(t)
	backend.docks = `{"not":"a list"}`

	page, _ := LookupPage("warehouse")
	_, err := s.Render(userCtx(model.RoleWarehouse, "w", "Wanda"), page, nil)
	var merr *model.MappingError
	assert.True(t, errors.As(err, &merr), "err = %v", err)
}

func TestRender_requiresSession(t *testing.T) {
	s, backend := newTestService(t)

	page, _ := LookupPage("fleet")
	_, err := s.Render(context.Background(), page, nil)
	assert.True(t, model.IsCode(err, model.ErrUnauthorized), "err = %v", err)
	assert.Zero(t, backend.count("ListVehicles"))
}

func TestPendingCount(t *testing.T) {
	s, _ := newTestService(t)
	ctx := userCtx(model.RoleWarehouse, "w", "Wanda")

	n, err := s.PendingCount(ctx, normalize.ResourceShipments)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.PendingCount(ctx, normalize.ResourceDocks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServiceCompliance(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		last string
		want string
		st   model.StatusType
	}{
		{"May 01, 2026", ComplianceOK, model.StatusActive},
		{"Dec 20, 2025", ComplianceDue, model.StatusWarning},
		{"Jan 05, 2025", ComplianceOverdue, model.StatusDanger},
		{model.PlaceholderNone, ComplianceUnknown, model.StatusDanger},
	}
	for _, tt := range tests {
		got, st := serviceCompliance(tt.last, now)
		if got != tt.want || st != tt.st {
			t.Errorf("serviceCompliance(%q) = %s/%s, want %s/%s", tt.last, got, st, tt.want, tt.st)
		}
	}
}

func TestPages_registry(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range Pages() {
		if seen[p.Route] {
			t.Errorf("duplicate route %s", p.Route)
		}
		seen[p.Route] = true
		if p.Capability == "" {
			t.Errorf("page %s has no capability", p.Name)
		}
	}
	if _, ok := LookupPage("nope"); ok {
		t.Error("LookupPage(nope) should fail")
	}
}
