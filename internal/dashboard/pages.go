package dashboard

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/model"
)

// Page is a dashboard page: its browser route, the capability that guards
// it and the action flags its payload carries.
type Page struct {
	Name       string
	Route      string
	Capability string
	Actions    []string
}

var pages = []Page{
	{Name: "home", Route: "/", Capability: model.CapPageShipments,
		Actions: []string{model.CapShipmentCreate, model.CapInternalKPIsView}},
	{Name: "fleet", Route: "/fleet", Capability: model.CapPageFleet,
		Actions: []string{model.CapFleetManage, model.CapVehicleInspect}},
	{Name: "shipments", Route: "/shipments", Capability: model.CapPageShipments,
		Actions: []string{model.CapShipmentCreate, model.CapShipmentEdit, model.CapShipmentDelete, model.CapVehicleAssign}},
	{Name: "warehouse", Route: "/warehouse", Capability: model.CapPageWarehouse,
		Actions: []string{model.CapVehicleAssign}},
	{Name: "map", Route: "/map", Capability: model.CapPageMap},
	{Name: "analytics", Route: "/analytics", Capability: model.CapPageAnalytics,
		Actions: []string{model.CapInternalKPIsView}},
	{Name: "telematics", Route: "/telematics", Capability: model.CapPageTelematics,
		Actions: []string{model.CapVehicleInspect}},
	{Name: "sustainability", Route: "/sustainability", Capability: model.CapPageSustainability},
	{Name: "compliance", Route: "/compliance", Capability: model.CapPageCompliance,
		Actions: []string{model.CapFleetManage, model.CapVehicleInspect}},
	{Name: "driver", Route: "/driver", Capability: model.CapPageDriver,
		Actions: []string{model.CapDeliverySignPOD, model.CapVehicleInspect}},
	{Name: "settings", Route: "/settings", Capability: model.CapPageSettings},
}

// Pages returns the page registry in sidebar order.
func Pages() []Page {
	out := make([]Page, len(pages))
	copy(out, pages)
	return out
}

// LookupPage returns the page called name.
func LookupPage(name string) (Page, bool) {
	for _, p := range pages {
		if p.Name == name {
			return p, true
		}
	}
	return Page{}, false
}

// PageResponse is the payload of GET /ui/pages/{page}.
type PageResponse struct {
	Page    string          `json:"page"`
	Actions map[string]bool `json:"actions"`
	Data    any             `json:"data"`
	Meta    PageMeta        `json:"meta"`
}

// PageMeta reports how complete the data is.
type PageMeta struct {
	// Skipped counts backend records left out because they could not be
	// mapped.
	Skipped int `json:"skipped"`
}

// StatusCounts counts records per display status.
type StatusCounts map[string]int

// Render composes the payload of page for the caller in ctx. The caller must
// already have passed the page's guard.
func (s *Service) Render(ctx context.Context, page Page, params url.Values) (*PageResponse, error) {
	caps := model.CapabilitiesFrom(ctx)
	ctx, span := observability.StartSpan(ctx, "dashboard.render", observability.AttrPage.String(page.Name))

	var (
		data    any
		skipped int
		err     error
	)
	switch page.Name {
	case "home":
		data, skipped, err = s.home(ctx, caps)
	case "fleet":
		data, skipped, err = s.fleet(ctx)
	case "shipments":
		data, skipped, err = s.shipmentsPage(ctx, params.Get("status"))
	case "warehouse":
		data, skipped, err = s.warehouse(ctx)
	case "map":
		data, skipped, err = s.livemap(ctx)
	case "analytics":
		data, skipped, err = s.analytics(ctx)
	case "telematics":
		data, skipped, err = s.telematics(ctx, params.Get("vehicle"))
	case "sustainability":
		data, skipped, err = s.sustainabilityPage(ctx)
	case "compliance":
		data, skipped, err = s.compliance(ctx)
	case "driver":
		data, skipped, err = s.driver(ctx)
	case "settings":
		data, err = s.settings(ctx, caps)
	default:
		err = model.NewNotFoundError("Unknown page " + page.Name)
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}

	return &PageResponse{
		Page:    page.Name,
		Actions: caps.Flags(page.Actions...),
		Data:    data,
		Meta:    PageMeta{Skipped: skipped},
	}, nil
}

// --- home ---

// HomeData is the overview page.
type HomeData struct {
	KPIs            HomeKPIs             `json:"kpis"`
	Internal        *InternalKPIs        `json:"internal,omitempty"`
	VehicleStatus   StatusCounts         `json:"vehicle_status"`
	RecentShipments []model.ShipmentView `json:"recent_shipments"`
}

// HomeKPIs are the headline counters.
type HomeKPIs struct {
	ActiveVehicles int `json:"active_vehicles"`
	InTransit      int `json:"in_transit"`
	Pending        int `json:"pending"`
	Delayed        int `json:"delayed"`
}

// InternalKPIs are shown only with the internal KPI capability.
type InternalKPIs struct {
	Delivered        int     `json:"delivered"`
	OnTimeRate       float64 `json:"on_time_rate"`
	FleetUtilisation float64 `json:"fleet_utilisation"`
}

const recentShipments = 5

func (s *Service) home(ctx context.Context, caps model.CapabilitySet) (HomeData, int, error) {
	var (
		vehicles  model.Collection[model.VehicleView]
		shipments model.Collection[model.ShipmentView]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { vehicles, err = s.vehicles(gctx); return err })
	g.Go(func() (err error) { shipments, err = s.shipments(gctx); return err })
	if err := g.Wait(); err != nil {
		return HomeData{}, 0, err
	}

	data := HomeData{VehicleStatus: countVehicles(vehicles.Items)}
	delivered := 0
	for _, v := range vehicles.Items {
		if v.StatusType == model.StatusActive {
			data.KPIs.ActiveVehicles++
		}
	}
	for _, sh := range shipments.Items {
		switch {
		case sh.StatusCode == "IN_TRANSIT":
			data.KPIs.InTransit++
		case sh.StatusCode == "PENDING":
			data.KPIs.Pending++
		case sh.StatusCode == "DELIVERED":
			delivered++
		}
		if isDelayed(sh) {
			data.KPIs.Delayed++
		}
	}

	if caps.Has(model.CapInternalKPIsView) {
		data.Internal = &InternalKPIs{
			Delivered:        delivered,
			OnTimeRate:       percent(delivered, delivered+data.KPIs.Delayed),
			FleetUtilisation: percent(data.KPIs.ActiveVehicles, len(vehicles.Items)),
		}
	}

	n := min(recentShipments, len(shipments.Items))
	data.RecentShipments = append([]model.ShipmentView{}, shipments.Items[:n]...)
	return data, vehicles.Skipped + shipments.Skipped, nil
}

// isDelayed reports a shipment flagged DELAYED or past its estimate.
func isDelayed(sh model.ShipmentView) bool {
	return sh.StatusCode == "DELAYED" || strings.HasPrefix(sh.ETA, "+")
}

// --- fleet ---

// FleetData is the fleet page.
type FleetData struct {
	Vehicles []model.VehicleView `json:"vehicles"`
	Counts   StatusCounts        `json:"counts"`
}

func (s *Service) fleet(ctx context.Context) (FleetData, int, error) {
	vehicles, err := s.vehicles(ctx)
	if err != nil {
		return FleetData{}, 0, err
	}
	return FleetData{Vehicles: vehicles.Items, Counts: countVehicles(vehicles.Items)}, vehicles.Skipped, nil
}

// countVehicles counts active, idle and maintenance vehicles. Any other
// status counts as maintenance.
func countVehicles(vehicles []model.VehicleView) StatusCounts {
	counts := StatusCounts{"active": 0, "idle": 0, "maintenance": 0}
	for _, v := range vehicles {
		switch v.Status {
		case "active", "idle":
			counts[v.Status]++
		default:
			counts["maintenance"]++
		}
	}
	return counts
}

// --- shipments ---

// ShipmentsData is the shipments page.
type ShipmentsData struct {
	Shipments []model.ShipmentView `json:"shipments"`
	Filter    string               `json:"filter"`
	Counts    StatusCounts         `json:"counts"`
}

func (s *Service) shipmentsPage(ctx context.Context, filter string) (ShipmentsData, int, error) {
	shipments, err := s.shipments(ctx)
	if err != nil {
		return ShipmentsData{}, 0, err
	}
	filter = strings.ToUpper(strings.TrimSpace(filter))
	if filter == "ALL" {
		filter = ""
	}

	data := ShipmentsData{Shipments: []model.ShipmentView{}, Filter: filter, Counts: StatusCounts{}}
	for _, sh := range shipments.Items {
		data.Counts[sh.StatusCode]++
		if filter == "" || sh.StatusCode == filter {
			data.Shipments = append(data.Shipments, sh)
		}
	}
	return data, shipments.Skipped, nil
}

// --- warehouse ---

// WarehouseData is the warehouse page.
type WarehouseData struct {
	Docks  []model.DockView `json:"docks"`
	Counts StatusCounts     `json:"counts"`
}

func (s *Service) warehouse(ctx context.Context) (WarehouseData, int, error) {
	docks, err := s.docks(ctx)
	if err != nil {
		return WarehouseData{}, 0, err
	}
	counts := StatusCounts{}
	for _, d := range docks.Items {
		counts[d.Status]++
	}
	return WarehouseData{Docks: docks.Items, Counts: counts}, docks.Skipped, nil
}

// --- map ---

// MapMarker is a point on the live map.
type MapMarker struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Kind       string           `json:"kind"`
	StatusType model.StatusType `json:"status_type"`
	Position   model.Position   `json:"position"`
}

// MapData is the live map page.
type MapData struct {
	Markers []MapMarker `json:"markers"`
}

func (s *Service) livemap(ctx context.Context) (MapData, int, error) {
	var (
		vehicles  model.Collection[model.VehicleView]
		shipments model.Collection[model.ShipmentView]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { vehicles, err = s.vehicles(gctx); return err })
	g.Go(func() (err error) { shipments, err = s.shipments(gctx); return err })
	if err := g.Wait(); err != nil {
		return MapData{}, 0, err
	}

	data := MapData{Markers: make([]MapMarker, 0, len(vehicles.Items)+len(shipments.Items))}
	for _, v := range vehicles.Items {
		data.Markers = append(data.Markers, MapMarker{
			ID: v.ID, Label: v.Name, Kind: "vehicle", StatusType: v.StatusType, Position: v.Position,
		})
	}
	for _, sh := range shipments.Items {
		if sh.StatusCode == "DELIVERED" {
			continue
		}
		data.Markers = append(data.Markers, MapMarker{
			ID: sh.ID, Label: sh.Destination, Kind: "shipment", StatusType: sh.StatusType, Position: sh.Position,
		})
	}
	return data, vehicles.Skipped + shipments.Skipped, nil
}

// --- analytics ---

// AnalyticsData is the analytics page.
type AnalyticsData struct {
	ShipmentsByStatus StatusCounts `json:"shipments_by_status"`
	FleetUtilisation  float64      `json:"fleet_utilisation"`
	TotalShipments    int          `json:"total_shipments"`
	TotalVehicles     int          `json:"total_vehicles"`
}

func (s *Service) analytics(ctx context.Context) (AnalyticsData, int, error) {
	var (
		vehicles  model.Collection[model.VehicleView]
		shipments model.Collection[model.ShipmentView]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { vehicles, err = s.vehicles(gctx); return err })
	g.Go(func() (err error) { shipments, err = s.shipments(gctx); return err })
	if err := g.Wait(); err != nil {
		return AnalyticsData{}, 0, err
	}

	data := AnalyticsData{
		ShipmentsByStatus: StatusCounts{},
		TotalShipments:    len(shipments.Items),
		TotalVehicles:     len(vehicles.Items),
	}
	for _, sh := range shipments.Items {
		data.ShipmentsByStatus[sh.Status]++
	}
	active := 0
	for _, v := range vehicles.Items {
		if v.StatusType == model.StatusActive {
			active++
		}
	}
	data.FleetUtilisation = percent(active, len(vehicles.Items))
	return data, vehicles.Skipped + shipments.Skipped, nil
}

// --- telematics ---

// TelematicsData is the telematics page. Diagnostics is set when a vehicle
// is selected.
type TelematicsData struct {
	Vehicles    []model.VehicleView    `json:"vehicles"`
	Selected    string                 `json:"selected,omitempty"`
	Diagnostics *model.DiagnosticsView `json:"diagnostics,omitempty"`
}

func (s *Service) telematics(ctx context.Context, vehicleID string) (TelematicsData, int, error) {
	var (
		vehicles model.Collection[model.VehicleView]
		diag     model.DiagnosticsView
	)
	vehicleID = strings.TrimSpace(vehicleID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { vehicles, err = s.vehicles(gctx); return err })
	if vehicleID != "" {
		g.Go(func() (err error) { diag, err = s.diagnostics(gctx, vehicleID); return err })
	}
	if err := g.Wait(); err != nil {
		return TelematicsData{}, 0, err
	}

	data := TelematicsData{Vehicles: vehicles.Items, Selected: vehicleID}
	if vehicleID != "" {
		data.Diagnostics = &diag
	}
	return data, vehicles.Skipped, nil
}

// --- sustainability ---

// SustainabilityData is the sustainability page.
type SustainabilityData struct {
	Metrics     model.SustainabilityView `json:"metrics"`
	Leaderboard []model.LeaderboardEntry `json:"leaderboard"`
}

func (s *Service) sustainabilityPage(ctx context.Context) (SustainabilityData, int, error) {
	var (
		metrics model.SustainabilityView
		board   model.Collection[model.LeaderboardEntry]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { metrics, err = s.sustainability(gctx); return err })
	g.Go(func() (err error) { board, err = s.leaderboard(gctx); return err })
	if err := g.Wait(); err != nil {
		return SustainabilityData{}, 0, err
	}

	entries := append([]model.LeaderboardEntry{}, board.Items...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	return SustainabilityData{Metrics: metrics, Leaderboard: entries}, board.Skipped, nil
}

// --- compliance ---

// Compliance statuses by time since the last service.
const (
	ComplianceOK      = "compliant"
	ComplianceDue     = "due"
	ComplianceOverdue = "overdue"
	ComplianceUnknown = "unknown"

	serviceDueAfter     = 150 * 24 * time.Hour
	serviceOverdueAfter = 180 * 24 * time.Hour
)

// ComplianceRow is one vehicle on the compliance page.
type ComplianceRow struct {
	VehicleID   string           `json:"vehicle_id"`
	DBID        string           `json:"db_id"`
	Name        string           `json:"name"`
	Plate       string           `json:"plate"`
	LastService string           `json:"last_service"`
	Status      string           `json:"status"`
	StatusType  model.StatusType `json:"status_type"`
}

// ComplianceData is the compliance page.
type ComplianceData struct {
	Vehicles []ComplianceRow `json:"vehicles"`
	Counts   StatusCounts    `json:"counts"`
}

func (s *Service) compliance(ctx context.Context) (ComplianceData, int, error) {
	vehicles, err := s.vehicles(ctx)
	if err != nil {
		return ComplianceData{}, 0, err
	}

	now := time.Now()
	data := ComplianceData{Vehicles: make([]ComplianceRow, 0, len(vehicles.Items)), Counts: StatusCounts{}}
	for _, v := range vehicles.Items {
		status, st := serviceCompliance(v.LastService, now)
		data.Counts[status]++
		data.Vehicles = append(data.Vehicles, ComplianceRow{
			VehicleID:   v.ID,
			DBID:        v.DBID,
			Name:        v.Name,
			Plate:       v.Plate,
			LastService: v.LastService,
			Status:      status,
			StatusType:  st,
		})
	}
	return data, vehicles.Skipped, nil
}

// serviceCompliance classifies a formatted last-service date.
func serviceCompliance(lastService string, now time.Time) (string, model.StatusType) {
	at, err := time.Parse("Jan 02, 2006", lastService)
	if err != nil {
		return ComplianceUnknown, model.StatusDanger
	}
	switch age := now.Sub(at); {
	case age >= serviceOverdueAfter:
		return ComplianceOverdue, model.StatusDanger
	case age >= serviceDueAfter:
		return ComplianceDue, model.StatusWarning
	default:
		return ComplianceOK, model.StatusActive
	}
}

// --- driver ---

// DriverData is the driver portal.
type DriverData struct {
	Driver    string                  `json:"driver"`
	Standing  *model.LeaderboardEntry `json:"standing,omitempty"`
	Shipments []model.ShipmentView    `json:"shipments"`
}

func (s *Service) driver(ctx context.Context) (DriverData, int, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return DriverData{}, 0, model.NewUnauthorizedError("No active session")
	}

	var (
		board     model.Collection[model.LeaderboardEntry]
		shipments model.Collection[model.ShipmentView]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { board, err = s.leaderboard(gctx); return err })
	g.Go(func() (err error) { shipments, err = s.shipments(gctx); return err })
	if err := g.Wait(); err != nil {
		return DriverData{}, 0, err
	}

	data := DriverData{Driver: rctx.DisplayName, Shipments: []model.ShipmentView{}}
	for i := range board.Items {
		if strings.EqualFold(board.Items[i].Driver, rctx.DisplayName) {
			entry := board.Items[i]
			data.Standing = &entry
			break
		}
	}
	for _, sh := range shipments.Items {
		if strings.EqualFold(sh.Driver, rctx.DisplayName) && sh.StatusCode != "DELIVERED" {
			data.Shipments = append(data.Shipments, sh)
		}
	}
	return data, board.Skipped + shipments.Skipped, nil
}

// --- settings ---

// SettingsData is the settings page.
type SettingsData struct {
	DisplayName  string          `json:"display_name"`
	Email        string          `json:"email,omitempty"`
	Role         string          `json:"role"`
	Capabilities map[string]bool `json:"capabilities"`
}

func (s *Service) settings(ctx context.Context, caps model.CapabilitySet) (SettingsData, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return SettingsData{}, model.NewUnauthorizedError("No active session")
	}
	return SettingsData{
		DisplayName:  rctx.DisplayName,
		Email:        rctx.Email,
		Role:         rctx.Role.String(),
		Capabilities: caps.Flags(model.AllCapabilities()...),
	}, nil
}

// percent returns part/whole as a percentage with one decimal, or 0.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}
