// Package normalize reshapes fleet backend records into the view-models the
// dashboard renders, and mutation inputs back into backend payloads.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/model"
)

// Resource names, shared with the query cache and metrics labels.
const (
	ResourceVehicles       = "vehicles"
	ResourceShipments      = "shipments"
	ResourceDocks          = "docks"
	ResourceDiagnostics    = "diagnostics"
	ResourceWaybill        = "waybill"
	ResourceLeaderboard    = "leaderboard"
	ResourceSustainability = "sustainability"
)

// Normalizer maps backend payloads to view-models.
type Normalizer struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a Normalizer. logger and metrics may be nil.
func New(logger *zap.Logger, metrics *observability.Metrics) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger, metrics: metrics, now: time.Now}
}

var (
	vehicleStatusTypes = map[string]model.StatusType{
		"active": model.StatusActive,
		"idle":   model.StatusWarning,
	}
	shipmentStatusTypes = map[string]model.StatusType{
		"IN_TRANSIT": model.StatusActive,
		"PENDING":    model.StatusWarning,
	}
	dockStatusTypes = map[string]model.StatusType{
		"AVAILABLE": model.StatusActive,
		"OCCUPIED":  model.StatusWarning,
		"RESERVED":  model.StatusWarning,
	}
	diagnosticsStatusTypes = map[string]model.StatusType{
		"HEALTHY": model.StatusActive,
		"WARNING": model.StatusWarning,
	}
)

// statusType looks up key in table; anything unlisted is danger.
func statusType(table map[string]model.StatusType, key string) model.StatusType {
	if st, ok := table[key]; ok {
		return st
	}
	return model.StatusDanger
}

// Vehicle normalizes one backend vehicle.
func (n *Normalizer) Vehicle(raw json.RawMessage) (model.VehicleView, error) {
	return n.vehicle(0, raw)
}

// Vehicles normalizes a vehicle collection, skipping malformed records.
func (n *Normalizer) Vehicles(raw json.RawMessage) (model.Collection[model.VehicleView], error) {
	return collect(n, ResourceVehicles, raw, n.vehicle)
}

func (n *Normalizer) vehicle(i int, raw json.RawMessage) (model.VehicleView, error) {
	var rec vehicleRecord
	if err := decodeObject(ResourceVehicles, i, raw, &rec); err != nil {
		return model.VehicleView{}, err
	}
	if rec.ID == nil || *rec.ID == "" {
		return model.VehicleView{}, missingID(ResourceVehicles, i)
	}

	status := strings.ToLower(strings.TrimSpace(string(rec.Status)))
	view := model.VehicleView{
		ID:          orPlaceholder(string(rec.VID), string(*rec.ID)),
		DBID:        string(*rec.ID),
		Plate:       orPlaceholder(string(rec.Plate), model.PlaceholderNone),
		Name:        orPlaceholder(string(rec.Name), model.PlaceholderNone),
		Driver:      orPlaceholder(string(rec.Driver), model.PlaceholderUnassigned),
		Status:      orPlaceholder(status, model.PlaceholderNone),
		StatusType:  statusType(vehicleStatusTypes, status),
		Position:    model.Position{Lat: rec.Latitude.Or(0), Lng: rec.Longitude.Or(0)},
		Speed:       rec.Speed.Or(0),
		Fuel:        rec.Fuel.Or(0),
		Mileage:     rec.Mileage.Or(0),
		LastService: n.formatDate(string(rec.LastService)),
		Temp:        model.PlaceholderNone,
		MaxCapacity: rec.MaxCapacity.Or(0),
	}
	if rec.Temp.Valid {
		view.Temp = strconv.FormatFloat(rec.Temp.Value, 'f', -1, 64) + "°C"
	}
	return view, nil
}

// Shipment normalizes one backend shipment.
func (n *Normalizer) Shipment(raw json.RawMessage) (model.ShipmentView, error) {
	return n.shipment(0, raw)
}

// Shipments normalizes a shipment collection, skipping malformed records.
func (n *Normalizer) Shipments(raw json.RawMessage) (model.Collection[model.ShipmentView], error) {
	return collect(n, ResourceShipments, raw, n.shipment)
}

func (n *Normalizer) shipment(i int, raw json.RawMessage) (model.ShipmentView, error) {
	var rec shipmentRecord
	if err := decodeObject(ResourceShipments, i, raw, &rec); err != nil {
		return model.ShipmentView{}, err
	}
	if rec.ID == nil || *rec.ID == "" {
		return model.ShipmentView{}, missingID(ResourceShipments, i)
	}

	code := strings.ToUpper(strings.TrimSpace(string(rec.Status)))
	driver := ""
	vehicleID := string(rec.AssignedVehicleID)
	if av := rec.AssignedVehicle; av != nil {
		driver = string(av.Driver)
		if vehicleID == "" {
			vehicleID = orPlaceholder(string(av.VID), string(av.ID))
		}
	}

	return model.ShipmentView{
		ID:                 orPlaceholder(string(rec.SID), string(*rec.ID)),
		DBID:               string(*rec.ID),
		Customer:           orPlaceholder(string(rec.Customer), model.PlaceholderNone),
		RecipientName:      orPlaceholder(string(rec.RecipientName), model.PlaceholderNone),
		Origin:             orPlaceholder(string(rec.Origin), model.PlaceholderNone),
		Destination:        orPlaceholder(string(rec.Destination), model.PlaceholderNone),
		DestinationAddress: orPlaceholder(string(rec.DestinationAddress), model.PlaceholderNone),
		Status:             shipmentStatusLabel(code),
		StatusCode:         code,
		StatusType:         statusType(shipmentStatusTypes, code),
		ETA:                n.eta(code, string(rec.EstimatedDeliveryTime)),
		Driver:             orPlaceholder(driver, model.PlaceholderUnassigned),
		VehicleID:          orPlaceholder(vehicleID, model.PlaceholderUnassigned),
		Weight:             weightLabel(rec.WeightKg, string(rec.Weight)),
		Created:            n.formatDate(string(rec.Created)),
		Position:           model.Position{Lat: rec.Latitude.Or(0), Lng: rec.Longitude.Or(0)},
	}, nil
}

// Dock normalizes one backend loading dock.
func (n *Normalizer) Dock(raw json.RawMessage) (model.DockView, error) {
	return n.dock(0, raw)
}

// Docks normalizes a dock collection, skipping malformed records.
func (n *Normalizer) Docks(raw json.RawMessage) (model.Collection[model.DockView], error) {
	return collect(n, ResourceDocks, raw, n.dock)
}

func (n *Normalizer) dock(i int, raw json.RawMessage) (model.DockView, error) {
	var rec dockRecord
	if err := decodeObject(ResourceDocks, i, raw, &rec); err != nil {
		return model.DockView{}, err
	}
	if rec.ID == nil || *rec.ID == "" {
		return model.DockView{}, missingID(ResourceDocks, i)
	}

	code := strings.ToUpper(strings.TrimSpace(string(rec.Status)))
	view := model.DockView{
		DBID:       string(*rec.ID),
		Name:       orPlaceholder(string(rec.DockNumber), model.PlaceholderNone),
		Type:       orPlaceholder(string(rec.DockType), model.PlaceholderNone),
		Status:     orPlaceholder(capitalize(code), model.PlaceholderNone),
		StatusType: statusType(dockStatusTypes, code),
		Vehicle:    orPlaceholder(string(rec.AssignedVID), model.PlaceholderNone),
		Activity:   orPlaceholder(string(rec.CurrentActivity), model.PlaceholderNone),
		Turnaround: model.PlaceholderNone,
	}
	if rec.EstimatedTurnaroundTime.Valid {
		view.Turnaround = strconv.FormatFloat(rec.EstimatedTurnaroundTime.Value, 'f', -1, 64) + "m"
	}
	return view, nil
}

// Diagnostics normalizes a vehicle diagnostic snapshot.
func (n *Normalizer) Diagnostics(raw json.RawMessage) (model.DiagnosticsView, error) {
	var rec diagnosticsRecord
	if err := decodeObject(ResourceDiagnostics, 0, raw, &rec); err != nil {
		return model.DiagnosticsView{}, err
	}
	code := strings.ToUpper(strings.TrimSpace(string(rec.Status)))
	faults := []string(rec.FaultCodes)
	if faults == nil {
		faults = []string{}
	}
	return model.DiagnosticsView{
		VIN:            orPlaceholder(string(rec.VIN), model.PlaceholderNone),
		EngineTemp:     rec.EngineTemp.Or(0),
		OilPressure:    rec.OilPressure.Or(0),
		BatteryVoltage: rec.BatteryVoltage.Or(0),
		FuelLevel:      rec.FuelLevel.Or(0),
		FaultCodes:     faults,
		Status:         orPlaceholder(capitalize(code), model.PlaceholderNone),
		StatusType:     statusType(diagnosticsStatusTypes, code),
	}, nil
}

// Waybill normalizes a waybill document. The waybill number is required.
func (n *Normalizer) Waybill(raw json.RawMessage) (model.WaybillView, error) {
	var rec waybillRecord
	if err := decodeObject(ResourceWaybill, 0, raw, &rec); err != nil {
		return model.WaybillView{}, err
	}
	if strings.TrimSpace(string(rec.WaybillNumber)) == "" {
		return model.WaybillView{}, &model.MappingError{Resource: ResourceWaybill, Reason: "missing waybillNumber"}
	}
	return model.WaybillView{
		WaybillNumber:      string(rec.WaybillNumber),
		ShipmentNumber:     orPlaceholder(string(rec.ShipmentNumber), model.PlaceholderNone),
		SenderName:         orPlaceholder(string(rec.SenderName), model.PlaceholderNone),
		RecipientName:      orPlaceholder(string(rec.RecipientName), model.PlaceholderNone),
		OriginAddress:      orPlaceholder(string(rec.OriginAddress), model.PlaceholderNone),
		DestinationAddress: orPlaceholder(string(rec.DestinationAddress), model.PlaceholderNone),
		CargoDescription:   orPlaceholder(string(rec.CargoDescription), model.PlaceholderNone),
		Weight:             rec.Weight.Or(0),
		Dimensions:         orPlaceholder(string(rec.Dimensions), model.PlaceholderNone),
		IssuedAt:           n.formatDate(string(rec.IssuedAt)),
		BarcodeData:        string(rec.BarcodeData),
	}, nil
}

// Leaderboard normalizes the driver leaderboard. Rows without a rank take
// their position in the list.
func (n *Normalizer) Leaderboard(raw json.RawMessage) (model.Collection[model.LeaderboardEntry], error) {
	return collect(n, ResourceLeaderboard, raw, func(i int, raw json.RawMessage) (model.LeaderboardEntry, error) {
		var rec driverScoreRecord
		if err := decodeObject(ResourceLeaderboard, i, raw, &rec); err != nil {
			return model.LeaderboardEntry{}, err
		}
		return model.LeaderboardEntry{
			Rank:           int(rec.Rank.Or(float64(i + 1))),
			Driver:         orPlaceholder(string(rec.Driver), model.PlaceholderUnassigned),
			SafetyScore:    int(math.Round(rec.SafetyScore.Or(0))),
			EcoScore:       int(math.Round(rec.EcoScore.Or(0))),
			TotalFuelSaved: rec.TotalFuelSaved.Or(0),
		}, nil
	})
}

// Sustainability normalizes fleet sustainability metrics. TargetProgress is
// the saved CO2 as a percentage of the reduction target, capped at 100.
func (n *Normalizer) Sustainability(raw json.RawMessage) (model.SustainabilityView, error) {
	var rec sustainabilityRecord
	if err := decodeObject(ResourceSustainability, 0, raw, &rec); err != nil {
		return model.SustainabilityView{}, err
	}
	view := model.SustainabilityView{
		TotalCO2Saved:          rec.TotalCO2Saved.Or(0),
		AvgFleetEfficiency:     rec.AvgFleetEfficiency.Or(0),
		GreenRoutesPercentage:  rec.GreenRoutesPercentage.Or(0),
		ActiveElectricVehicles: int(rec.ActiveElectricVehicles.Or(0)),
		CO2ReductionTarget:     rec.CO2ReductionTarget.Or(0),
		NextMilestone:          orPlaceholder(string(rec.NextMilestone), model.PlaceholderNone),
	}
	if view.CO2ReductionTarget > 0 {
		progress := view.TotalCO2Saved / view.CO2ReductionTarget * 100
		view.TargetProgress = math.Min(100, math.Round(progress*10)/10)
	}
	return view, nil
}

// collect decodes a JSON array record by record. Records that fail to map are
// skipped, logged and counted; a payload that is not an array fails as a
// whole.
func collect[T any](n *Normalizer, resource string, raw json.RawMessage, one func(int, json.RawMessage) (T, error)) (model.Collection[T], error) {
	var records []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return model.Collection[T]{Items: []T{}}, nil
	}
	if trimmed[0] != '[' {
		return model.Collection[T]{}, &model.MappingError{Resource: resource, Index: -1, Reason: "payload is not an array"}
	}
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return model.Collection[T]{}, &model.MappingError{Resource: resource, Index: -1, Reason: "payload is not an array", Err: err}
	}

	out := model.Collection[T]{Items: make([]T, 0, len(records))}
	for i, rec := range records {
		item, err := one(i, rec)
		if err != nil {
			n.logger.Warn("skipping malformed backend record",
				zap.String("resource", resource),
				zap.Int("index", i),
				zap.Error(err),
			)
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, item)
	}
	if out.Skipped > 0 {
		n.metrics.RecordNormalizeSkipped(resource, out.Skipped)
	}
	n.logger.Debug("normalized collection",
		zap.String("resource", resource),
		zap.Int("items", len(out.Items)),
		zap.Int("skipped", out.Skipped),
	)
	return out, nil
}

// decodeObject unmarshals raw into dst, failing with a MappingError unless
// raw is a JSON object of the expected shape.
func decodeObject(resource string, i int, raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &model.MappingError{Resource: resource, Index: i, Reason: "record is not an object"}
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return &model.MappingError{Resource: resource, Index: i, Reason: "unexpected field type", Err: err}
	}
	return nil
}

func missingID(resource string, i int) error {
	return &model.MappingError{Resource: resource, Index: i, Reason: "missing id"}
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

// capitalize turns "AVAILABLE" into "Available".
func capitalize(code string) string {
	if code == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(code)
	return string(first) + strings.ToLower(code[size:])
}

// shipmentStatusLabel turns "IN_TRANSIT" into "In transit".
func shipmentStatusLabel(code string) string {
	if code == "" {
		return model.PlaceholderNone
	}
	return strings.ReplaceAll(capitalize(code), "_", " ")
}

// weightLabel prefers the numeric weightKg, then the free-text weight.
func weightLabel(kg FlexFloat, text string) string {
	if kg.Valid {
		return strconv.FormatFloat(kg.Value, 'f', -1, 64) + " kg"
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.PlaceholderNone
	}
	if strings.HasSuffix(strings.ToLower(text), "kg") {
		return text
	}
	return text + " kg"
}

// eta renders the time left until delivery as "4h 30m". A past estimate is
// rendered as the overdue amount with a leading "+".
func (n *Normalizer) eta(code, estimate string) string {
	if code == "DELIVERED" {
		return model.PlaceholderCompleted
	}
	at, ok := parseTime(estimate)
	if !ok {
		return model.PlaceholderNone
	}
	d := at.Sub(n.now())
	if d < 0 {
		return "+" + formatDuration(-d)
	}
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func (n *Normalizer) formatDate(s string) string {
	at, ok := parseTime(s)
	if !ok {
		return model.PlaceholderNone
	}
	return at.Format("Jan 02, 2006")
}

// Backend timestamps are either zoned or zone-less local date-times, which
// are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
