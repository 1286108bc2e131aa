package model

// StatusType is the UI status tag derived from a backend status enum. It is
// always one of the three constants below.
type StatusType string

const (
	StatusActive  StatusType = "active"
	StatusWarning StatusType = "warning"
	StatusDanger  StatusType = "danger"
)

// Placeholders rendered for missing backend fields.
const (
	PlaceholderUnassigned = "Unassigned"
	PlaceholderNone       = "—"
	PlaceholderCompleted  = "Completed"
)

// Position is a map coordinate.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VehicleView is the fleet page projection of a backend vehicle.
type VehicleView struct {
	ID          string     `json:"id"`
	DBID        string     `json:"db_id"`
	Plate       string     `json:"plate"`
	Name        string     `json:"name"`
	Driver      string     `json:"driver"`
	Status      string     `json:"status"`
	StatusType  StatusType `json:"status_type"`
	Position    Position   `json:"position"`
	Speed       float64    `json:"speed"`
	Fuel        float64    `json:"fuel"`
	Mileage     float64    `json:"mileage"`
	LastService string     `json:"last_service"`
	Temp        string     `json:"temp"`
	MaxCapacity float64    `json:"max_capacity"`
}

// ShipmentView is the shipments page projection of a backend shipment.
type ShipmentView struct {
	ID                 string     `json:"id"`
	DBID               string     `json:"db_id"`
	Customer           string     `json:"customer"`
	RecipientName      string     `json:"recipient_name"`
	Origin             string     `json:"origin"`
	Destination        string     `json:"destination"`
	DestinationAddress string     `json:"destination_address"`
	Status             string     `json:"status"`
	StatusCode         string     `json:"status_code"`
	StatusType         StatusType `json:"status_type"`
	ETA                string     `json:"eta"`
	Driver             string     `json:"driver"`
	VehicleID          string     `json:"vehicle_id"`
	Weight             string     `json:"weight"`
	Created            string     `json:"created"`
	Position           Position   `json:"position"`
}

// DockView is the warehouse page projection of a backend loading dock.
type DockView struct {
	DBID       string     `json:"db_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	StatusType StatusType `json:"status_type"`
	Vehicle    string     `json:"vehicle"`
	Activity   string     `json:"activity"`
	Turnaround string     `json:"turnaround"`
}

// DiagnosticsView is the telematics / inspection projection of a vehicle
// diagnostic snapshot.
type DiagnosticsView struct {
	VIN            string     `json:"vin"`
	EngineTemp     float64    `json:"engine_temp"`
	OilPressure    float64    `json:"oil_pressure"`
	BatteryVoltage float64    `json:"battery_voltage"`
	FuelLevel      float64    `json:"fuel_level"`
	FaultCodes     []string   `json:"fault_codes"`
	Status         string     `json:"status"`
	StatusType     StatusType `json:"status_type"`
}

// WaybillView is a printable waybill document.
type WaybillView struct {
	WaybillNumber      string  `json:"waybill_number"`
	ShipmentNumber     string  `json:"shipment_number"`
	SenderName         string  `json:"sender_name"`
	RecipientName      string  `json:"recipient_name"`
	OriginAddress      string  `json:"origin_address"`
	DestinationAddress string  `json:"destination_address"`
	CargoDescription   string  `json:"cargo_description"`
	Weight             float64 `json:"weight"`
	Dimensions         string  `json:"dimensions"`
	IssuedAt           string  `json:"issued_at"`
	BarcodeData        string  `json:"barcode_data"`
}

// LeaderboardEntry is one row of the eco-driving leaderboard.
type LeaderboardEntry struct {
	Rank           int     `json:"rank"`
	Driver         string  `json:"driver"`
	SafetyScore    int     `json:"safety_score"`
	EcoScore       int     `json:"eco_score"`
	TotalFuelSaved float64 `json:"total_fuel_saved"`
}

// SustainabilityView carries fleet-wide sustainability metrics.
type SustainabilityView struct {
	TotalCO2Saved          float64 `json:"total_co2_saved"`
	AvgFleetEfficiency     float64 `json:"avg_fleet_efficiency"`
	GreenRoutesPercentage  float64 `json:"green_routes_percentage"`
	ActiveElectricVehicles int     `json:"active_electric_vehicles"`
	CO2ReductionTarget     float64 `json:"co2_reduction_target"`
	TargetProgress         float64 `json:"target_progress"`
	NextMilestone          string  `json:"next_milestone"`
}

// VehicleInput is the fleet form payload for create and update.
type VehicleInput struct {
	VID         string   `json:"id" validate:"required,max=32"`
	Plate       string   `json:"plate" validate:"required,max=32"`
	Name        string   `json:"name" validate:"required,max=128"`
	Driver      string   `json:"driver,omitempty" validate:"max=128"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=active idle maintenance ACTIVE IDLE MAINTENANCE"`
	Latitude    *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	MaxCapacity float64  `json:"max_capacity,omitempty" validate:"gte=0"`
	LastService string   `json:"last_service,omitempty"`
}

// ShipmentInput is the shipment form payload for create and update.
type ShipmentInput struct {
	SID                string `json:"id" validate:"required,max=32"`
	Customer           string `json:"customer" validate:"required,max=128"`
	RecipientName      string `json:"recipient_name,omitempty" validate:"max=128"`
	Origin             string `json:"origin" validate:"required,max=128"`
	Destination        string `json:"destination" validate:"required,max=128"`
	DestinationAddress string `json:"destination_address,omitempty" validate:"max=256"`
	Weight             string `json:"weight,omitempty" validate:"max=32"`
	Status             string `json:"status,omitempty" validate:"max=32"`
}

// AssignmentInput assigns a vehicle to a shipment.
type AssignmentInput struct {
	VehicleID string `json:"vehicle_id" validate:"required"`
}

// DockStatusInput changes a dock's status and optionally its vehicle.
type DockStatusInput struct {
	Status    string `json:"status" validate:"required,oneof=available occupied maintenance reserved AVAILABLE OCCUPIED MAINTENANCE RESERVED"`
	VehicleID string `json:"vehicle_id,omitempty" validate:"max=32"`
}

// ProofOfDeliveryInput is the driver's e-POD submission.
type ProofOfDeliveryInput struct {
	Signature string  `json:"signature" validate:"required"`
	Lat       float64 `json:"lat" validate:"latitude"`
	Lng       float64 `json:"lng" validate:"longitude"`
}

// Collection wraps a normalised list with the number of records that could
// not be mapped and were left out.
type Collection[T any] struct {
	Items   []T `json:"items"`
	Skipped int `json:"skipped"`
}
