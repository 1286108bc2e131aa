package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pitabwire/nexusbff/model"
)

// Defaults applied to new records the forms leave blank.
const (
	DefaultVehicleStatus     = "ACTIVE"
	DefaultLatitude          = 37.7749
	DefaultLongitude         = -122.4194
	DefaultMaxCapacity       = 25000
	DefaultRecipientName     = "Receiver"
	DefaultShipmentStatus    = "PENDING"
	destinationAddressSuffix = " Main St"
)

// VehiclePayload is the backend vehicle body.
type VehiclePayload struct {
	VID         string   `json:"vId"`
	Plate       string   `json:"plate"`
	Name        string   `json:"name"`
	Driver      *string  `json:"driver"`
	Status      string   `json:"status"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
	MaxCapacity float64  `json:"maxCapacity,omitempty"`
	LastService string   `json:"lastService,omitempty"`
}

// ShipmentPayload is the backend shipment body.
type ShipmentPayload struct {
	SID                string  `json:"sId"`
	Customer           string  `json:"customer"`
	RecipientName      string  `json:"recipientName"`
	Origin             string  `json:"origin"`
	Destination        string  `json:"destination"`
	DestinationAddress string  `json:"destinationAddress"`
	Weight             string  `json:"weight,omitempty"`
	WeightKg           float64 `json:"weightKg"`
	Status             string  `json:"status,omitempty"`
}

// NewVehiclePayload builds the body for creating a vehicle. New vehicles are
// parked at the depot until telematics reports a position.
func NewVehiclePayload(in model.VehicleInput) VehiclePayload {
	p := vehiclePayload(in)
	if p.Status == "" {
		p.Status = DefaultVehicleStatus
	}
	if p.Latitude == nil {
		p.Latitude = ptr(DefaultLatitude)
	}
	if p.Longitude == nil {
		p.Longitude = ptr(DefaultLongitude)
	}
	p.Speed = ptr(0.0)
	if p.MaxCapacity == 0 {
		p.MaxCapacity = DefaultMaxCapacity
	}
	return p
}

// UpdateVehiclePayload builds the body for replacing a vehicle. Omitted
// coordinates are left to the backend.
func UpdateVehiclePayload(in model.VehicleInput) VehiclePayload {
	p := vehiclePayload(in)
	if p.Status == "" {
		p.Status = DefaultVehicleStatus
	}
	return p
}

func vehiclePayload(in model.VehicleInput) VehiclePayload {
	p := VehiclePayload{
		VID:         strings.TrimSpace(in.VID),
		Plate:       strings.TrimSpace(in.Plate),
		Name:        strings.TrimSpace(in.Name),
		Status:      strings.ToUpper(strings.TrimSpace(in.Status)),
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		MaxCapacity: in.MaxCapacity,
		LastService: in.LastService,
	}
	if d := strings.TrimSpace(in.Driver); d != "" {
		p.Driver = &d
	}
	return p
}

// NewShipmentPayload builds the body for creating a shipment. New shipments
// always start PENDING.
func NewShipmentPayload(in model.ShipmentInput) ShipmentPayload {
	p := shipmentPayload(in)
	p.Status = DefaultShipmentStatus
	return p
}

// UpdateShipmentPayload builds the body for replacing a shipment.
func UpdateShipmentPayload(in model.ShipmentInput) ShipmentPayload {
	p := shipmentPayload(in)
	p.Status = strings.ToUpper(strings.TrimSpace(in.Status))
	if p.Status == "" {
		p.Status = DefaultShipmentStatus
	}
	return p
}

func shipmentPayload(in model.ShipmentInput) ShipmentPayload {
	p := ShipmentPayload{
		SID:                strings.TrimSpace(in.SID),
		Customer:           strings.TrimSpace(in.Customer),
		RecipientName:      strings.TrimSpace(in.RecipientName),
		Origin:             strings.TrimSpace(in.Origin),
		Destination:        strings.TrimSpace(in.Destination),
		DestinationAddress: strings.TrimSpace(in.DestinationAddress),
		Weight:             strings.TrimSpace(in.Weight),
		WeightKg:           parseWeight(in.Weight),
	}
	if p.RecipientName == "" {
		p.RecipientName = DefaultRecipientName
	}
	if p.DestinationAddress == "" {
		p.DestinationAddress = p.Destination + destinationAddressSuffix
	}
	return p
}

// parseWeight reads the leading number of a weight like "2,400 kg". Text
// without a number is 0.
func parseWeight(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return v
}

// DockStatus returns the backend status and vehicle for a dock update.
func DockStatus(in model.DockStatusInput) (status, vehicleID string) {
	return strings.ToUpper(strings.TrimSpace(in.Status)), strings.TrimSpace(in.VehicleID)
}

// MergeAssignment sets assignedVehicleId on a raw backend shipment, keeping
// every other field as the backend sent it.
func MergeAssignment(raw json.RawMessage, vehicleID string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &model.MappingError{Resource: ResourceShipments, Reason: "record is not an object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &model.MappingError{Resource: ResourceShipments, Reason: "record is not an object", Err: err}
	}
	id, err := json.Marshal(vehicleID)
	if err != nil {
		return nil, err
	}
	fields["assignedVehicleId"] = id
	// The backend rejects a nested relation alongside the id.
	delete(fields, "assignedVehicle")
	return fields, nil
}

func ptr[T any](v T) *T { return &v }
