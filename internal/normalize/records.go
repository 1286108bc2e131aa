package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The record types below mirror the backend's wire shapes. Every field is
// tolerant of the JSON kind it receives: text fields accept strings, numbers
// and booleans, numeric fields accept numbers and numeric strings, and the
// driver relation comes in several nested forms. A value of any other kind
// reads as absent. A record is only rejected when it is not an object or
// its id is missing.

var jsonNull = []byte("null")

// FlexString accepts a JSON string, number or boolean. null, objects and
// arrays decode to "".
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*s = ""
	if len(data) == 0 {
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
	case c == 't' || c == 'f':
		*s = FlexString(data)
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			*s = FlexString(n.String())
		}
	}
	return nil
}

// FlexFloat accepts a JSON number or a numeric string. Anything else leaves
// it invalid.
type FlexFloat struct {
	Value float64
	Valid bool
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = FlexFloat{}
	if bytes.Equal(data, jsonNull) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err == nil {
			*f = FlexFloat{Value: v, Valid: true}
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = FlexFloat{Value: v, Valid: true}
	}
	return nil
}

// Or returns the value, or def when invalid.
func (f FlexFloat) Or(def float64) float64 {
	if !f.Valid {
		return def
	}
	return f.Value
}

// DriverRef flattens the driver relation to a username. It accepts a plain
// string, {"user":{"username":...}}, {"username":...} or null.
type DriverRef string

func (d *DriverRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*d = ""
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*d = DriverRef(strings.TrimSpace(str))
		return nil
	}
	if data[0] != '{' {
		return nil
	}

	var nested struct {
		Username string `json:"username"`
		User     *struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil
	}
	if nested.User != nil && nested.User.Username != "" {
		*d = DriverRef(nested.User.Username)
		return nil
	}
	*d = DriverRef(nested.Username)
	return nil
}

// vehicleRecord is a backend vehicle. ID is the database key; VID is the
// display identifier ("V-101").
type vehicleRecord struct {
	ID          *FlexString `json:"id"`
	VID         FlexString  `json:"vId"`
	Plate       FlexString  `json:"plate"`
	Name        FlexString  `json:"name"`
	Driver      DriverRef   `json:"driver"`
	Latitude    FlexFloat   `json:"latitude"`
	Longitude   FlexFloat   `json:"longitude"`
	Speed       FlexFloat   `json:"speed"`
	Fuel        FlexFloat   `json:"fuel"`
	Mileage     FlexFloat   `json:"mileage"`
	LastService FlexString  `json:"lastService"`
	Temp        FlexFloat   `json:"temp"`
	Status      FlexString  `json:"status"`
	MaxCapacity FlexFloat   `json:"maxCapacity"`
}

// shipmentRecord is a backend shipment. Older payloads carry weightKg and a
// nested assignedVehicle; newer ones carry weight and assignedVehicleId.
type shipmentRecord struct {
	ID                    *FlexString `json:"id"`
	SID                   FlexString  `json:"sId"`
	Customer              FlexString  `json:"customer"`
	RecipientName         FlexString  `json:"recipientName"`
	Origin                FlexString  `json:"origin"`
	Destination           FlexString  `json:"destination"`
	DestinationAddress    FlexString  `json:"destinationAddress"`
	Weight                FlexString  `json:"weight"`
	WeightKg              FlexFloat   `json:"weightKg"`
	Status                FlexString  `json:"status"`
	Latitude              FlexFloat   `json:"latitude"`
	Longitude             FlexFloat   `json:"longitude"`
	EstimatedDeliveryTime FlexString  `json:"estimatedDeliveryTime"`
	Created               FlexString  `json:"created"`
	AssignedVehicleID     FlexString  `json:"assignedVehicleId"`
	AssignedVehicle       *struct {
		ID     FlexString `json:"id"`
		VID    FlexString `json:"vId"`
		Driver DriverRef  `json:"driver"`
	} `json:"assignedVehicle"`
}

// dockRecord is a backend loading dock.
type dockRecord struct {
	ID                      *FlexString `json:"id"`
	DockNumber              FlexString  `json:"dockNumber"`
	DockType                FlexString  `json:"dockType"`
	Status                  FlexString  `json:"status"`
	AssignedVID             FlexString  `json:"assignedVId"`
	CurrentActivity         FlexString  `json:"currentActivity"`
	EstimatedTurnaroundTime FlexFloat   `json:"estimatedTurnaroundTime"`
}

type diagnosticsRecord struct {
	VIN            FlexString    `json:"vin"`
	EngineTemp     FlexFloat     `json:"engineTemp"`
	OilPressure    FlexFloat     `json:"oilPressure"`
	BatteryVoltage FlexFloat     `json:"batteryVoltage"`
	FuelLevel      FlexFloat     `json:"fuelLevel"`
	FaultCodes     FlexStringSet `json:"faultCodes"`
	Status         FlexString    `json:"status"`
}

// FlexStringSet accepts a JSON array of text values. Blank entries are
// dropped and a non-array reads as empty.
type FlexStringSet []string

func (l *FlexStringSet) UnmarshalJSON(data []byte) error {
	*l = nil
	var items []FlexString
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	for _, it := range items {
		if strings.TrimSpace(string(it)) != "" {
			*l = append(*l, string(it))
		}
	}
	return nil
}

type waybillRecord struct {
	WaybillNumber      FlexString `json:"waybillNumber"`
	ShipmentNumber     FlexString `json:"shipmentNumber"`
	SenderName         FlexString `json:"senderName"`
	RecipientName      FlexString `json:"recipientName"`
	OriginAddress      FlexString `json:"originAddress"`
	DestinationAddress FlexString `json:"destinationAddress"`
	CargoDescription   FlexString `json:"cargoDescription"`
	Weight             FlexFloat  `json:"weight"`
	Dimensions         FlexString `json:"dimensions"`
	IssuedAt           FlexString `json:"issuedAt"`
	BarcodeData        FlexString `json:"barcodeData"`
}

// driverScoreRecord is one leaderboard row. The driver is a profile whose
// user carries the username.
type driverScoreRecord struct {
	Driver         DriverRef `json:"driver"`
	SafetyScore    FlexFloat `json:"safetyScore"`
	EcoScore       FlexFloat `json:"ecoScore"`
	TotalFuelSaved FlexFloat `json:"totalFuelSaved"`
	Rank           FlexFloat `json:"rank"`
}

type sustainabilityRecord struct {
	TotalCO2Saved          FlexFloat  `json:"totalCo2Saved"`
	AvgFleetEfficiency     FlexFloat  `json:"avgFleetEfficiency"`
	GreenRoutesPercentage  FlexFloat  `json:"greenRoutesPercentage"`
	ActiveElectricVehicles FlexFloat  `json:"activeElectricVehicles"`
	CO2ReductionTarget     FlexFloat  `json:"co2ReductionTarget"`
	NextMilestone          FlexString `json:"nextMilestone"`
}
