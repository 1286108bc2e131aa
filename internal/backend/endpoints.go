package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pitabwire/nexusbff/model"
)

// Endpoint is a backend operation identified by method and path template.
type Endpoint struct {
	Method string
	Path   string
}

func (e Endpoint) String() string { return e.Method + " " + e.Path }

// Backend endpoints used by the BFF.
var (
	EndpointSignIn           = Endpoint{http.MethodPost, "/auth/signin"}
	EndpointListVehicles     = Endpoint{http.MethodGet, "/vehicles"}
	EndpointCreateVehicle    = Endpoint{http.MethodPost, "/vehicles"}
	EndpointUpdateVehicle    = Endpoint{http.MethodPut, "/vehicles/{id}"}
	EndpointDeleteVehicle    = Endpoint{http.MethodDelete, "/vehicles/{id}"}
	EndpointListShipments    = Endpoint{http.MethodGet, "/shipments"}
	EndpointGetShipment      = Endpoint{http.MethodGet, "/shipments/{id}"}
	EndpointCreateShipment   = Endpoint{http.MethodPost, "/shipments"}
	EndpointUpdateShipment   = Endpoint{http.MethodPut, "/shipments/{id}"}
	EndpointDeleteShipment   = Endpoint{http.MethodDelete, "/shipments/{id}"}
	EndpointCompleteDelivery = Endpoint{http.MethodPost, "/shipments/{id}/complete"}
	EndpointListDocks        = Endpoint{http.MethodGet, "/docks"}
	EndpointUpdateDockStatus = Endpoint{http.MethodPut, "/docks/{id}/status"}
	EndpointDiagnostics      = Endpoint{http.MethodGet, "/diagnostics/{id}"}
	EndpointWaybill          = Endpoint{http.MethodGet, "/documents/waybill/{id}"}
	EndpointLeaderboard      = Endpoint{http.MethodGet, "/leaderboard"}
	EndpointSustainability   = Endpoint{http.MethodGet, "/sustainability/metrics"}
)

// Endpoints lists every endpoint the client calls, for contract checks.
func Endpoints() []Endpoint {
	return []Endpoint{
		EndpointSignIn,
		EndpointListVehicles, EndpointCreateVehicle, EndpointUpdateVehicle, EndpointDeleteVehicle,
		EndpointListShipments, EndpointGetShipment, EndpointCreateShipment,
		EndpointUpdateShipment, EndpointDeleteShipment, EndpointCompleteDelivery,
		EndpointListDocks, EndpointUpdateDockStatus,
		EndpointDiagnostics, EndpointWaybill, EndpointLeaderboard, EndpointSustainability,
	}
}

// withID substitutes the {id} segment of the endpoint path.
func (e Endpoint) withID(id string) string {
	return strings.Replace(e.Path, "{id}", url.PathEscape(id), 1)
}

// signInResponse is the backend's JWT response.
type signInResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// SignIn exchanges credentials for an identity. Bad credentials map to
// INVALID_CREDENTIALS rather than UNAUTHORIZED so they are not mistaken for an
// expired session.
func (c *Client) SignIn(ctx context.Context, creds model.Credentials) (*model.Identity, error) {
	// Sign-in must never carry a previous session's token.
	ctx = model.WithRequestContext(ctx, nil)

	raw, err := c.do(ctx, call{endpoint: EndpointSignIn, path: EndpointSignIn.Path, body: creds})
	if err != nil {
		if model.IsCode(err, model.ErrUnauthorized) || model.IsCode(err, model.ErrBadRequest) ||
			model.IsCode(err, model.ErrForbidden) {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, err
	}

	var resp signInResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("backend: decode sign-in response: %w", err)
	}
	if resp.Token == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	username := resp.Username
	if username == "" {
		username = creds.Username
	}
	return &model.Identity{
		SubjectID:   username,
		DisplayName: username,
		Email:       resp.Email,
		Role:        model.ParseRole(resp.Role),
		Token:       resp.Token,
	}, nil
}

// ListVehicles returns the raw vehicle collection.
func (c *Client) ListVehicles(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointListVehicles, path: EndpointListVehicles.Path})
}

// CreateVehicle posts a denormalized vehicle payload.
func (c *Client) CreateVehicle(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointCreateVehicle, path: EndpointCreateVehicle.Path, body: payload})
}

// UpdateVehicle replaces the vehicle with database ID id.
func (c *Client) UpdateVehicle(ctx context.Context, id string, payload any) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointUpdateVehicle, path: EndpointUpdateVehicle.withID(id), body: payload})
}

// DeleteVehicle deletes the vehicle with database ID id.
func (c *Client) DeleteVehicle(ctx context.Context, id string) error {
	_, err := c.do(ctx, call{endpoint: EndpointDeleteVehicle, path: EndpointDeleteVehicle.withID(id)})
	return err
}

// ListShipments returns the raw shipment collection.
func (c *Client) ListShipments(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointListShipments, path: EndpointListShipments.Path})
}

// GetShipment returns one raw shipment.
func (c *Client) GetShipment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointGetShipment, path: EndpointGetShipment.withID(id)})
}

// CreateShipment posts a denormalized shipment payload.
func (c *Client) CreateShipment(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointCreateShipment, path: EndpointCreateShipment.Path, body: payload})
}

// UpdateShipment replaces the shipment with database ID id.
func (c *Client) UpdateShipment(ctx context.Context, id string, payload any) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointUpdateShipment, path: EndpointUpdateShipment.withID(id), body: payload})
}

// DeleteShipment deletes the shipment with database ID id.
func (c *Client) DeleteShipment(ctx context.Context, id string) error {
	_, err := c.do(ctx, call{endpoint: EndpointDeleteShipment, path: EndpointDeleteShipment.withID(id)})
	return err
}

// CompleteDelivery submits proof of delivery. The backend takes the
// signature and coordinates as query parameters and answers with plain text.
func (c *Client) CompleteDelivery(ctx context.Context, id string, pod model.ProofOfDeliveryInput) error {
	q := url.Values{}
	q.Set("signature", pod.Signature)
	q.Set("lat", strconv.FormatFloat(pod.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(pod.Lng, 'f', -1, 64))
	_, err := c.do(ctx, call{endpoint: EndpointCompleteDelivery, path: EndpointCompleteDelivery.withID(id), query: q})
	return err
}

// ListDocks returns the raw loading dock collection.
func (c *Client) ListDocks(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointListDocks, path: EndpointListDocks.Path})
}

// UpdateDockStatus sets a dock's status and optionally the vehicle at it.
// status must already be in backend casing.
func (c *Client) UpdateDockStatus(ctx context.Context, id, status, vehicleID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("status", status)
	if vehicleID != "" {
		q.Set("vId", vehicleID)
	}
	return c.do(ctx, call{endpoint: EndpointUpdateDockStatus, path: EndpointUpdateDockStatus.withID(id), query: q})
}

// Diagnostics returns the raw diagnostics of a vehicle.
func (c *Client) Diagnostics(ctx context.Context, vehicleID string) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointDiagnostics, path: EndpointDiagnostics.withID(vehicleID)})
}

// Waybill returns the raw waybill of a shipment.
func (c *Client) Waybill(ctx context.Context, shipmentID string) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointWaybill, path: EndpointWaybill.withID(shipmentID)})
}

// Leaderboard returns the raw driver leaderboard.
func (c *Client) Leaderboard(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointLeaderboard, path: EndpointLeaderboard.Path})
}

// SustainabilityMetrics returns the raw sustainability metrics.
func (c *Client) SustainabilityMetrics(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, call{endpoint: EndpointSustainability, path: EndpointSustainability.Path})
}
