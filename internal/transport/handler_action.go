package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/nexusbff/internal/dashboard"
	"github.com/pitabwire/nexusbff/model"
)

// actionRoutes mounts the dashboard mutations under /ui/actions.
func (h *handlers) actionRoutes() http.Handler {
	d := h.dashboard
	r := chi.NewRouter()

	r.Post("/shipments", withBody(h, func(ctx context.Context, _ string, in model.ShipmentInput) (*dashboard.ActionResult, error) {
		return d.CreateShipment(ctx, in)
	}))
	r.Put("/shipments/{id}", withBody(h, d.UpdateShipment))
	r.Delete("/shipments/{id}", withoutBody(h, d.DeleteShipment))
	r.Post("/shipments/{id}/assign", withBody(h, d.AssignVehicle))
	r.Post("/shipments/{id}/proof-of-delivery", withBody(h, d.SignProofOfDelivery))
	r.Get("/shipments/{id}/waybill", withoutBody(h, d.Waybill))

	r.Post("/vehicles", withBody(h, func(ctx context.Context, _ string, in model.VehicleInput) (*dashboard.ActionResult, error) {
		return d.CreateVehicle(ctx, in)
	}))
	r.Put("/vehicles/{id}", withBody(h, d.UpdateVehicle))
	r.Delete("/vehicles/{id}", withoutBody(h, d.DeleteVehicle))
	r.Get("/vehicles/{id}/inspection", withoutBody(h, d.InspectVehicle))

	r.Put("/docks/{id}/status", withBody(h, d.UpdateDockStatus))
	return r
}

// withBody adapts an action taking a JSON input.
func withBody[T any](h *handlers, run func(context.Context, string, T) (*dashboard.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		if err := decodeJSON(r, &in); err != nil {
			h.fail(w, r, err, false)
			return
		}
		res, err := run(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			h.fail(w, r, err, false)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// withoutBody adapts an action addressed by its path alone.
func withoutBody(h *handlers, run func(context.Context, string) (*dashboard.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := run(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err, false)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
