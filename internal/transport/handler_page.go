package transport

import (
	"net/http"

	"github.com/pitabwire/nexusbff/internal/dashboard"
)

// page serves the payload of one dashboard page. It only runs behind the
// page's guard.
func (h *handlers) page(page dashboard.Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.dashboard.Render(r.Context(), page, r.URL.Query())
		if err != nil {
			h.fail(w, r, err, true)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
