package transport

import (
	"net/http"

	"github.com/pitabwire/nexusbff/model"
)

func (h *handlers) navigationTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tree, err := h.navigation.Tree(ctx, model.MustRequestContext(ctx), model.CapabilitiesFrom(ctx))
	if err != nil {
		h.fail(w, r, err, false)
		return
	}
	WriteJSON(w, http.StatusOK, tree)
}
