package transport

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/dashboard"
	"github.com/pitabwire/nexusbff/internal/guard"
	"github.com/pitabwire/nexusbff/internal/navigation"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/model"
)

type handlers struct {
	sessions   *session.Manager
	resolver   model.CapabilityResolver
	guard      *guard.Guard
	navigation *navigation.Provider
	dashboard  *dashboard.Service
	queries    *query.Client
	logger     *zap.Logger
}

// fail writes err. An UNAUTHORIZED error on an authenticated request means
// the backend no longer accepts the session token: the session is expired
// and its cached data dropped before answering. Page requests are sent to
// the landing route, API requests get the 401 envelope.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, page bool) {
	ctx := r.Context()
	log := observability.LoggerFrom(ctx, h.logger)

	if model.IsCode(err, model.ErrUnauthorized) {
		res := session.ResolutionFrom(ctx)
		if res.State == session.StateAuthenticated {
			if expireErr := h.sessions.Expire(ctx, w, r); expireErr != nil {
				log.Error("expiring rejected session", zap.Error(expireErr))
			}
			if res.Identity != nil {
				h.queries.ForgetScope(res.Identity.SubjectID)
			}
			log.Warn("backend rejected session token; session expired")
		}
		if page {
			landing := h.guard.Landing()
			w.Header().Set("Location", landing)
			WriteJSON(w, http.StatusSeeOther, map[string]string{
				"redirect": landing,
				"reason":   "session_expired",
			})
			return
		}
	}

	var me *model.MappingError
	if errors.As(err, &me) {
		log.Error("backend response could not be mapped",
			zap.String("resource", me.Resource),
			zap.Int("index", me.Index),
			zap.Error(err),
		)
	} else if env := Envelope(err); env.Code == model.ErrInternalError {
		log.Error("request failed", zap.Error(err))
	}

	WriteError(w, r, err)
}
