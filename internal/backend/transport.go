package backend

import (
	"net/http"
	"strings"

	"github.com/pitabwire/nexusbff/model"
)

// authTransport is the single interceptor for outgoing backend requests. It
// attaches the bearer token of the request's session and the correlation ID.
// Requests without a RequestContext (sign-in) go out unauthenticated.
type authTransport struct {
	next http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rctx := model.RequestContextFrom(req.Context())
	if rctx == nil {
		return t.next.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	if rctx.Token != "" {
		out.Header.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
	}
	if rctx.CorrelationID != "" {
		out.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	return t.next.RoundTrip(out)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
