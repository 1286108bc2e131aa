package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/nexusbff/internal/backend"
)

// MockBackend is a stateful stand-in for the fleet REST backend. It serves
// every endpoint the client calls, verifies bearer tokens, keeps vehicles and
// shipments in memory so writes are visible to later reads, and records all
// received requests for assertions.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	mu        sync.Mutex
	users     map[string]mockUser
	vehicles  []map[string]any
	shipments []map[string]any
	docks     []map[string]any
	overrides map[string]*mockResponse
	received  map[string][]*RecordedRequest
}

type mockUser struct {
	password string
	email    string
	role     string
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Query      map[string]string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

func newMockBackend(t *testing.T, issuer *tokenIssuer) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:      t,
		issuer: issuer,
		users: map[string]mockUser{
			"admin":     {password: "password", email: "admin@nexus.example.com", role: "ROLE_ADMIN"},
			"warehouse": {password: "password", email: "dock@nexus.example.com", role: "ROLE_WAREHOUSE"},
			"driver":    {password: "password", email: "driver@nexus.example.com", role: "ROLE_DRIVER"},
		},
		vehicles:  VehicleFixtures(),
		shipments: ShipmentFixtures(),
		docks:     DockFixtures(),
		overrides: make(map[string]*mockResponse),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	handlers := map[backend.Endpoint]http.HandlerFunc{
		backend.EndpointSignIn:           mb.signIn,
		backend.EndpointListVehicles:     mb.list(&mb.vehicles),
		backend.EndpointCreateVehicle:    mb.create(&mb.vehicles),
		backend.EndpointUpdateVehicle:    mb.update(&mb.vehicles),
		backend.EndpointDeleteVehicle:    mb.remove(&mb.vehicles),
		backend.EndpointListShipments:    mb.list(&mb.shipments),
		backend.EndpointGetShipment:      mb.get(&mb.shipments),
		backend.EndpointCreateShipment:   mb.create(&mb.shipments),
		backend.EndpointUpdateShipment:   mb.update(&mb.shipments),
		backend.EndpointDeleteShipment:   mb.remove(&mb.shipments),
		backend.EndpointCompleteDelivery: mb.completeDelivery,
		backend.EndpointListDocks:        mb.list(&mb.docks),
		backend.EndpointUpdateDockStatus: mb.updateDock,
		backend.EndpointDiagnostics:      mb.static(DiagnosticsFixture()),
		backend.EndpointWaybill:          mb.static(WaybillFixture()),
		backend.EndpointLeaderboard:      mb.static(LeaderboardFixture()),
		backend.EndpointSustainability:   mb.static(SustainabilityFixture()),
	}
	for ep, handler := range handlers {
		mux.HandleFunc(ep.Method+" /api"+ep.Path, mb.intercept(ep, handler))
	}

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the backend's API base URL.
func (mb *MockBackend) URL() string {
	return mb.server.URL + "/api"
}

// Respond makes every later call to ep answer with status and body,
// bypassing the stored state.
func (mb *MockBackend) Respond(ep backend.Endpoint, status int, body any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.overrides[ep.String()] = &mockResponse{status: status, body: body}
}

// RespondWithDelay delays the stored response of ep.
func (mb *MockBackend) RespondWithDelay(ep backend.Endpoint, delay time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.overrides[ep.String()] = &mockResponse{delay: delay}
}

// Disconnect makes ep drop the connection without answering.
func (mb *MockBackend) Disconnect(ep backend.Endpoint) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.overrides[ep.String()] = &mockResponse{connError: true}
}

// Reset removes the override of ep.
func (mb *MockBackend) Reset(ep backend.Endpoint) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.overrides, ep.String())
}

// Requests returns the requests received for ep.
func (mb *MockBackend) Requests(ep backend.Endpoint) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.received[ep.String()]...)
}

// RequestCount returns how many requests ep received.
func (mb *MockBackend) RequestCount(ep backend.Endpoint) int {
	return len(mb.Requests(ep))
}

// intercept records the request, applies overrides and enforces the bearer
// token on everything but sign-in.
func (mb *MockBackend) intercept(ep backend.Endpoint, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      make(map[string]string),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		for k, v := range r.URL.Query() {
			rec.Query[k] = v[0]
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}

		mb.mu.Lock()
		mb.received[ep.String()] = append(mb.received[ep.String()], rec)
		override := mb.overrides[ep.String()]
		mb.mu.Unlock()

		if override != nil {
			if override.connError {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, err := hj.Hijack(); err == nil {
						conn.Close()
						return
					}
				}
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			if override.delay > 0 {
				select {
				case <-time.After(override.delay):
				case <-r.Context().Done():
					return
				}
			}
			if override.status != 0 {
				writeJSON(w, override.status, override.body)
				return
			}
		}

		if ep != backend.EndpointSignIn {
			if _, err := mb.issuer.Verify(r.Header.Get("Authorization")); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": err.Error()})
				return
			}
		}
		next(w, rec.withRequest(r))
	}
}

// withRequest hands the already-read body to the endpoint handler.
func (rec *RecordedRequest) withRequest(r *http.Request) *http.Request {
	return r.WithContext(withRecorded(r.Context(), rec))
}

type recordedKey struct{}

func withRecorded(ctx context.Context, rec *RecordedRequest) context.Context {
	return context.WithValue(ctx, recordedKey{}, rec)
}

func recordedFrom(ctx context.Context) *RecordedRequest {
	rec, _ := ctx.Value(recordedKey{}).(*RecordedRequest)
	if rec == nil {
		return &RecordedRequest{}
	}
	return rec
}

func (mb *MockBackend) signIn(w http.ResponseWriter, r *http.Request) {
	body := recordedFrom(r.Context()).Body
	username, _ := body["username"].(string)
	password, _ := body["password"].(string)

	user, ok := mb.users[username]
	if !ok || user.password != password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    mb.issuer.Issue(username, user.role),
		"type":     "Bearer",
		"username": username,
		"email":    user.email,
		"role":     user.role,
	})
}

func (mb *MockBackend) list(records *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		writeJSON(w, http.StatusOK, *records)
	}
}

func (mb *MockBackend) get(records *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		if i := indexOf(*records, r.PathValue("id")); i >= 0 {
			writeJSON(w, http.StatusOK, (*records)[i])
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	}
}

func (mb *MockBackend) create(records *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		record := recordedFrom(r.Context()).Body
		if record == nil {
			record = map[string]any{}
		}
		record["id"] = float64(1000 + len(*records))
		*records = append(*records, record)
		writeJSON(w, http.StatusOK, record)
	}
}

func (mb *MockBackend) update(records *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		i := indexOf(*records, r.PathValue("id"))
		if i < 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		for k, v := range recordedFrom(r.Context()).Body {
			if k != "id" {
				(*records)[i][k] = v
			}
		}
		writeJSON(w, http.StatusOK, (*records)[i])
	}
}

func (mb *MockBackend) remove(records *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		i := indexOf(*records, r.PathValue("id"))
		if i < 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		*records = append((*records)[:i], (*records)[i+1:]...)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (mb *MockBackend) completeDelivery(w http.ResponseWriter, r *http.Request) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	i := indexOf(mb.shipments, r.PathValue("id"))
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	mb.shipments[i]["status"] = "DELIVERED"
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("Delivery completed"))
}

func (mb *MockBackend) updateDock(w http.ResponseWriter, r *http.Request) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	i := indexOf(mb.docks, r.PathValue("id"))
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	mb.docks[i]["status"] = r.URL.Query().Get("status")
	mb.docks[i]["assignedVId"] = r.URL.Query().Get("vId")
	writeJSON(w, http.StatusOK, mb.docks[i])
}

func (mb *MockBackend) static(body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

func indexOf(records []map[string]any, id string) int {
	for i, rec := range records {
		switch v := rec["id"].(type) {
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) == id {
				return i
			}
		case string:
			if v == id {
				return i
			}
		}
	}
	return -1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
