// Package integration provides a reusable test harness for end-to-end
// integration testing of the Nexus BFF server. It starts a full HTTP server
// wired against a stateful mock fleet backend, an in-memory session store and
// a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/backend"
	"github.com/pitabwire/nexusbff/internal/capability"
	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/dashboard"
	"github.com/pitabwire/nexusbff/internal/guard"
	"github.com/pitabwire/nexusbff/internal/navigation"
	"github.com/pitabwire/nexusbff/internal/normalize"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/internal/transport"
)

// TestHarness encapsulates a fully wired BFF instance with a mock backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Backend  *MockBackend
	Client   *backend.Client
	Sessions *session.MemoryStore
	Queries  *query.Client

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Server.HandlerTimeout = d }
}

// WithBackendTimeout sets the backend client timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) { c.Backend.Timeout = d }
}

// WithCircuitBreaker overrides the backend circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *config.Config) { c.Backend.CircuitBreaker = cb }
}

// WithLoginRateLimit overrides the per-IP login limit.
func WithLoginRateLimit(requests int, window time.Duration) HarnessOption {
	return func(c *config.Config) {
		c.Server.LoginRateLimit = config.RateLimitConfig{Requests: requests, Window: window}
	}
}

// WithSessionTTL sets the maximum session lifetime.
func WithSessionTTL(ttl time.Duration) HarnessOption {
	return func(c *config.Config) { c.Session.TTL = ttl }
}

// NewTestHarness creates and starts a full BFF test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	return newHarness(t, time.Hour, opts...)
}

// NewTestHarnessWithTokenTTL is NewTestHarness with backend tokens that
// expire after tokenTTL.
func NewTestHarnessWithTokenTTL(t *testing.T, tokenTTL time.Duration, opts ...HarnessOption) *TestHarness {
	return newHarness(t, tokenTTL, opts...)
}

func newHarness(t *testing.T, tokenTTL time.Duration, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{t: t, issuer: newTokenIssuer(t, tokenTTL)}
	h.Backend = newMockBackend(t, h.issuer)

	cfg := config.Defaults()
	cfg.Backend.BaseURL = h.Backend.URL()
	cfg.Backend.Timeout = 5 * time.Second
	cfg.Backend.Retry.MaxAttempts = 1
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.LoginRateLimit = config.RateLimitConfig{Requests: 1000, Window: time.Minute}
	cfg.Capability.FallbackRole = capability.FallbackNone
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}
	h.cfg = cfg

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h.Client = backend.New(cfg.Backend, logger, metrics)
	h.Sessions = session.NewMemoryStore()
	h.Queries = query.New(cfg.Query, logger, metrics)

	resolver, err := capability.NewResolver(capability.BuiltinPolicy{}, cfg.Capability.FallbackRole)
	if err != nil {
		t.Fatalf("capability resolver: %v", err)
	}

	items := navigation.DefaultItems()
	svc := dashboard.NewService(h.Client, normalize.New(logger, metrics), h.Queries, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Sessions:   session.NewManager(h.Sessions, h.Client, cfg.Session, logger, metrics),
		Resolver:   resolver,
		Guard:      guard.New(cfg.Routes, guard.PagesFromNavigation(items), logger, metrics),
		Navigation: navigation.NewProvider(items, svc, logger),
		Dashboard:  svc,
		Queries:    h.Queries,
		Readiness: observability.ReadinessChecks{
			SessionStore: h.Sessions,
			Backend:      h.Client,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Browser is a cookie-carrying client, one per simulated user.
type Browser struct {
	h      *TestHarness
	client *http.Client
}

// NewBrowser returns a browser without a session.
func (h *TestHarness) NewBrowser() *Browser {
	jar, err := cookiejar.New(nil)
	if err != nil {
		h.t.Fatalf("cookie jar: %v", err)
	}
	return &Browser{
		h: h,
		client: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Login signs username in with the mock backend's password and returns the
// browser holding the session cookie.
func (h *TestHarness) Login(username string) *Browser {
	h.t.Helper()
	b := h.NewBrowser()
	resp := b.POST("/auth/login", map[string]string{"username": username, "password": "password"})
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("login %s: status = %d, body = %s", username, resp.StatusCode, h.ReadBody(resp))
	}
	resp.Body.Close()
	return b
}

// SessionCookie returns the browser's session cookie value, if any.
func (b *Browser) SessionCookie() string {
	u, _ := http.NewRequest(http.MethodGet, b.h.server.URL, nil)
	for _, c := range b.client.Jar.Cookies(u.URL) {
		if c.Name == b.h.cfg.Session.CookieName {
			return c.Value
		}
	}
	return ""
}

// GET performs a GET request.
func (b *Browser) GET(path string) *http.Response {
	b.h.t.Helper()
	return b.Do(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (b *Browser) POST(path string, body any) *http.Response {
	b.h.t.Helper()
	return b.Do(http.MethodPost, path, body, nil)
}

// PUT performs a PUT request with a JSON body.
func (b *Browser) PUT(path string, body any) *http.Response {
	b.h.t.Helper()
	return b.Do(http.MethodPut, path, body, nil)
}

// DELETE performs a DELETE request.
func (b *Browser) DELETE(path string) *http.Response {
	b.h.t.Helper()
	return b.Do(http.MethodDelete, path, nil, nil)
}

// Do performs a request with optional JSON body and headers.
func (b *Browser) Do(method, path string, body any, headers map[string]string) *http.Response {
	b.h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			b.h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, b.h.server.URL+path, bodyReader)
	if err != nil {
		b.h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses an error envelope response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Fixtures ---

// VehicleFixtures returns the backend's initial vehicles.
func VehicleFixtures() []map[string]any {
	return []map[string]any{
		{"id": float64(1), "vId": "TRK-001", "plate": "KBX 123A", "name": "Volvo FH16",
			"driver": map[string]any{"user": map[string]any{"username": "driver"}},
			"status": "ACTIVE", "latitude": -1.2921, "longitude": 36.8219, "speed": 62.0,
			"fuel": 71.0, "mileage": 120400.0, "temp": 4.0, "maxCapacity": 18000.0,
			"lastService": "2026-09-01T08:00:00Z"},
		{"id": float64(2), "vId": "TRK-002", "plate": "KBY 456B", "name": "Scania R450",
			"driver": "asmith", "status": "IDLE", "latitude": -4.0435, "longitude": 39.6682,
			"maxCapacity": 20000.0, "lastService": "2026-01-10T08:00:00Z"},
		{"id": float64(3), "vId": "TRK-003", "plate": "KCA 789C", "name": "MAN TGX",
			"status": "MAINTENANCE", "maxCapacity": 16000.0},
	}
}

// ShipmentFixtures returns the backend's initial shipments.
func ShipmentFixtures() []map[string]any {
	return []map[string]any{
		{"id": float64(10), "sId": "SHP-1001", "customer": "Acme Foods", "origin": "Nairobi",
			"destination": "Mombasa", "status": "IN_TRANSIT", "weightKg": 2400.0,
			"latitude": -2.5, "longitude": 38.0,
			"assignedVehicle": map[string]any{"id": float64(1), "vId": "TRK-001",
				"driver": map[string]any{"user": map[string]any{"username": "driver"}}}},
		{"id": float64(11), "sId": "SHP-1002", "customer": "Globex", "origin": "Kisumu",
			"destination": "Nakuru", "status": "PENDING", "weightKg": 800.0},
		{"id": float64(12), "sId": "SHP-1003", "customer": "Initech", "origin": "Nairobi",
			"destination": "Eldoret", "status": "DELIVERED", "weightKg": 1200.0,
			"assignedVehicle": map[string]any{"id": float64(1), "vId": "TRK-001",
				"driver": map[string]any{"user": map[string]any{"username": "driver"}}}},
	}
}

// DockFixtures returns the backend's initial loading docks.
func DockFixtures() []map[string]any {
	return []map[string]any{
		{"id": float64(1), "dockNumber": "D-01", "dockType": "INBOUND", "status": "AVAILABLE"},
		{"id": float64(2), "dockNumber": "D-02", "dockType": "OUTBOUND", "status": "OCCUPIED",
			"assignedVId": "TRK-002", "currentActivity": "Loading", "estimatedTurnaroundTime": 45.0},
	}
}

// DiagnosticsFixture is the diagnostics document of any vehicle.
func DiagnosticsFixture() map[string]any {
	return map[string]any{
		"vin": "YV2RT40A5KB123456", "engineTemp": 88.5, "oilPressure": 42.0,
		"batteryVoltage": 24.1, "fuelLevel": 71.0, "faultCodes": []string{}, "status": "HEALTHY",
	}
}

// WaybillFixture is the waybill of any shipment.
func WaybillFixture() map[string]any {
	return map[string]any{
		"waybillNumber": "WB-2026-0001", "shipmentNumber": "SHP-1001", "senderName": "Acme Foods",
		"recipientName": "Port Stores", "originAddress": "Nairobi", "destinationAddress": "Mombasa",
		"weight": 2400.0, "issuedAt": "2026-10-01T09:00:00Z", "barcodeData": "WB20260001",
	}
}

// LeaderboardFixture is the driver leaderboard.
func LeaderboardFixture() []map[string]any {
	return []map[string]any{
		{"rank": 1.0, "driver": map[string]any{"user": map[string]any{"username": "asmith"}},
			"safetyScore": 97.0, "ecoScore": 91.0, "totalFuelSaved": 320.5},
		{"rank": 2.0, "driver": map[string]any{"user": map[string]any{"username": "driver"}},
			"safetyScore": 93.0, "ecoScore": 88.0, "totalFuelSaved": 280.0},
	}
}

// SustainabilityFixture is the fleet sustainability summary.
func SustainabilityFixture() map[string]any {
	return map[string]any{
		"totalCo2Saved": 45.0, "avgFleetEfficiency": 8.2, "greenRoutesPercentage": 35.0,
		"activeElectricVehicles": 2.0, "co2ReductionTarget": 100.0, "nextMilestone": "50t CO2",
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
