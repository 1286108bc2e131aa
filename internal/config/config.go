// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/nexusbff/model"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "NEXUS"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Session       SessionConfig       `yaml:"session"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Navigation    NavigationConfig    `yaml:"navigation"`
	Query         QueryConfig         `yaml:"query"`
	Routes        RoutesConfig        `yaml:"routes"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	LoginRateLimit  RateLimitConfig `yaml:"login_rate_limit"`
	Development     bool            `yaml:"development"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig limits requests per client IP over a sliding window.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// BackendConfig describes the fleet REST backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimitRPS   float64              `yaml:"rate_limit_rps"`
	RateLimitBurst int                  `yaml:"rate_limit_burst"`
	OpenAPISpec    string               `yaml:"openapi_spec"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes retry settings for idempotent backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// SessionConfig describes the server-side session store.
type SessionConfig struct {
	Driver       string        `yaml:"driver"`
	CookieName   string        `yaml:"cookie_name"`
	TTL          time.Duration `yaml:"ttl"`
	SecureCookie bool          `yaml:"secure_cookie"`
	AddrEnv      string        `yaml:"addr_env"`
	DB           int           `yaml:"db"`
	DSNEnv       string        `yaml:"dsn_env"`
	MaxConns     int32         `yaml:"max_conns"`
}

// CapabilityConfig describes how roles map to capabilities.
type CapabilityConfig struct {
	PolicyFile   string `yaml:"policy_file"`
	HotReload    bool   `yaml:"hot_reload"`
	FallbackRole string `yaml:"fallback_role"`
}

// NavigationConfig optionally replaces the built-in sidebar definition.
type NavigationConfig struct {
	File string `yaml:"file"`
}

// QueryConfig describes the backend resource cache.
type QueryConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// RoutesConfig names the browser routes the guard redirects to.
type RoutesConfig struct {
	Landing    string `yaml:"landing"`
	Home       string `yaml:"home"`
	DriverHome string `yaml:"driver_home"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
			LoginRateLimit: RateLimitConfig{
				Requests: 10,
				Window:   time.Minute,
			},
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8081/api",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        2 * time.Second,
			},
		},
		Session: SessionConfig{
			Driver:     "memory",
			CookieName: "nexus_session",
			TTL:        8 * time.Hour,
			AddrEnv:    "NEXUS_REDIS_ADDR",
			DSNEnv:     "NEXUS_DATABASE_URL",
			MaxConns:   10,
		},
		Capability: CapabilityConfig{
			FallbackRole: string(model.RoleAdmin),
		},
		Query: QueryConfig{
			TTL:        30 * time.Second,
			MaxEntries: 2048,
		},
		Routes: RoutesConfig{
			Landing:    "/login",
			Home:       "/",
			DriverHome: "/driver",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file over Defaults, applies NEXUS_* environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.base_url must be an absolute URL")
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, "backend.timeout must be positive")
	}
	if c.Backend.RateLimitRPS < 0 {
		errs = append(errs, "backend.rate_limit_rps must not be negative")
	}
	switch c.Session.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("session.driver %q must be memory, redis or postgres", c.Session.Driver))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, "session.cookie_name is required")
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if fb := c.Capability.FallbackRole; fb != "none" && !model.Role(fb).Valid() {
		errs = append(errs, fmt.Sprintf("capability.fallback_role %q must be admin, warehouse, driver or none", fb))
	}
	if c.Capability.HotReload && c.Capability.PolicyFile == "" {
		errs = append(errs, "capability.hot_reload requires capability.policy_file")
	}
	if c.Query.TTL <= 0 {
		errs = append(errs, "query.ttl must be positive")
	}
	if c.Query.MaxEntries <= 0 {
		errs = append(errs, "query.max_entries must be positive")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}
	for name, route := range map[string]string{
		"routes.landing":     c.Routes.Landing,
		"routes.home":        c.Routes.Home,
		"routes.driver_home": c.Routes.DriverHome,
	} {
		if !strings.HasPrefix(route, "/") {
			errs = append(errs, name+" must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// envOverrides lists the NEXUS_* variables. Zero values mean "not set".
// Booleans are strings so that an explicit "false" is distinguishable.
type envOverrides struct {
	ServerPort          int           `envconfig:"SERVER_PORT"`
	BackendBaseURL      string        `envconfig:"BACKEND_BASE_URL"`
	BackendTimeout      time.Duration `envconfig:"BACKEND_TIMEOUT"`
	BackendOpenAPISpec  string        `envconfig:"BACKEND_OPENAPI_SPEC"`
	SessionDriver       string        `envconfig:"SESSION_DRIVER"`
	SessionTTL          time.Duration `envconfig:"SESSION_TTL"`
	SessionSecureCookie string        `envconfig:"SESSION_SECURE_COOKIE"`
	PolicyFile          string        `envconfig:"CAPABILITY_POLICY_FILE"`
	FallbackRole        string        `envconfig:"CAPABILITY_FALLBACK_ROLE"`
	LogLevel            string        `envconfig:"OBSERVABILITY_LOG_LEVEL"`
	LogFormat           string        `envconfig:"OBSERVABILITY_LOG_FORMAT"`
	TracingEnabled      string        `envconfig:"OBSERVABILITY_TRACING_ENABLED"`
}

// applyEnvOverrides reads NEXUS_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	if env.ServerPort != 0 {
		cfg.Server.Port = env.ServerPort
	}
	if env.BackendBaseURL != "" {
		cfg.Backend.BaseURL = env.BackendBaseURL
	}
	if env.BackendTimeout != 0 {
		cfg.Backend.Timeout = env.BackendTimeout
	}
	if env.BackendOpenAPISpec != "" {
		cfg.Backend.OpenAPISpec = env.BackendOpenAPISpec
	}
	if env.SessionDriver != "" {
		cfg.Session.Driver = env.SessionDriver
	}
	if env.SessionTTL != 0 {
		cfg.Session.TTL = env.SessionTTL
	}
	if env.SessionSecureCookie != "" {
		v, err := strconv.ParseBool(env.SessionSecureCookie)
		if err != nil {
			return fmt.Errorf("%s_SESSION_SECURE_COOKIE: %w", EnvPrefix, err)
		}
		cfg.Session.SecureCookie = v
	}
	if env.PolicyFile != "" {
		cfg.Capability.PolicyFile = env.PolicyFile
	}
	if env.FallbackRole != "" {
		cfg.Capability.FallbackRole = strings.ToLower(env.FallbackRole)
	}
	if env.LogLevel != "" {
		cfg.Observability.LogLevel = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Observability.LogFormat = env.LogFormat
	}
	if env.TracingEnabled != "" {
		v, err := strconv.ParseBool(env.TracingEnabled)
		if err != nil {
			return fmt.Errorf("%s_OBSERVABILITY_TRACING_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Observability.Tracing.Enabled = v
	}
	return nil
}
