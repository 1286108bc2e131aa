package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Server.LoginRateLimit.Requests != 5 {
		t.Errorf("LoginRateLimit.Requests = %d, want 5", cfg.Server.LoginRateLimit.Requests)
	}
	if cfg.Backend.BaseURL != "https://fleet.internal/api" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 3", cfg.Backend.CircuitBreaker.FailureThreshold)
	}
	if cfg.Backend.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Backend.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Backend.RateLimitRPS != 50 {
		t.Errorf("Backend.RateLimitRPS = %v, want 50", cfg.Backend.RateLimitRPS)
	}
	if cfg.Session.Driver != "redis" || cfg.Session.CookieName != "fleet_sid" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if !cfg.Session.SecureCookie {
		t.Error("Session.SecureCookie = false, want true")
	}
	if cfg.Capability.FallbackRole != "none" {
		t.Errorf("Capability.FallbackRole = %q, want none", cfg.Capability.FallbackRole)
	}
	if !cfg.Capability.HotReload {
		t.Error("Capability.HotReload = false, want true")
	}
	if cfg.Query.MaxEntries != 500 {
		t.Errorf("Query.MaxEntries = %d, want 500", cfg.Query.MaxEntries)
	}
	if cfg.Routes.Landing != "/signin" {
		t.Errorf("Routes.Landing = %q, want /signin", cfg.Routes.Landing)
	}
	if cfg.Routes.DriverHome != "/driver" {
		t.Errorf("Routes.DriverHome = %q, want default /driver", cfg.Routes.DriverHome)
	}
}

func TestLoad_empty_path_uses_defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Session.Driver != "memory" {
		t.Errorf("Session.Driver = %q, want memory", cfg.Session.Driver)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_values(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"testdata/bad_driver.yaml", "session.driver"},
		{"testdata/bad_fallback.yaml", "capability.fallback_role"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Load(tt.file)
			if err == nil {
				t.Fatal("Load() should return error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.FallbackRole != "admin" {
		t.Errorf("default FallbackRole = %q, want admin", cfg.Capability.FallbackRole)
	}
	if cfg.Routes.Landing != "/login" {
		t.Errorf("default Routes.Landing = %q, want /login", cfg.Routes.Landing)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NEXUS_SERVER_PORT", "3000")
	t.Setenv("NEXUS_BACKEND_BASE_URL", "http://backend:8080/api")
	t.Setenv("NEXUS_SESSION_TTL", "90m")
	t.Setenv("NEXUS_SESSION_SECURE_COOKIE", "false")
	t.Setenv("NEXUS_CAPABILITY_FALLBACK_ROLE", "DRIVER")
	t.Setenv("NEXUS_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("NEXUS_OBSERVABILITY_LOG_FORMAT", "console")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "http://backend:8080/api" {
		t.Errorf("Backend.BaseURL = %q, want env override", cfg.Backend.BaseURL)
	}
	if cfg.Session.TTL != 90*time.Minute {
		t.Errorf("Session.TTL = %v, want 90m", cfg.Session.TTL)
	}
	if cfg.Session.SecureCookie {
		t.Error("Session.SecureCookie = true, want env override false")
	}
	if cfg.Capability.FallbackRole != "driver" {
		t.Errorf("FallbackRole = %q, want driver", cfg.Capability.FallbackRole)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want console (env override)", cfg.Observability.LogFormat)
	}
}

func TestEnvOverrides_bad_bool(t *testing.T) {
	t.Setenv("NEXUS_SESSION_SECURE_COOKIE", "maybe")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() with unparseable bool should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"relative backend url", func(c *Config) { c.Backend.BaseURL = "fleet/api" }},
		{"empty backend url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"hot reload without file", func(c *Config) { c.Capability.HotReload = true }},
		{"landing without slash", func(c *Config) { c.Routes.Landing = "login" }},
		{"negative rate limit", func(c *Config) { c.Backend.RateLimitRPS = -1 }},
		{"zero query entries", func(c *Config) { c.Query.MaxEntries = 0 }},
		{"unknown log format", func(c *Config) { c.Observability.LogFormat = "logfmt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should return error")
			}
		})
	}
}
