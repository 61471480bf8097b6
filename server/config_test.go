package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"portierd/broker"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `# broker settings
server:
  public_url: http://localhost:3333
  dev_mode: true
store:
  session_ttl: 5m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BROKER_PUBLIC_URL", "https://broker.example.com/")
	t.Setenv("BROKER_GOOGLE_CLIENT_ID", "client-123.apps.example")
	t.Setenv("BROKER_TLS_DOMAINS", "broker.example.com, alt.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://broker.example.com" {
		t.Fatalf("PublicURL override mismatch (trailing slash should be trimmed), got %q", cfg.Server.PublicURL)
	}
	if cfg.Google.ClientID != "client-123.apps.example" {
		t.Fatalf("Google client ID override mismatch, got %q", cfg.Google.ClientID)
	}
	if len(cfg.Server.TLS.Domains) != 2 || cfg.Server.TLS.Domains[1] != "alt.example.com" {
		t.Fatalf("TLS domains override mismatch, got %v", cfg.Server.TLS.Domains)
	}
	if cfg.SessionTTL() != 5*time.Minute {
		t.Fatalf("session TTL from file mismatch, got %v", cfg.SessionTTL())
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: http://localhost:3333
  dev_mode: true
  unknown_field: value
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !containsAny(err.Error(), []string{"unknown_field", "not found", "field"}) {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Server.DevMode {
		t.Fatalf("default config should enable dev mode")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.TokenTTL() != DefaultTokenTTL {
		t.Fatalf("token TTL default mismatch, got %v", cfg.TokenTTL())
	}
	if cfg.SessionTTL() != DefaultSessionTTL {
		t.Fatalf("session TTL default mismatch, got %v", cfg.SessionTTL())
	}
	if cfg.CacheTTL() != DefaultCacheTTL {
		t.Fatalf("cache TTL default mismatch, got %v", cfg.CacheTTL())
	}
	if cfg.KeyRotateInterval() != DefaultRotateInterval {
		t.Fatalf("rotate interval default mismatch, got %v", cfg.KeyRotateInterval())
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.TokenTTL = "90s"
	cfg.Store.SessionTTL = "20m"
	cfg.Store.CacheTTL = "bogus"
	cfg.Keys.RotateInterval = "12h"

	if cfg.TokenTTL() != 90*time.Second {
		t.Fatalf("token TTL mismatch, got %v", cfg.TokenTTL())
	}
	if cfg.SessionTTL() != 20*time.Minute {
		t.Fatalf("session TTL mismatch, got %v", cfg.SessionTTL())
	}
	if cfg.CacheTTL() != DefaultCacheTTL {
		t.Fatalf("invalid cache TTL should fall back, got %v", cfg.CacheTTL())
	}
	if cfg.KeyRotateInterval() != 12*time.Hour {
		t.Fatalf("rotate interval mismatch, got %v", cfg.KeyRotateInterval())
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func TestOverrideLinks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainOverrides = []DomainOverride{
		{Domain: "example.com", Rel: broker.WebfingerPortierRel, Href: "https://idp.example.com"},
		{Domain: "example.com", Rel: broker.WebfingerGoogleRel, Href: "https://accounts.google.com"},
		{Domain: "other.test", Rel: broker.WebfingerPortierRel, Href: "https://idp.other.test"},
	}

	links, err := cfg.OverrideLinks()
	if err != nil {
		t.Fatalf("OverrideLinks returned error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(links))
	}
	example := links["example.com"]
	if len(example) != 2 {
		t.Fatalf("expected 2 links for example.com, got %d", len(example))
	}
	if example[0].Rel != broker.RelationPortier || example[1].Rel != broker.RelationGoogle {
		t.Fatalf("link order not preserved: %v", example)
	}
	if example[0].Href != "https://idp.example.com" {
		t.Fatalf("href mismatch, got %q", example[0].Href)
	}

	cfg.DomainOverrides = []DomainOverride{{Domain: "example.com", Rel: "https://portier.io/bogus", Href: "https://x"}}
	if _, err := cfg.OverrideLinks(); err == nil {
		t.Fatalf("expected error for unknown rel")
	}

	cfg.DomainOverrides = nil
	links, err = cfg.OverrideLinks()
	if err != nil || links != nil {
		t.Fatalf("empty overrides should produce nil map, got %v, %v", links, err)
	}
}

func TestConfigValidationErrorMessages(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string // error should contain one of these strings
	}{
		{
			name: "missing_public_url",
			setupConfig: func(c *Config) {
				c.Server.PublicURL = ""
			},
			expectedError: []string{"public_url", "required"},
		},
		{
			name: "invalid_public_url_format",
			setupConfig: func(c *Config) {
				c.Server.PublicURL = "localhost:3333"
			},
			expectedError: []string{"http://", "https://"},
		},
		{
			name: "production_requires_https",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Server.PublicURL = "http://broker.example.com"
				c.Server.TLS.Domains = []string{"broker.example.com"}
			},
			expectedError: []string{"https"},
		},
		{
			name: "production_requires_tls_domains",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Server.PublicURL = "https://broker.example.com"
				c.Server.TLS.Domains = nil
			},
			expectedError: []string{"tls.domains"},
		},
		{
			name: "invalid_token_ttl",
			setupConfig: func(c *Config) {
				c.Server.TokenTTL = "10 minutes"
			},
			expectedError: []string{"token_ttl", "duration"},
		},
		{
			name: "invalid_cache_ttl",
			setupConfig: func(c *Config) {
				c.Store.CacheTTL = "soon"
			},
			expectedError: []string{"cache_ttl", "duration"},
		},
		{
			name: "empty_keyfile",
			setupConfig: func(c *Config) {
				c.Keys.Keyfiles = []string{"  "}
			},
			expectedError: []string{"keyfiles"},
		},
		{
			name: "override_missing_domain",
			setupConfig: func(c *Config) {
				c.DomainOverrides = []DomainOverride{{Rel: broker.WebfingerPortierRel, Href: "https://idp.example.com"}}
			},
			expectedError: []string{"domain is required"},
		},
		{
			name: "override_unknown_rel",
			setupConfig: func(c *Config) {
				c.DomainOverrides = []DomainOverride{{Domain: "example.com", Rel: "https://example.com/rel", Href: "https://idp.example.com"}}
			},
			expectedError: []string{"unsupported link relation"},
		},
		{
			name: "override_invalid_href",
			setupConfig: func(c *Config) {
				c.DomainOverrides = []DomainOverride{{Domain: "example.com", Rel: broker.WebfingerPortierRel, Href: "idp.example.com"}}
			},
			expectedError: []string{"href"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("error should contain one of %v, got: %v", tt.expectedError, err)
			}
		})
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if len(substr) > 0 && len(s) >= len(substr) {
			for i := 0; i <= len(s)-len(substr); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
		}
	}
	return false
}
