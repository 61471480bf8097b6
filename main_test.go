package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"portierd/broker"
	"portierd/server"
)

// rewriteRoundTripper sends every request to a fixed test server while
// keeping the original Host header, standing in for DNS.
type rewriteRoundTripper struct {
	target *url.URL
}

func (rt rewriteRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = rt.target.Scheme
	clone.URL.Host = rt.target.Host
	clone.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDiscoverWebfinger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"links": []map[string]string{
				{"rel": broker.WebfingerPortierRel, "href": "https://idp.example.com"},
			},
		})
	}))
	defer srv.Close()

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	client := &http.Client{Transport: rewriteRoundTripper{target: target}}

	cfg := server.DefaultConfig()
	if err := runDiscover(context.Background(), cfg, discardLogger(), "user@example.com", client); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}
}

func TestRunDiscoverFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	client := &http.Client{Transport: rewriteRoundTripper{target: target}}

	cfg := server.DefaultConfig()
	if err := runDiscover(context.Background(), cfg, discardLogger(), "user@example.com", client); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunDiscoverUsesOverrides(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.DomainOverrides = []server.DomainOverride{
		{Domain: "example.com", Rel: broker.WebfingerPortierRel, Href: "https://idp.example.com"},
	}

	// No HTTP client needed, overrides bypass webfinger entirely.
	if err := runDiscover(context.Background(), cfg, discardLogger(), "user@example.com", nil); err != nil {
		t.Fatalf("runDiscover returned error: %v", err)
	}
}

func TestRunDiscoverInvalidEmail(t *testing.T) {
	cfg := server.DefaultConfig()
	if err := runDiscover(context.Background(), cfg, discardLogger(), "not-an-email", nil); err == nil {
		t.Fatalf("expected error for invalid email")
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := server.DefaultConfig()
	cfg.Google.ClientID = "client-123.apps.example"

	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatalf("writeConfigFile returned error: %v", err)
	}

	loaded, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if loaded.Server.PublicURL != cfg.Server.PublicURL {
		t.Fatalf("public URL mismatch after round trip, got %q", loaded.Server.PublicURL)
	}
	if loaded.Google.ClientID != "client-123.apps.example" {
		t.Fatalf("google client ID mismatch after round trip, got %q", loaded.Google.ClientID)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestNormalizeList(t *testing.T) {
	fallback := []string{"default"}
	if got := normalizeList("", fallback); len(got) != 1 || got[0] != "default" {
		t.Fatalf("empty input should return fallback, got %v", got)
	}
	got := normalizeList(" a.example.com , b.example.com ", fallback)
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected list: %v", got)
	}
}
