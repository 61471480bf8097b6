package server

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name               string
		method             string
		expectStatus       int
		expectBodyExecuted bool
	}{
		{
			name:               "get_passes_through",
			method:             http.MethodGet,
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
		{
			name:               "post_passes_through",
			method:             http.MethodPost,
			expectStatus:       http.StatusOK,
			expectBodyExecuted: true,
		},
		{
			name:               "options_short_circuits",
			method:             http.MethodOptions,
			expectStatus:       http.StatusNoContent,
			expectBodyExecuted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bodyExecuted := false
			handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				bodyExecuted = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/keys.json", nil)
			req.Header.Set("Origin", "https://rp.example.com")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expectStatus {
				t.Errorf("expected status %d, got %d", tt.expectStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("expected Allow-Origin *, got %q", got)
			}
			if rec.Header().Get("Access-Control-Allow-Methods") == "" {
				t.Error("expected Allow-Methods header to be set")
			}
			if bodyExecuted != tt.expectBodyExecuted {
				t.Errorf("expected bodyExecuted=%v, got %v", tt.expectBodyExecuted, bodyExecuted)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generates_an_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		id := rec.Header().Get("X-Request-ID")
		if id == "" {
			t.Fatal("no request ID in response")
		}
		if seen != id {
			t.Errorf("handler saw %q, response carries %q", seen, id)
		}
	})

	t.Run("echoes_the_inbound_id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-abc123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen != "req-abc123" {
			t.Errorf("handler saw %q, want the inbound ID", seen)
		}
		if got := rec.Header().Get("X-Request-ID"); got != "req-abc123" {
			t.Errorf("response carries %q, want the inbound ID", got)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic value missing from log output: %s", buf.String())
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("panic value leaked into the response: %s", rec.Body.String())
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(31536000)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("plain_http", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://broker.example.com/", nil))

		if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
			t.Errorf("unexpected HSTS header on plain HTTP: %q", got)
		}
	})

	t.Run("tls", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://broker.example.com/", nil)
		req.TLS = &tls.ConnectionState{}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		want := "max-age=31536000; includeSubDomains"
		if got := rec.Header().Get("Strict-Transport-Security"); got != want {
			t.Errorf("expected HSTS %q, got %q", want, got)
		}
	})
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "http_request" {
		t.Errorf("unexpected log message %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status %d in log, got %v", http.StatusTeapot, entry["status"])
	}
	if entry["path"] != "/auth" {
		t.Errorf("expected path /auth in log, got %v", entry["path"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("log line carries no request_id")
	}
}
