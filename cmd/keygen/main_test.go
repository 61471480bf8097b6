package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"portierd/broker"
)

func TestRunWritesLoadableKeyfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing_key.pem")

	var out bytes.Buffer
	if err := run(path, 2048, false, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := broker.NewKeyManager(broker.KeyManagerConfig{
		Issuer:   "http://localhost:3333",
		TokenTTL: time.Minute,
		Keyfiles: []string{path},
	}, logger)
	if err != nil {
		t.Fatalf("keyfile does not load: %v", err)
	}

	jwks := keys.PublicJWKS()
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected 1 published key, got %d", len(jwks.Keys))
	}
	if !strings.Contains(out.String(), jwks.Keys[0].KeyID) {
		t.Errorf("output %q does not mention the published kid %s", out.String(), jwks.Keys[0].KeyID)
	}
}

func TestRunRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing_key.pem")

	var out bytes.Buffer
	if err := run(path, 2048, false, &out); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := run(path, 2048, false, &out); err == nil {
		t.Fatal("expected an error for an existing file")
	}
	if err := run(path, 2048, true, &out); err != nil {
		t.Fatalf("forced run failed: %v", err)
	}
}

func TestRunRejectsSmallKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing_key.pem")

	var out bytes.Buffer
	if err := run(path, 1024, false, &out); err == nil {
		t.Fatal("expected an error for a 1024 bit key")
	}
}
