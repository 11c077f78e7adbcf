package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenderguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	path := writeConfig(t, "http:\n  addr: 127.0.0.1:0\n")

	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-config", path}, &stderr)
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "audit:\n  backend: cassandra\n")

	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"-config", path}, &stderr); err == nil {
		t.Fatalf("expected validation error for unknown backend")
	}
}

func TestRun_RejectsUnknownFlag(t *testing.T) {
	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"-nope"}, &stderr); err == nil {
		t.Fatalf("expected flag error")
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	path := writeConfig(t, "http:\n  addr: 127.0.0.1:0\n  shutdown_timeout: 2s\nlog:\n  level: warn\n  format: text\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stderr bytes.Buffer
	go func() { done <- run(ctx, []string{"-config", path}, &stderr) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
