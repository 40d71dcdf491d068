package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
app:
  name: position-stream
kalshi:
  ws_url: wss://api.elections.kalshi.com/trade-api/ws/v2
  rest_url: https://api.elections.kalshi.com/trade-api/v2
cache:
  path: /tmp/positions.db
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Stream.MaxRetries != 5 {
		t.Errorf("MaxRetries default = %d, want 5", cfg.Stream.MaxRetries)
	}
	if cfg.Stream.IdleTimeoutSec != 30 {
		t.Errorf("IdleTimeoutSec default = %d, want 30", cfg.Stream.IdleTimeoutSec)
	}
	if cfg.Stream.SubscriberQueue != 1000 {
		t.Errorf("SubscriberQueue default = %d, want 1000", cfg.Stream.SubscriberQueue)
	}
	if len(cfg.Kalshi.Channels) == 0 {
		t.Error("expected default channels")
	}

	p := cfg.Backoff()
	if p.Base != time.Second || p.Cap != 30*time.Second {
		t.Errorf("Backoff() = base %s cap %s", p.Base, p.Cap)
	}
}

func TestLoadConfigRejectsBadWSURL(t *testing.T) {
	bad := `
kalshi:
  ws_url: http://not-a-websocket
  rest_url: https://api.elections.kalshi.com/trade-api/v2
cache:
  path: /tmp/p.db
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Error("expected error for non-ws scheme")
	}
}

func TestLoadConfigRequiresCachePath(t *testing.T) {
	bad := `
kalshi:
  ws_url: wss://example.com/ws
  rest_url: https://example.com
`
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Error("expected error for missing cache path")
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("KALSHI_API_KEY", "env-key")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Kalshi.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Kalshi.APIKey)
	}
}

func TestStaticCredentialSource(t *testing.T) {
	ctx := context.Background()

	key, err := StaticCredentialSource{Key: "abc"}.APIKey(ctx)
	if err != nil || key != "abc" {
		t.Errorf("APIKey = %q, %v", key, err)
	}

	_, err = StaticCredentialSource{}.APIKey(ctx)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("empty key error = %v, want *AuthError", err)
	}
}

func TestFileCredentialSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	content := "api:\n  kalshi:\n    api_key: file-key\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := FileCredentialSource{Path: path}.APIKey(context.Background())
	if err != nil || key != "file-key" {
		t.Errorf("APIKey = %q, %v", key, err)
	}

	_, err = FileCredentialSource{Path: "/nonexistent"}.APIKey(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("missing file error = %v, want *AuthError", err)
	}
}
