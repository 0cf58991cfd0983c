package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PUBLIC_DOMAIN", "lobber.dev")
	clearOverlayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000", cfg.HTTPPort)
	}
	if cfg.PublicScheme != "http" {
		t.Errorf("PublicScheme = %q, want http", cfg.PublicScheme)
	}
	if cfg.MaxStoredExchanges != 1000 {
		t.Errorf("MaxStoredExchanges = %d, want 1000", cfg.MaxStoredExchanges)
	}
}

func TestLoadRequiresPublicDomain(t *testing.T) {
	clearOverlayEnv(t)
	t.Setenv("PUBLIC_DOMAIN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when PUBLIC_DOMAIN is unset")
	}
}

func TestEnvOverridesYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(overlay, []byte("httpPort: 9000\npublicDomain: overlay.example.com\npublicScheme: https\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("GATEWAY_CONFIG_FILE", overlay)
	t.Setenv("PUBLIC_DOMAIN", "env-wins.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9000 {
		t.Errorf("expected overlay-supplied HTTPPort to survive, got %d", cfg.HTTPPort)
	}
	if cfg.PublicDomain != "env-wins.example.com" {
		t.Errorf("expected env PUBLIC_DOMAIN to win, got %q", cfg.PublicDomain)
	}
}

func TestValidateRejectsBadScheme(t *testing.T) {
	cfg := &GatewayConfig{PublicDomain: "x", PublicScheme: "ftp", HTTPPort: 80, MaxBodyBytes: 1, MaxStoredExchanges: 1, HeartbeatSeconds: 1, RequestTimeoutSecs: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported scheme")
	}
}

func clearOverlayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWAY_CONFIG_FILE", "")
}
