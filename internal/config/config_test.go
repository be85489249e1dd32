package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionCeiling != DefaultSessionCeiling {
		t.Fatalf("session ceiling = %v, want %v", cfg.SessionCeiling, DefaultSessionCeiling)
	}
	if cfg.EmergencyWindow != DefaultEmergencyWindow {
		t.Fatalf("emergency window = %v, want %v", cfg.EmergencyWindow, DefaultEmergencyWindow)
	}
	if cfg.FailedLoginThreshold != DefaultFailedLoginThreshold {
		t.Fatalf("failed login threshold = %d", cfg.FailedLoginThreshold)
	}
	if cfg.EmergencyApprovalRequired {
		t.Fatal("approval should not be required by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carelock.yaml")
	data := []byte("listen_addr: \":9090\"\nsession_ceiling: 4h\nemergency_approval_required: true\nfailed_login_threshold: 3\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SessionCeiling != 4*time.Hour {
		t.Fatalf("session ceiling = %v", cfg.SessionCeiling)
	}
	if !cfg.EmergencyApprovalRequired {
		t.Fatal("approval required should come from the file")
	}
	if cfg.FailedLoginThreshold != 3 {
		t.Fatalf("failed login threshold = %d", cfg.FailedLoginThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carelock.yaml")
	if err := os.WriteFile(path, []byte("session_ceiling: 4h\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CARELOCK_SESSION_CEILING", "2h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionCeiling != 2*time.Hour {
		t.Fatalf("session ceiling = %v, want 2h", cfg.SessionCeiling)
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != ErrMissingTokenSecret {
		t.Fatalf("expected ErrMissingTokenSecret, got %v", err)
	}
	cfg.TokenSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CARELOCK_EMERGENCY_WINDOW", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
