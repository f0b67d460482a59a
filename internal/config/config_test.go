package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "test-secret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Docker.BaseURL != "unix:///var/run/docker.sock" {
		t.Fatalf("unexpected docker base url: %q", cfg.Docker.BaseURL)
	}
	if cfg.Sweep.Interval != 5*time.Second {
		t.Fatalf("expected 5s sweep interval, got %v", cfg.Sweep.Interval)
	}
	if cfg.Auth.TeamMode {
		t.Fatal("team mode must default to off")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "test-secret")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("TEAM_MODE", "true")
	t.Setenv("SWEEP_INTERVAL", "10s")
	t.Setenv("DOCKER_HOSTNAME", "chal.example.org")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if !cfg.Auth.TeamMode {
		t.Fatal("expected team mode on")
	}
	if cfg.Sweep.Interval != 10*time.Second {
		t.Fatalf("expected 10s sweep interval, got %v", cfg.Sweep.Interval)
	}
	if cfg.Docker.Hostname != "chal.example.org" {
		t.Fatalf("unexpected hostname: %q", cfg.Docker.Hostname)
	}
}

func TestFromEnvRequiresTokenSecret(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without token secret")
	}
}

func TestFromEnvRejectsInvalidPort(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "test-secret")
	t.Setenv("HTTP_PORT", "70000")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
