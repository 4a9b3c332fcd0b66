package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setRequiredEnv(t *testing.T) {
	t.Setenv(EnvGitHubClientID, "client-123")
	t.Setenv(EnvGitHubRedirectURI, "http://localhost:8080/auth/github/callback")
	t.Setenv(EnvAPIBaseURL, "http://localhost:9000/api")
}

func TestLoad_MissingRequiredVariableInDevelopment(t *testing.T) {
	tests := []struct {
		name    string
		missing string
	}{
		{name: "client id", missing: EnvGitHubClientID},
		{name: "redirect uri", missing: EnvGitHubRedirectURI},
		{name: "api base url", missing: EnvAPIBaseURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.missing, "")
			path := writeConfig(t, "env: development\n")

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error for missing variable")
			}
			if !strings.Contains(err.Error(), tt.missing) {
				t.Errorf("error %q does not name %s", err, tt.missing)
			}
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	path := writeConfig(t, `
env: development
api:
  base_url: http://from-file/api
  refresh_mode: replay
github:
  client_id: file-client
  cache_ttl: 10m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:9000/api" {
		t.Errorf("BaseURL = %q, want env value", cfg.API.BaseURL)
	}
	if cfg.GitHub.ClientID != "client-123" {
		t.Errorf("ClientID = %q, want env value", cfg.GitHub.ClientID)
	}
	if cfg.API.RefreshMode != RefreshModeReplay {
		t.Errorf("RefreshMode = %q, want replay", cfg.API.RefreshMode)
	}
	if cfg.GitHub.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want 10m", cfg.GitHub.CacheTTL)
	}
	if cfg.Session.LoginPath != "/login" {
		t.Errorf("LoginPath default lost: %q", cfg.Session.LoginPath)
	}
}

func TestLoad_ProductionSkipsRequiredVariables(t *testing.T) {
	t.Setenv(EnvGitHubClientID, "")
	t.Setenv(EnvGitHubRedirectURI, "")
	t.Setenv(EnvAPIBaseURL, "")
	t.Setenv(EnvEnvironment, "production")
	path := writeConfig(t, "api:\n  base_url: https://api.syncday.me/api\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production config")
	}
}

func TestLoad_ExpandsVariablesInFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNCDAY_TEST_PORT", "9191")
	path := writeConfig(t, "server:\n  port: ${SYNCDAY_TEST_PORT}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Server.Port)
	}
}

func TestLoad_RejectsInvalidRefreshMode(t *testing.T) {
	setRequiredEnv(t)
	path := writeConfig(t, "api:\n  refresh_mode: sometimes\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid refresh mode")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	setRequiredEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_OverridesApplyAfterEnvironment(t *testing.T) {
	setRequiredEnv(t)
	path := writeConfig(t, "env: development\n")

	cfg, err := Load(path, func(c *Config) {
		c.API.BaseURL = "https://api.syncday.me/api"
		c.Env = EnvProduction
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.syncday.me/api" {
		t.Errorf("BaseURL = %q, want override", cfg.API.BaseURL)
	}
	if cfg.IsDevelopment() {
		t.Error("override of env ignored")
	}
}
