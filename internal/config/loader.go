package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Environment variables that override the config file. The VITE_ names are kept
// so existing front-end .env files work unchanged.
const (
	EnvGitHubClientID    = "VITE_GITHUB_CLIENT_ID"
	EnvGitHubRedirectURI = "VITE_GITHUB_REDIRECT_URI"
	EnvAPIBaseURL        = "VITE_API_BASE_URL"
	EnvGitHubAppID       = "VITE_GITHUB_APP_ID"
	EnvEnvironment       = "SYNCDAY_ENV"
	EnvSessionSecret     = "SESSION_SECRET"
)

// requiredVars are enforced in development, in this order
var requiredVars = []string{EnvGitHubClientID, EnvGitHubRedirectURI, EnvAPIBaseURL}

// DefaultConfigPaths defines the default locations to search for configuration files
var DefaultConfigPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./configs/syncday.yaml",
	"./configs/syncday.yml",
	"./configs/development.yaml",
	"/etc/syncday/config.yaml",
	"/etc/syncday/config.yml",
}

// expandEnvVars expands environment variables in the format ${VAR} or $VAR
func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Load loads the configuration from the specified file or default locations,
// applies environment overrides, then any caller overrides (CLI flags and
// contexts), and validates the result
func Load(configPath string, overrides ...func(*Config)) (*Config, error) {
	config := Default()

	if configPath == "" {
		configPath = findConfigFile()
	}

	if configPath != "" && fileExists(configPath) {
		slog.Debug("loading config", slog.String("path", configPath))
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		data = expandEnvVars(data)

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if configPath != "" {
		return nil, fmt.Errorf("config file %s not found", configPath)
	}

	applyEnv(config, os.Getenv)
	for _, override := range overrides {
		override(config)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv lets environment variables take precedence over the file
func applyEnv(config *Config, getenv func(string) string) {
	if v := getenv(EnvEnvironment); v != "" {
		config.Env = strings.ToLower(v)
	}
	if v := getenv(EnvAPIBaseURL); v != "" {
		config.API.BaseURL = v
	}
	if v := getenv(EnvGitHubClientID); v != "" {
		config.GitHub.ClientID = v
	}
	if v := getenv(EnvGitHubRedirectURI); v != "" {
		config.GitHub.RedirectURI = v
	}
	if v := getenv(EnvGitHubAppID); v != "" {
		config.GitHub.AppSlug = v
	}
	if v := getenv(EnvSessionSecret); v != "" {
		config.Session.Secret = v
	}
}

// findConfigFile searches for a configuration file in default locations
func findConfigFile() string {
	for _, path := range DefaultConfigPaths {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// validate performs basic validation on the configuration
func validate(config *Config) error {
	if config.IsDevelopment() {
		values := map[string]string{
			EnvGitHubClientID:    config.GitHub.ClientID,
			EnvGitHubRedirectURI: config.GitHub.RedirectURI,
			EnvAPIBaseURL:        config.API.BaseURL,
		}
		for _, name := range requiredVars {
			if values[name] == "" {
				return fmt.Errorf("missing required environment variable: %s", name)
			}
		}
	}

	if config.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if !strings.HasPrefix(config.API.BaseURL, "http://") && !strings.HasPrefix(config.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", config.API.BaseURL)
	}

	switch config.API.RefreshMode {
	case RefreshModeEndpoint, RefreshModeReplay:
	default:
		return fmt.Errorf("api.refresh_mode must be %q or %q", RefreshModeEndpoint, RefreshModeReplay)
	}

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if !strings.HasPrefix(config.Session.LoginPath, "/") || !strings.HasPrefix(config.Session.HomePath, "/") {
		return fmt.Errorf("session.login_path and session.home_path must be absolute paths")
	}

	if config.GitHub.CacheTTL <= 0 {
		return fmt.Errorf("github.cache_ttl must be positive")
	}

	return nil
}
