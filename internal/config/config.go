package config

import "time"

// Config represents the syncday client configuration shared by the CLI and the web gateway
type Config struct {
	Env     string        `yaml:"env"`
	API     APIConfig     `yaml:"api"`
	GitHub  GitHubConfig  `yaml:"github"`
	Session SessionConfig `yaml:"session"`
	Server  HTTPServer    `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds backend API connection settings
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RefreshMode string        `yaml:"refresh_mode"` // "endpoint" or "replay"
	// TokenHeader is the response header the backend uses to hand out a rotated access token
	TokenHeader string `yaml:"token_header"`
	// RefreshTokenHeader carries the refresh token in both directions
	RefreshTokenHeader string `yaml:"refresh_token_header"`
}

// GitHubConfig holds GitHub OAuth and App settings
type GitHubConfig struct {
	ClientID    string        `yaml:"client_id"`
	RedirectURI string        `yaml:"redirect_uri"`
	AppSlug     string        `yaml:"app_slug"`
	Scopes      []string      `yaml:"scopes"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheFile   string        `yaml:"cache_file"`
}

// SessionConfig holds session storage and navigation settings
type SessionConfig struct {
	File      string        `yaml:"file"`   // CLI session storage
	Secret    string        `yaml:"secret"` // web cookie secret, base64
	IdleTTL   time.Duration `yaml:"idle_ttl"`
	LoginPath string        `yaml:"login_path"`
	HomePath  string        `yaml:"home_path"`
}

// HTTPServer holds web gateway listen configuration
type HTTPServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	RefreshModeEndpoint = "endpoint"
	RefreshModeReplay   = "replay"
)

// IsDevelopment reports whether required settings should be enforced at startup
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == EnvDevelopment || c.Env == "dev"
}

// Default returns the configuration used when no file and no environment overrides exist
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		API: APIConfig{
			Timeout:            15 * time.Second,
			RefreshMode:        RefreshModeEndpoint,
			TokenHeader:        "Authorization",
			RefreshTokenHeader: "Refresh-Token",
		},
		GitHub: GitHubConfig{
			Scopes:   []string{"read:user", "read:repo", "read:org"},
			CacheTTL: 5 * time.Minute,
		},
		Session: SessionConfig{
			IdleTTL:   24 * time.Hour,
			LoginPath: "/login",
			HomePath:  "/",
		},
		Server: HTTPServer{
			Host: "localhost",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
