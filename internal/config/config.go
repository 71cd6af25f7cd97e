// Package config loads the server configuration. Values resolve in three
// layers: compiled-in defaults, then an optional YAML file, then environment
// variables. Environment always wins so containerized deployments can
// override a baked-in config file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Name is advertised to clients in the initialize result.
	Name string `yaml:"name" env:"MCPD_SERVER_NAME"`
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" env:"MCPD_ADDR"`
	// PublicEndpoint is the externally visible URL of the MCP endpoint,
	// e.g. "https://api.example.com/mcp". Used for well-known metadata and
	// route registration.
	PublicEndpoint string `yaml:"public_endpoint" env:"MCPD_PUBLIC_ENDPOINT"`
	// RequestTimeout bounds individual JSON-RPC request handling.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"MCPD_REQUEST_TIMEOUT"`
}

// SessionsConfig selects and tunes the session backend.
type SessionsConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" env:"MCPD_SESSION_BACKEND"`
	// RedisAddr like "localhost:6379". Only used with the redis backend.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// KeyPrefix namespaces all redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"SESSIONS_KEY_PREFIX"`
	// TTL is the session idle lifetime.
	TTL time.Duration `yaml:"ttl" env:"MCPD_SESSION_TTL"`
	// SweepInterval controls how often expired sessions are reaped.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"MCPD_SESSION_SWEEP_INTERVAL"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	// Mode is "none" (development only) or "oidc".
	Mode string `yaml:"mode" env:"MCPD_AUTH_MODE"`
	// Issuer is the OIDC issuer URL. Required for mode "oidc".
	Issuer string `yaml:"issuer" env:"MCPD_AUTH_ISSUER"`
	// Audiences the access tokens must carry. Required for mode "oidc".
	Audiences []string `yaml:"audiences"`
	// JWKSURL overrides discovery of the signing keys.
	JWKSURL string `yaml:"jwks_url" env:"MCPD_AUTH_JWKS_URL"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"MCPD_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"MCPD_METRICS_ADDR"`
	Path    string `yaml:"path" env:"MCPD_METRICS_PATH"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level" env:"MCPD_LOG_LEVEL"`
	// Format is "json" or "text".
	Format string `yaml:"format" env:"MCPD_LOG_FORMAT"`
}

// FeaturesConfig toggles individual capability surfaces. A disabled surface
// is not advertised and its methods are not registered.
type FeaturesConfig struct {
	Tools     bool `yaml:"tools" env:"MCPD_FEATURE_TOOLS"`
	Resources bool `yaml:"resources" env:"MCPD_FEATURE_RESOURCES"`
	Prompts   bool `yaml:"prompts" env:"MCPD_FEATURE_PROMPTS"`
}

// ResourcesConfig exposes a directory tree as MCP resources.
type ResourcesConfig struct {
	// Dir, when set, is served read-only under the file:// scheme with
	// change notifications.
	Dir string `yaml:"dir" env:"MCPD_RESOURCES_DIR"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Features  FeaturesConfig  `yaml:"features"`
	Resources ResourcesConfig `yaml:"resources"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:           "mcpd",
			Addr:           ":8080",
			PublicEndpoint: "http://localhost:8080/mcp",
			RequestTimeout: 60 * time.Second,
		},
		Sessions: SessionsConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			KeyPrefix:     "mcp:sessions:",
			TTL:           time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Features: FeaturesConfig{
			Tools:     true,
			Resources: true,
			Prompts:   true,
		},
	}
}

// Load resolves the effective configuration. path may be empty, in which case
// only defaults and environment variables apply. A '~' prefix in path expands
// to the user's home directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if path[0] == '~' {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, errors.Wrap(err, "expand config path")
			}
			path = filepath.Join(home, path[1:])
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	// Environment overrides. envdecode only touches fields whose variable is
	// actually set, so file and default values survive.
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, errors.Wrap(err, "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case "memory", "redis":
	default:
		return errors.Newf("config: unknown session backend %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend == "redis" && c.Sessions.RedisAddr == "" {
		return errors.New("config: redis session backend requires redis_addr")
	}

	switch c.Auth.Mode {
	case "none":
	case "oidc":
		if c.Auth.Issuer == "" {
			return errors.New("config: oidc auth requires issuer")
		}
		if len(c.Auth.Audiences) == 0 {
			return errors.New("config: oidc auth requires at least one audience")
		}
	default:
		return errors.Newf("config: unknown auth mode %q", c.Auth.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.Newf("config: unknown log format %q", c.Logging.Format)
	}

	if c.Server.PublicEndpoint == "" {
		return errors.New("config: public_endpoint is required")
	}
	return nil
}
