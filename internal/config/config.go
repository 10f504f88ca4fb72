// Package config loads and validates the gateway's environment configuration.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-provided configuration surface. The three secrets
// are required; startup fails without them.
type Config struct {
	// APIKey is the shared secret checked on every non-initialize request.
	APIKey string `env:"MCP_API_KEY,required"`
	// UpstreamSessionToken authenticates start calls against the media API.
	UpstreamSessionToken string `env:"OMOTENASHI_SESSION_TOKEN,required"`
	// UpstreamBaseURL is the base URL of the media-generation API.
	UpstreamBaseURL string `env:"BASE_API_URL,required"`

	// Port the gateway listens on.
	Port int `env:"MCP_PORT,default=8001"`
	// PublicAssetBaseURL is the fixed base that relative artifact paths
	// returned by the status endpoint resolve against.
	PublicAssetBaseURL string `env:"PUBLIC_ASSET_BASE_URL,default=https://omotenashiqr.com/"`

	// EventStore selects the SSE replay backend: "memory" or "redis".
	EventStore string `env:"EVENT_STORE,default=memory"`
	// RedisAddr like "localhost:6379"; only consulted when EventStore is "redis".
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("BASE_API_URL must be an http(s) URL, got %q", c.UpstreamBaseURL)
	}
	if _, err := url.Parse(c.PublicAssetBaseURL); err != nil {
		return fmt.Errorf("PUBLIC_ASSET_BASE_URL invalid: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("MCP_PORT out of range: %d", c.Port)
	}
	switch strings.ToLower(c.EventStore) {
	case "memory", "redis":
	default:
		return fmt.Errorf("EVENT_STORE must be \"memory\" or \"redis\", got %q", c.EventStore)
	}
	return nil
}

// RedactedAPIKey returns a short prefix of the API key for startup logging.
func (c *Config) RedactedAPIKey() string {
	if len(c.APIKey) <= 10 {
		return "***"
	}
	return c.APIKey[:10] + "..."
}
