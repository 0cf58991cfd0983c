// Package config loads the gateway's runtime configuration from
// environment variables, with an optional YAML file supplying defaults
// that the environment may still override.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// GatewayConfig is every tunable the gateway reads at startup. Field
// names match spec.md §6 exactly; env tags are the authoritative
// source, yaml tags let an overlay file supply the same values.
type GatewayConfig struct {
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"3000" yaml:"httpPort"`
	ControlPort int    `env:"CONTROL_PORT" envDefault:"3001" yaml:"controlPort"`
	BindHost    string `env:"BIND_HOST" envDefault:"0.0.0.0" yaml:"bindHost"`

	PublicDomain    string `env:"PUBLIC_DOMAIN,required" yaml:"publicDomain"`
	PublicScheme    string `env:"PUBLIC_SCHEME" envDefault:"http" yaml:"publicScheme"`
	DashboardOrigin string `env:"DASHBOARD_ORIGIN" yaml:"dashboardOrigin"`

	MaxBodyBytes        int64 `env:"MAX_BODY_BYTES" envDefault:"10485760" yaml:"maxBodyBytes"`
	MaxStoredExchanges  int   `env:"MAX_STORED_EXCHANGES" envDefault:"1000" yaml:"maxStoredExchanges"`
	RetentionMinutes    int   `env:"RETENTION_MINUTES" envDefault:"60" yaml:"retentionMinutes"`
	HeartbeatSeconds    int   `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30" yaml:"heartbeatIntervalSeconds"`
	RequestTimeoutSecs  int   `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30" yaml:"requestTimeoutSeconds"`
	ChannelTunnelCap    int   `env:"CHANNEL_TUNNEL_CAP" envDefault:"10" yaml:"channelTunnelCap"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50" yaml:"rateLimitRPS"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100" yaml:"rateLimitBurst"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"logLevel"`
	LogFile  string `env:"LOG_FILE" yaml:"logFile"`

	// ConfigFile, when set, is read as a YAML overlay before the
	// environment is applied (so env vars still win on conflict). Not
	// itself an env-parsed field beyond the path.
	ConfigFile string `env:"GATEWAY_CONFIG_FILE" yaml:"-"`
}

// Load reads GATEWAY_CONFIG_FILE (if set) as a YAML overlay, then
// parses environment variables over it, so the environment always has
// the final word.
func Load() (*GatewayConfig, error) {
	cfg := &GatewayConfig{}

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		if err := loadYAMLOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLOverlay(cfg *GatewayConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse overlay file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations that would make the gateway
// unreachable or misconfigured in an obvious way.
func (c *GatewayConfig) Validate() error {
	if c.PublicDomain == "" {
		return fmt.Errorf("config: PUBLIC_DOMAIN is required")
	}
	if c.PublicScheme != "http" && c.PublicScheme != "https" {
		return fmt.Errorf("config: PUBLIC_SCHEME must be http or https, got %q", c.PublicScheme)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_BODY_BYTES must be positive")
	}
	if c.MaxStoredExchanges <= 0 {
		return fmt.Errorf("config: MAX_STORED_EXCHANGES must be positive")
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("config: HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT_SECONDS must be positive")
	}
	return nil
}
