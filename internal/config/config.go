package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	Server  ServerConfig  `koanf:"server"`
	Session SessionConfig `koanf:"session"`
	Limits  LimitsConfig  `koanf:"limits"`
	Traffic TrafficConfig `koanf:"traffic"`
}

type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type SessionConfig struct {
	CodeLength         int   `koanf:"code_length"`
	LocationIntervalMs int   `koanf:"location_interval_ms"`
	TTLMs              int64 `koanf:"ttl_ms"`
	HostResumeGraceMs  int64 `koanf:"host_resume_grace_ms"`
}

type LimitsConfig struct {
	MaxClientRoutes int `koanf:"max_client_routes"`
	MaxRoutePoints  int `koanf:"max_route_points"`
}

type TrafficConfig struct {
	WindowSeconds int `koanf:"window_seconds"`
}

// Listen returns the HTTP listen address derived from the configured port.
func (c *Config) Listen() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Load reads configuration in three layers: built-in defaults, an optional
// YAML file, the MISSION_RELAY_SECTION__KEY environment overlay, and finally
// the flat legacy variables (SERVER_PORT, SESSION_TTL_MS, ...) that deployed
// clients already set.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MISSION_RELAY_SESSION__TTL_MS → session.ttl_ms
	if err := k.Load(env.Provider("MISSION_RELAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MISSION_RELAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Server: ServerConfig{
			Port: 4000,
		},
		Session: SessionConfig{
			CodeLength:         6,
			LocationIntervalMs: 10000,
			TTLMs:              6 * 60 * 60 * 1000,
			HostResumeGraceMs:  15 * 60 * 1000,
		},
		Limits: LimitsConfig{
			MaxClientRoutes: 8,
			MaxRoutePoints:  80,
		},
		Traffic: TrafficConfig{
			WindowSeconds: 900,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLegacyEnv honors the flat environment variables of the original
// deployment. They win over both YAML and the prefixed overlay. SERVER_PORT
// falls back to MISSION_SERVER_PORT.
func applyLegacyEnv(cfg *Config) {
	if v, ok := intEnv("SERVER_PORT"); ok {
		cfg.Server.Port = v
	} else if v, ok := intEnv("MISSION_SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := intEnv("SESSION_CODE_LENGTH"); ok {
		cfg.Session.CodeLength = v
	}
	if v, ok := intEnv("LOCATION_INTERVAL_MS"); ok {
		cfg.Session.LocationIntervalMs = v
	}
	if v, ok := intEnv("MAX_CLIENT_ROUTES"); ok {
		cfg.Limits.MaxClientRoutes = v
	}
	if v, ok := intEnv("MAX_ROUTE_POINTS"); ok {
		cfg.Limits.MaxRoutePoints = v
	}
	if v, ok := intEnv("TRAFFIC_WINDOW_S"); ok {
		cfg.Traffic.WindowSeconds = v
	}
	if v, ok := int64Env("SESSION_TTL_MS"); ok {
		cfg.Session.TTLMs = v
	}
	if v, ok := int64Env("HOST_RESUME_GRACE_MS"); ok {
		cfg.Session.HostResumeGraceMs = v
	}
}

func intEnv(name string) (int, bool) {
	v, ok := int64Env(name)
	return int(v), ok
}

func int64Env(name string) (int64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be in (0, 65535] (got %d)", c.Server.Port)
	}
	if c.Session.CodeLength <= 0 {
		return fmt.Errorf("config: session.code_length must be > 0 (got %d)", c.Session.CodeLength)
	}
	if c.Session.LocationIntervalMs <= 0 {
		return fmt.Errorf("config: session.location_interval_ms must be > 0 (got %d)", c.Session.LocationIntervalMs)
	}
	if c.Session.TTLMs <= 0 {
		return fmt.Errorf("config: session.ttl_ms must be > 0 (got %d)", c.Session.TTLMs)
	}
	if c.Session.HostResumeGraceMs <= 0 {
		return fmt.Errorf("config: session.host_resume_grace_ms must be > 0 (got %d)", c.Session.HostResumeGraceMs)
	}
	if c.Limits.MaxClientRoutes <= 0 {
		return fmt.Errorf("config: limits.max_client_routes must be > 0 (got %d)", c.Limits.MaxClientRoutes)
	}
	if c.Limits.MaxRoutePoints <= 0 {
		return fmt.Errorf("config: limits.max_route_points must be > 0 (got %d)", c.Limits.MaxRoutePoints)
	}
	if c.Traffic.WindowSeconds <= 0 {
		return fmt.Errorf("config: traffic.window_seconds must be > 0 (got %d)", c.Traffic.WindowSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
