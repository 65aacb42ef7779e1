// SPDX-License-Identifier: MIT

// Package config loads the orchestrator configuration from the environment.
// The deployment contract is env-only; there is no config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults for the documented deployment contract.
const (
	DefaultSessionTimeout = 4 * time.Hour
	DefaultStartupTimeout = 30 * time.Second
	DefaultAgentLogDir    = "/var/log/voice-agents"
	DefaultListenAddr     = ":8000"
	DefaultMetricsAddr    = ":9090"
)

// Config is the complete runtime configuration of the orchestrator.
type Config struct {
	// Room service (LiveKit-compatible).
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Backing stores.
	RedisURL    string
	DatabaseURL string

	// Agent contract.
	OrchestratorURL string // advertised to spawned agents for heartbeats
	AgentBin        string // agent executable, resolved via PATH if relative
	AgentLogDir     string

	// Timeouts (deployment contract expresses these in seconds).
	SessionTimeout time.Duration // reaper inactivity TTL; also session record TTL
	StartupTimeout time.Duration // readiness wait for a spawned agent

	// Spawner.
	SpawnWorkers int

	// HTTP.
	ListenAddr      string
	MetricsAddr     string
	MetricsEnabled  bool
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// Rate limiting (requests per minute per client IP).
	RateLimitEnabled bool
	RateLimitGlobal  int
	RateLimitStart   int // session-start admission; 0 disables

	// Logging.
	LogLevel  string
	LogFormat string

	// Tracing.
	TracingEnabled    bool
	TraceExporter     string
	TraceEndpoint     string
	TraceSamplingRate float64
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		LiveKitURL:       ParseString("LIVEKIT_URL", ""),
		LiveKitAPIKey:    ParseString("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: ParseString("LIVEKIT_API_SECRET", ""),

		RedisURL:    ParseString("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: ParseString("DATABASE_URL", ""),

		OrchestratorURL: ParseString("ORCHESTRATOR_URL", "http://localhost:8000"),
		AgentBin:        ParseString("AGENT_BIN", "agent"),
		AgentLogDir:     ParseString("AGENT_LOG_DIR", DefaultAgentLogDir),

		SessionTimeout: ParseSeconds("SESSION_TIMEOUT", DefaultSessionTimeout),
		StartupTimeout: ParseSeconds("BOT_STARTUP_TIMEOUT", DefaultStartupTimeout),

		SpawnWorkers: ParseInt("SPAWN_WORKERS", 4),

		ListenAddr:      ParseString("LISTEN_ADDR", DefaultListenAddr),
		MetricsAddr:     ParseString("METRICS_ADDR", DefaultMetricsAddr),
		MetricsEnabled:  ParseBool("METRICS_ENABLED", true),
		ShutdownTimeout: ParseDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		AllowedOrigins:  ParseList("CORS_ALLOWED_ORIGINS", nil),

		RateLimitEnabled: ParseBool("RATE_LIMIT_ENABLED", false),
		RateLimitGlobal:  ParseInt("RATE_LIMIT_GLOBAL", 120),
		RateLimitStart:   ParseInt("RATE_LIMIT_START", 10),

		LogLevel:  ParseString("LOG_LEVEL", "info"),
		LogFormat: ParseString("LOG_FORMAT", "json"),

		TracingEnabled:    ParseBool("TRACING_ENABLED", false),
		TraceExporter:     ParseString("OTEL_EXPORTER", "grpc"),
		TraceEndpoint:     ParseString("OTEL_ENDPOINT", "localhost:4317"),
		TraceSamplingRate: ParseFloat("TRACE_SAMPLING_RATE", 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required variables are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.LiveKitAPIKey == "" {
		errs = append(errs, errors.New("LIVEKIT_API_KEY is required"))
	}
	if c.LiveKitAPISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_API_SECRET is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BOT_STARTUP_TIMEOUT must be positive, got %s", c.StartupTimeout))
	}
	if c.SpawnWorkers < 1 {
		errs = append(errs, fmt.Errorf("SPAWN_WORKERS must be at least 1, got %d", c.SpawnWorkers))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if c.RateLimitEnabled && c.RateLimitGlobal < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_GLOBAL must be at least 1 when rate limiting is enabled, got %d", c.RateLimitGlobal))
	}
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLING_RATE must be in [0,1], got %v", c.TraceSamplingRate))
	}

	return errors.Join(errs...)
}

// LiveKitConfigured reports whether the room service credentials are set.
// Surfaced by the health endpoint.
func (c *Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// Redacted returns a loggable summary of the configuration with secrets masked.
func (c *Config) Redacted() map[string]string {
	return map[string]string{
		"livekit_url":      c.LiveKitURL,
		"livekit_api_key":  mask(c.LiveKitAPIKey),
		"redis_url":        maskURL(c.RedisURL),
		"database_url":     maskURL(c.DatabaseURL),
		"orchestrator_url": c.OrchestratorURL,
		"agent_bin":        c.AgentBin,
		"agent_log_dir":    c.AgentLogDir,
		"session_timeout":  c.SessionTimeout.String(),
		"startup_timeout":  c.StartupTimeout.String(),
		"spawn_workers":    fmt.Sprintf("%d", c.SpawnWorkers),
		"listen_addr":      c.ListenAddr,
		"metrics_addr":     c.MetricsAddr,
		"log_level":        c.LogLevel,
		"log_format":       c.LogFormat,
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL strips userinfo from connection URLs for safe logging.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	scheme := strings.Index(raw, "://")
	if scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "****" + raw[at:]
}
