// Package config provides centralized configuration management for the
// application. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Upload   UploadConfig
	Pipeline PipelineConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// UploadConfig holds event log upload settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// Timeout is the maximum duration for processing a single batch (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`
}

// PipelineConfig holds event pipeline settings.
type PipelineConfig struct {
	// MaxRows caps the data rows per upload; 0 disables the cap (default: 500000)
	MaxRows int `env:"PIPELINE_MAX_ROWS" default:"500000"`

	// RulesFile is the path to a YAML pipeline definition. Empty selects the
	// built-in access-event schema and rules.
	RulesFile string `env:"PIPELINE_RULES_FILE"`

	// HighDenialRatio flags a batch whose denial share exceeds it (default: 0.25)
	HighDenialRatio float64 `env:"PIPELINE_HIGH_DENIAL_RATIO" default:"0.25"`

	// HighUnclassifiedRatio flags a batch whose unclassified share exceeds it (default: 0.10)
	HighUnclassifiedRatio float64 `env:"PIPELINE_HIGH_UNCLASSIFIED_RATIO" default:"0.10"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for the batch endpoint (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
