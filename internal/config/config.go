// Package config provides environment-aware configuration for the agent.
//
// All configuration is resolved once at boot and passed explicitly to
// components; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	// Cloud
	CloudAPIEndpoint string
	ProvisioningKey  string
	DeviceName       string
	DeviceType       string

	// Intervals
	PollInterval      time.Duration
	ReportInterval    time.Duration
	MetricsInterval   time.Duration
	ReconcileInterval time.Duration
	RequestTimeout    time.Duration

	// Storage
	DatabasePath string

	// Container runtime
	RuntimeSocket string

	// Local control API
	ListenAddr    string
	LocalAPIToken string

	// Logging
	LogLevel  string
	LogFormat string
}

// Defaults mirror the protocol contract: a device that boots with nothing but
// an endpoint and a key behaves correctly.
const (
	DefaultPollInterval      = 60 * time.Second
	DefaultReportInterval    = 10 * time.Second
	DefaultMetricsInterval   = 300 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultDatabasePath      = "/var/lib/fleetd/fleetd.db"
	DefaultRuntimeSocket     = "unix:///var/run/docker.sock"
	DefaultListenAddr        = "127.0.0.1:48484"
)

// Load builds a Config from the environment. A .env file in the working
// directory is honoured when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CloudAPIEndpoint:  GetEnv("CLOUD_API_ENDPOINT", ""),
		ProvisioningKey:   GetEnv("PROVISIONING_KEY", ""),
		DeviceName:        GetEnv("DEVICE_NAME", hostnameOr("edge-device")),
		DeviceType:        GetEnv("DEVICE_TYPE", "generic-edge"),
		PollInterval:      GetEnvDurationMS("POLL_INTERVAL_MS", DefaultPollInterval),
		ReportInterval:    GetEnvDurationMS("REPORT_INTERVAL_MS", DefaultReportInterval),
		MetricsInterval:   GetEnvDurationMS("METRICS_INTERVAL_MS", DefaultMetricsInterval),
		ReconcileInterval: GetEnvDurationMS("RECONCILE_INTERVAL_MS", DefaultReconcileInterval),
		RequestTimeout:    GetEnvDurationMS("REQUEST_TIMEOUT_MS", DefaultRequestTimeout),
		DatabasePath:      GetEnv("DATABASE_PATH", DefaultDatabasePath),
		RuntimeSocket:     GetEnv("RUNTIME_SOCKET", DefaultRuntimeSocket),
		ListenAddr:        GetEnv("LISTEN_ADDR", DefaultListenAddr),
		LocalAPIToken:     GetEnv("LOCAL_API_TOKEN", ""),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		LogFormat:         GetEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work at all. A missing cloud
// endpoint is allowed: an already-provisioned device keeps the endpoint it
// registered with.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 || c.ReportInterval <= 0 || c.MetricsInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if strings.TrimSpace(c.RuntimeSocket) == "" {
		return fmt.Errorf("RUNTIME_SOCKET is required")
	}
	return nil
}

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDurationMS reads a millisecond-valued environment variable.
func GetEnvDurationMS(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(val)
	if err != nil || ms <= 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
