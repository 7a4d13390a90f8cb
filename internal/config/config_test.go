package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLOUD_API_ENDPOINT", "https://api.example.com")
	t.Setenv("POLL_INTERVAL_MS", "")
	t.Setenv("DATABASE_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("poll interval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Fatalf("reconcile interval = %v, want %v", cfg.ReconcileInterval, DefaultReconcileInterval)
	}
	if cfg.DatabasePath != DefaultDatabasePath {
		t.Fatalf("database path = %q, want %q", cfg.DatabasePath, DefaultDatabasePath)
	}
}

func TestLoadMillisecondOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "5000")
	t.Setenv("REPORT_INTERVAL_MS", "2500")
	t.Setenv("RECONCILE_INTERVAL_MS", "15000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.ReportInterval != 2500*time.Millisecond {
		t.Fatalf("report interval = %v, want 2.5s", cfg.ReportInterval)
	}
	if cfg.ReconcileInterval != 15*time.Second {
		t.Fatalf("reconcile interval = %v, want 15s", cfg.ReconcileInterval)
	}
}

func TestGetEnvDurationMSIgnoresGarbage(t *testing.T) {
	t.Setenv("METRICS_INTERVAL_MS", "not-a-number")
	if got := GetEnvDurationMS("METRICS_INTERVAL_MS", DefaultMetricsInterval); got != DefaultMetricsInterval {
		t.Fatalf("got %v, want default %v", got, DefaultMetricsInterval)
	}

	t.Setenv("METRICS_INTERVAL_MS", "-100")
	if got := GetEnvDurationMS("METRICS_INTERVAL_MS", DefaultMetricsInterval); got != DefaultMetricsInterval {
		t.Fatalf("got %v, want default %v", got, DefaultMetricsInterval)
	}
}
