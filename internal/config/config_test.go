package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Listen != "127.0.0.1:8870" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.DBPath != "/var/lib/sessiond/sessiond.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.RetentionHours != 24 {
		t.Fatalf("RetentionHours = %d", cfg.RetentionHours)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
data_dir: ` + dir + `
listen: "127.0.0.1:9000"
metrics_listen: "127.0.0.1:9001"
cleanup_interval_seconds: 60
retention_hours: 48
max_total_cpu: 32
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.MetricsListen != "127.0.0.1:9001" {
		t.Fatalf("MetricsListen = %q", cfg.MetricsListen)
	}
	if cfg.CleanupInterval() != time.Minute {
		t.Fatalf("CleanupInterval = %s", cfg.CleanupInterval())
	}
	if cfg.Retention() != 48*time.Hour {
		t.Fatalf("Retention = %s", cfg.Retention())
	}
	if cfg.MaxTotalCPU != 32 {
		t.Fatalf("MaxTotalCPU = %v", cfg.MaxTotalCPU)
	}
	// DB and snapshot paths derive from the overridden data dir.
	if cfg.DBPath != filepath.Join(dir, "sessiond.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SnapshotDir != filepath.Join(dir, "snapshots") {
		t.Fatalf("SnapshotDir = %q", cfg.SnapshotDir)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateRejectsBadListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "not-a-hostport"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid listen address")
	}
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoScaleIntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero autoscale interval")
	}
}
