package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.SchedulerTimeSliceMs != want.SchedulerTimeSliceMs ||
		cfg.SchedulerStrategy != want.SchedulerStrategy ||
		cfg.DefaultQueueCapacity != want.DefaultQueueCapacity ||
		cfg.ErrorStoreCapacity != want.ErrorStoreCapacity ||
		cfg.DeadLetterCapacity != want.DeadLetterCapacity {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	contents := `
scheduler:
  timeSliceMs: 25
  strategy: weighted
defaultQueueCapacity: 2048
debug: true
log:
  enabled: true
  subLoggers:
    kernel:
      level: debug
      output: stdout
http:
  enabled: true
  listenAddress: ":9090"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerTimeSliceMs != 25 {
		t.Errorf("SchedulerTimeSliceMs = %d, want 25", cfg.SchedulerTimeSliceMs)
	}
	if cfg.SchedulerStrategy != "weighted" {
		t.Errorf("SchedulerStrategy = %q, want weighted", cfg.SchedulerStrategy)
	}
	if cfg.DefaultQueueCapacity != 2048 {
		t.Errorf("DefaultQueueCapacity = %d, want 2048", cfg.DefaultQueueCapacity)
	}
	if !cfg.Debug {
		t.Error("expected Debug true")
	}
	sub, ok := cfg.Logging.SubLoggers["kernel"]
	if !ok || sub.Level != "debug" {
		t.Errorf("expected kernel sub-logger at debug level, got %+v", cfg.Logging.SubLoggers)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.ListenAddress != ":9090" {
		t.Errorf("unexpected HTTP config: %+v", cfg.HTTP)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load("/nonexistent/path/kernel.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsZeroTimeSlice(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.SchedulerTimeSliceMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsEmptyStrategy(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.SchedulerStrategy = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
