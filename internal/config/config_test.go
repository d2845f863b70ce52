package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreSane(t *testing.T) {
	cfg := Default()
	if cfg.MinSendGap() != 2*time.Second {
		t.Fatalf("min gap = %v", cfg.MinSendGap())
	}
	if got := cfg.ResendBackoff(); len(got) != 3 || got[0] != 4*time.Second || got[2] != 16*time.Second {
		t.Fatalf("backoff = %v", got)
	}
	if cfg.Scheduler.MaxQueueDepth != 256 {
		t.Fatalf("depth = %d", cfg.Scheduler.MaxQueueDepth)
	}
	if cfg.NodeMaxAge() != 7*24*time.Hour {
		t.Fatalf("node max age = %v", cfg.NodeMaxAge())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestMinSendGapFloorClamp(t *testing.T) {
	cfg := Default()
	cfg.Pacing.MinSendGapMS = 10
	if cfg.MinSendGap() != MinSendGapFloor {
		t.Fatalf("gap not clamped: %v", cfg.MinSendGap())
	}
}

func TestBackoffSanitization(t *testing.T) {
	cfg := Default()
	cfg.Pacing.ResendBackoffS = []int{-3, 0, 2, 5}
	if got := cfg.ResendBackoff(); len(got) != 2 || got[0] != 2*time.Second || got[1] != 5*time.Second {
		t.Fatalf("backoff = %v", got)
	}
	cfg.Pacing.ResendBackoffS = []int{0, -1}
	if got := cfg.ResendBackoff(); len(got) != 3 || got[0] != 4*time.Second {
		t.Fatalf("all-invalid backoff must fall back to default, got %v", got)
	}
}

func TestBroadcastDelayNeverBelowCompositeGap(t *testing.T) {
	cfg := Default()
	cfg.Pacing.BroadcastDelayMS = 100
	want := cfg.MinSendGap() + cfg.PostDirectBroadcastGap()
	if cfg.BroadcastDelay() != want {
		t.Fatalf("broadcast delay = %v, want composite %v", cfg.BroadcastDelay(), want)
	}
}

func TestLoadRejectsUnknownFraming(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[device]\nframing = \"morse\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected framing validation error")
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Device.Framing != "length-prefix" || cfg.Device.Port == "" {
		t.Fatalf("template config unexpected: %+v", cfg.Device)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
}
