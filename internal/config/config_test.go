package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Escalation.RejectionThreshold != 2 {
		t.Fatalf("threshold = %d, want 2", cfg.Escalation.RejectionThreshold)
	}
	if cfg.Conflict.Window != 5*time.Minute {
		t.Fatalf("window = %s, want 5m", cfg.Conflict.Window)
	}
	if cfg.Escalation.ReminderInterval != 4*time.Hour {
		t.Fatalf("reminder = %s", cfg.Escalation.ReminderInterval)
	}
	if !cfg.Conflict.FlagsUnclassified() {
		t.Fatalf("expected unclassified overlaps to be flagged by default")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
escalation:
  expiry_hours: 24
conflict:
  flag_unclassified_overlap: false
webhooks:
  - url: https://hooks.example.test/fa
    events: [escalation.created]
    rate_per_second: 2
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Escalation.Expiry() != 24*time.Hour {
		t.Fatalf("expiry = %s", cfg.Escalation.Expiry())
	}
	if cfg.Escalation.RejectionThreshold != 2 {
		t.Fatalf("threshold lost its default")
	}
	if cfg.Conflict.FlagsUnclassified() {
		t.Fatalf("flag should be disabled")
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].RatePerSecond != 2 {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"threshold": "escalation:\n  rejection_threshold: 0\n",
		"window":    "conflict:\n  window: 0s\n",
		"webhook":   "webhooks:\n  - url: \"\"\n",
		"base path": "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fieldaudit.yml"), []byte("conflict:\n  distance_meters: 250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Conflict.DistanceMeters != 250 {
		t.Fatalf("distance = %v", cfg.Conflict.DistanceMeters)
	}
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
