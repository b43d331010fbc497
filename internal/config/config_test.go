package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("villa")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "villa" {
		t.Fatalf("expected project id villa, got %q", cfg.Project.ID)
	}
	if got := cfg.Queue.Debounce().Milliseconds(); got != 800 {
		t.Fatalf("expected 800ms debounce, got %d", got)
	}
	if cfg.Turn.MaxAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", cfg.Turn.MaxAttempts)
	}
	if _, ok := cfg.Chapter("wensen"); !ok {
		t.Fatalf("expected wensen chapter in catalog")
	}
}

func TestFromYAMLOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`project:
  id: p1
queue:
  debounce_ms: 500
  dedupe_ttl_seconds: 30
  rate_limit_seconds: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Queue.DebounceMS != 500 || cfg.Queue.RateLimitSeconds != 5 {
		t.Fatalf("queue overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Turn.AutoApplyConfidence != 0.95 {
		t.Fatalf("expected default thresholds kept, got %+v", cfg.Turn)
	}
	if len(cfg.Chapters) != 7 || len(cfg.Flow) != 7 {
		t.Fatalf("expected default catalog, got %d chapters / %d flow", len(cfg.Chapters), len(cfg.Flow))
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing project": `chapters: [{key: basis}]`,
		"bad field type": `project: {id: p}
chapters:
  - key: basis
    fields: [{id: x, type: blob}]`,
		"enum without values": `project: {id: p}
chapters:
  - key: basis
    fields: [{id: x, type: enum}]`,
		"unknown flow chapter": `project: {id: p}
chapters: [{key: basis}]
flow: [basis, nope]`,
		"inverted thresholds": `project: {id: p}
turn: {auto_apply_confidence: 0.6, pending_confidence: 0.7, min_confidence: 0.5, max_attempts: 2}`,
		"bad provider": `project: {id: p}
llm: {provider: magic}`,
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "fallback")
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Project.ID != "fallback" {
		t.Fatalf("expected default config for fallback, got %q", cfg.Project.ID)
	}
	if err := os.WriteFile(filepath.Join(dir, "pve.yml"), []byte(GenerateDefault("from-file")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "from-file" {
		t.Fatalf("expected from-file, got %q", cfg.Project.ID)
	}
}
