package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenStaticFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Thresholds.VectorSim != 0.85 {
		t.Fatalf("expected default vector_sim 0.85, got %v", cfg.Thresholds.VectorSim)
	}
	if cfg.Heat.DefaultHeat != 0.5 {
		t.Fatalf("expected default heat 0.5, got %v", cfg.Heat.DefaultHeat)
	}
	if cfg.Schedule.GlobalMerge == "" {
		t.Fatal("expected a default global merge schedule")
	}
}

func TestLoadReadsStaticYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
heat:
  default_heat: 0.4
  platform_weights:
    weibo: 1.2
    hupu: 0.8
thresholds:
  vector_sim: 0.9
  merge_conf: 0.7
schedule:
  global_merge: "0 1 * * *"
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write static file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Heat.DefaultHeat != 0.4 {
		t.Fatalf("expected default_heat 0.4, got %v", cfg.Heat.DefaultHeat)
	}
	if cfg.Heat.PlatformWeights["weibo"] != 1.2 {
		t.Fatalf("expected weibo weight 1.2, got %v", cfg.Heat.PlatformWeights["weibo"])
	}
	if cfg.Thresholds.VectorSim != 0.9 {
		t.Fatalf("expected vector_sim 0.9, got %v", cfg.Thresholds.VectorSim)
	}
	// untouched threshold still gets its default
	if cfg.Thresholds.Jaccard != 0.6 {
		t.Fatalf("expected default jaccard 0.6, got %v", cfg.Thresholds.Jaccard)
	}
	if cfg.Schedule.GlobalMerge != "0 1 * * *" {
		t.Fatalf("expected overridden global merge schedule, got %q", cfg.Schedule.GlobalMerge)
	}
}
