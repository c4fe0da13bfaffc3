package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENGRAM_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quality.Floor != 0.70 {
		t.Errorf("quality floor = %v, want 0.70", cfg.Quality.Floor)
	}
	if cfg.Search.RRFK != 60 || cfg.Search.OverFetch != 3 {
		t.Errorf("search defaults = %+v", cfg.Search)
	}
	if cfg.Inference.TemporalWindow().Hours() != 2 {
		t.Errorf("temporal window = %v, want 2h", cfg.Inference.TemporalWindow())
	}
	if cfg.Vector.Backend != "sqlite" {
		t.Errorf("vector backend = %q, want sqlite", cfg.Vector.Backend)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	yml := `
quality:
  floor: 0.5
  deny_tags: [wip, todo]
inference:
  fixes_threshold: 0.9
search:
  synonyms:
    db: [database, sqlite]
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGRAM_CONFIG", path)
	t.Setenv("QUALITY_FLOOR", "0.6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quality.Floor != 0.6 {
		t.Errorf("floor = %v, want env value 0.6", cfg.Quality.Floor)
	}
	if cfg.Inference.FixesThreshold != 0.9 {
		t.Errorf("fixes threshold = %v, want file value 0.9", cfg.Inference.FixesThreshold)
	}
	if strings.Join(cfg.Quality.DenyTags, ",") != "wip,todo" {
		t.Errorf("deny tags = %v", cfg.Quality.DenyTags)
	}
	if got := cfg.Search.Synonyms["db"]; len(got) != 2 {
		t.Errorf("synonyms = %v", cfg.Search.Synonyms)
	}
	// Untouched values keep their defaults.
	if cfg.Inference.RelatedThreshold != 0.75 {
		t.Errorf("related threshold = %v, want default", cfg.Inference.RelatedThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "PORT"},
		{"floor", func(c *Config) { c.Quality.Floor = 1.5 }, "QUALITY_FLOOR"},
		{"backend", func(c *Config) { c.Vector.Backend = "faiss" }, "VECTOR_BACKEND"},
		{"pgvector url", func(c *Config) { c.Vector.Backend = "pgvector" }, "POSTGRES_URL"},
		{"weights", func(c *Config) { c.Quality.WeightProject = 0.9 }, "quality weights"},
		{"provider", func(c *Config) { c.Embedding.Provider = "bert" }, "EMBEDDING_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
