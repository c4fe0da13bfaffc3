package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Writer    WriterConfig    `yaml:"writer"`
	Quality   QualityConfig   `yaml:"quality"`
	Search    SearchConfig    `yaml:"search"`
	Inference InferenceConfig `yaml:"inference"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Schedule  ScheduleConfig  `yaml:"schedule"`

	// MCP adapter
	ServerURL string `yaml:"server_url"`
}

type EmbeddingConfig struct {
	// Provider is one of ollama, openai or hash.
	Provider      string `yaml:"provider"`
	OllamaBaseURL string `yaml:"ollama_base_url"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	Model         string `yaml:"model"`
	Dim           int    `yaml:"dim"`
	// CacheEntries bounds the in-process hot cache in front of SQLite.
	CacheEntries int64 `yaml:"cache_entries"`
}

type VectorConfig struct {
	// Backend is one of sqlite, qdrant, chromem or pgvector.
	Backend     string `yaml:"backend"`
	QdrantURL   string `yaml:"qdrant_url"`
	Collection  string `yaml:"collection"`
	PostgresURL string `yaml:"postgres_url"`
}

type WriterConfig struct {
	Retries        int `yaml:"retries"`
	InitialBackoff int `yaml:"initial_backoff_ms"`
	RepairBatch    int `yaml:"repair_batch"`
}

type QualityConfig struct {
	MinContentLength  int      `yaml:"min_content_length"`
	MinWords          int      `yaml:"min_words"`
	MinTags           int      `yaml:"min_tags"`
	DenyTags          []string `yaml:"deny_tags"`
	ContentSaturation int      `yaml:"content_saturation"`
	Floor             float64  `yaml:"floor"`
	WeightLength      float64  `yaml:"weight_length"`
	WeightTags        float64  `yaml:"weight_tags"`
	WeightFields      float64  `yaml:"weight_fields"`
	WeightProject     float64  `yaml:"weight_project"`
}

type SearchConfig struct {
	RRFK          float64 `yaml:"rrf_k"`
	OverFetch     int     `yaml:"over_fetch"`
	DefaultLimit  int     `yaml:"default_limit"`
	MaxLimit      int     `yaml:"max_limit"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
	// Synonyms maps a vocabulary term to interchangeable terms.
	Synonyms map[string][]string `yaml:"synonyms"`
}

type InferenceConfig struct {
	FixesThreshold      float64 `yaml:"fixes_threshold"`
	RelatedThreshold    float64 `yaml:"related_threshold"`
	RelatedTopN         int     `yaml:"related_top_n"`
	TemporalWindowMin   int     `yaml:"temporal_window_minutes"`
	CausalThreshold     float64 `yaml:"causal_threshold"`
	BatchSize           int     `yaml:"batch_size"`
	DefaultLookbackHour int     `yaml:"default_lookback_hours"`
}

// TemporalWindow is the follows-edge window as a duration.
func (c InferenceConfig) TemporalWindow() time.Duration {
	return time.Duration(c.TemporalWindowMin) * time.Minute
}

// DefaultLookback is the lookback used by scheduled inference runs.
func (c InferenceConfig) DefaultLookback() time.Duration {
	return time.Duration(c.DefaultLookbackHour) * time.Hour
}

type LifecycleConfig struct {
	ArchiveThreshold float64 `yaml:"archive_threshold"`
	MaxArchive       int     `yaml:"max_archive"`
	AccessCap        float64 `yaml:"access_cap"`
	RecencyCap       float64 `yaml:"recency_cap"`
	RelationshipCap  float64 `yaml:"relationship_cap"`
	ImportanceCap    float64 `yaml:"importance_cap"`
	// AccessSaturation is the access count that earns the full access score.
	AccessSaturation int `yaml:"access_saturation"`
	// RecencyHorizonDays is how long until the recency score reaches zero.
	RecencyHorizonDays int `yaml:"recency_horizon_days"`
	// EdgeSaturation is the edge count that earns the full relationship score.
	EdgeSaturation int `yaml:"edge_saturation"`

	ImportanceBatch int                `yaml:"importance_batch"`
	BaseWeights     map[string]float64 `yaml:"base_weights"`
	CoAccessStep    float64            `yaml:"co_access_step"`
	CoAccessCap     float64            `yaml:"co_access_cap"`

	ConsolidateOlderThanDays int     `yaml:"consolidate_older_than_days"`
	SimilarityFloor          float64 `yaml:"similarity_floor"`
	ConsolidateBatch         int     `yaml:"consolidate_batch"`
	ConsolidateNeighbours    int     `yaml:"consolidate_neighbours"`
}

type ScheduleConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Importance  string `yaml:"importance"`
	Archive     string `yaml:"archive"`
	Consolidate string `yaml:"consolidate"`
	Infer       string `yaml:"infer"`
	Reconcile   string `yaml:"reconcile"`
	// JobTimeoutMin bounds a single run and its lease.
	JobTimeoutMin int `yaml:"job_timeout_minutes"`
}

// JobTimeout is the per-run deadline.
func (c ScheduleConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMin) * time.Minute
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     8741,
		DBPath:   "/data/engram.db",
		LogLevel: "info",
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			OllamaBaseURL: "http://localhost:11434",
			Model:         "nomic-embed-text",
			Dim:           768,
			CacheEntries:  10000,
		},
		Vector: VectorConfig{
			Backend:    "sqlite",
			QdrantURL:  "http://localhost:6333",
			Collection: "engram_records",
		},
		Writer: WriterConfig{
			Retries:        3,
			InitialBackoff: 100,
			RepairBatch:    100,
		},
		Quality: QualityConfig{
			MinContentLength:  50,
			MinWords:          10,
			MinTags:           3,
			DenyTags:          []string{"bug", "fix", "misc", "temp", "test"},
			ContentSaturation: 200,
			Floor:             0.70,
			WeightLength:      0.30,
			WeightTags:        0.25,
			WeightFields:      0.25,
			WeightProject:     0.20,
		},
		Search: SearchConfig{
			RRFK:          60,
			OverFetch:     3,
			DefaultLimit:  10,
			MaxLimit:      100,
			LexicalWeight: 1.0,
			VectorWeight:  1.0,
		},
		Inference: InferenceConfig{
			FixesThreshold:      0.85,
			RelatedThreshold:    0.75,
			RelatedTopN:         5,
			TemporalWindowMin:   120,
			CausalThreshold:     0.80,
			BatchSize:           200,
			DefaultLookbackHour: 24 * 7,
		},
		Lifecycle: LifecycleConfig{
			ArchiveThreshold:   0.30,
			MaxArchive:         100,
			AccessCap:          0.3,
			RecencyCap:         0.3,
			RelationshipCap:    0.2,
			ImportanceCap:      0.2,
			AccessSaturation:   10,
			RecencyHorizonDays: 90,
			EdgeSaturation:     5,
			ImportanceBatch:    500,
			BaseWeights: map[string]float64{
				"decision":       0.6,
				"error_resolved": 0.6,
				"pattern":        0.55,
				"docs":           0.45,
				"learning":       0.45,
				"error":          0.4,
				"context":        0.3,
			},
			CoAccessStep:             0.02,
			CoAccessCap:              0.1,
			ConsolidateOlderThanDays: 30,
			SimilarityFloor:          0.90,
			ConsolidateBatch:         200,
			ConsolidateNeighbours:    10,
		},
		Schedule: ScheduleConfig{
			Enabled:       true,
			Importance:    "@every 24h",
			Archive:       "@every 24h",
			Consolidate:   "@every 24h",
			Infer:         "@every 24h",
			Reconcile:     "@every 10m",
			JobTimeoutMin: 30,
		},
		ServerURL: "http://localhost:8741",
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// named by ENGRAM_CONFIG, then environment variables. Environment wins.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ENGRAM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.DBPath = envStr("ENGRAM_DB_PATH", c.DBPath)
	c.APIKey = envStr("ENGRAM_API_KEY", c.APIKey)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.ServerURL = envStr("ENGRAM_SERVER_URL", c.ServerURL)

	c.Embedding.Provider = envStr("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.OllamaBaseURL = envStr("OLLAMA_BASE_URL", c.Embedding.OllamaBaseURL)
	c.Embedding.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.Embedding.OpenAIAPIKey)
	c.Embedding.OpenAIBaseURL = envStr("OPENAI_BASE_URL", c.Embedding.OpenAIBaseURL)
	c.Embedding.Model = envStr("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dim = envInt("EMBEDDING_DIM", c.Embedding.Dim)
	c.Embedding.CacheEntries = int64(envInt("EMBEDDING_CACHE_ENTRIES", int(c.Embedding.CacheEntries)))

	c.Vector.Backend = envStr("VECTOR_BACKEND", c.Vector.Backend)
	c.Vector.QdrantURL = envStr("QDRANT_URL", c.Vector.QdrantURL)
	c.Vector.Collection = envStr("VECTOR_COLLECTION", c.Vector.Collection)
	c.Vector.PostgresURL = envStr("POSTGRES_URL", c.Vector.PostgresURL)

	c.Writer.Retries = envInt("WRITE_RETRIES", c.Writer.Retries)

	c.Quality.MinContentLength = envInt("QUALITY_MIN_CONTENT_LENGTH", c.Quality.MinContentLength)
	c.Quality.MinWords = envInt("QUALITY_MIN_WORDS", c.Quality.MinWords)
	c.Quality.MinTags = envInt("QUALITY_MIN_TAGS", c.Quality.MinTags)
	c.Quality.DenyTags = envList("QUALITY_DENY_TAGS", c.Quality.DenyTags)
	c.Quality.Floor = envFloat("QUALITY_FLOOR", c.Quality.Floor)

	c.Search.RRFK = envFloat("SEARCH_RRF_K", c.Search.RRFK)
	c.Search.OverFetch = envInt("SEARCH_OVER_FETCH", c.Search.OverFetch)
	c.Search.LexicalWeight = envFloat("SEARCH_LEXICAL_WEIGHT", c.Search.LexicalWeight)
	c.Search.VectorWeight = envFloat("SEARCH_VECTOR_WEIGHT", c.Search.VectorWeight)

	c.Inference.FixesThreshold = envFloat("INFER_FIXES_THRESHOLD", c.Inference.FixesThreshold)
	c.Inference.RelatedThreshold = envFloat("INFER_RELATED_THRESHOLD", c.Inference.RelatedThreshold)
	c.Inference.RelatedTopN = envInt("INFER_RELATED_TOP_N", c.Inference.RelatedTopN)
	c.Inference.TemporalWindowMin = envInt("INFER_TEMPORAL_WINDOW_MINUTES", c.Inference.TemporalWindowMin)
	c.Inference.CausalThreshold = envFloat("INFER_CAUSAL_THRESHOLD", c.Inference.CausalThreshold)

	c.Lifecycle.ArchiveThreshold = envFloat("ARCHIVE_UTILITY_THRESHOLD", c.Lifecycle.ArchiveThreshold)
	c.Lifecycle.MaxArchive = envInt("ARCHIVE_MAX", c.Lifecycle.MaxArchive)
	c.Lifecycle.SimilarityFloor = envFloat("CONSOLIDATE_SIMILARITY_FLOOR", c.Lifecycle.SimilarityFloor)
	c.Lifecycle.ConsolidateOlderThanDays = envInt("CONSOLIDATE_OLDER_THAN_DAYS", c.Lifecycle.ConsolidateOlderThanDays)

	c.Schedule.Enabled = envBool("SCHEDULE_ENABLED", c.Schedule.Enabled)
	c.Schedule.Importance = envStr("SCHEDULE_IMPORTANCE", c.Schedule.Importance)
	c.Schedule.Archive = envStr("SCHEDULE_ARCHIVE", c.Schedule.Archive)
	c.Schedule.Consolidate = envStr("SCHEDULE_CONSOLIDATE", c.Schedule.Consolidate)
	c.Schedule.Infer = envStr("SCHEDULE_INFER", c.Schedule.Infer)
	c.Schedule.Reconcile = envStr("SCHEDULE_RECONCILE", c.Schedule.Reconcile)
	c.Schedule.JobTimeoutMin = envInt("SCHEDULE_JOB_TIMEOUT_MINUTES", c.Schedule.JobTimeoutMin)
}

func (c *Config) validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("ENGRAM_DB_PATH must not be empty"))
	}
	if c.Embedding.Dim < 1 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.Embedding.Dim))
	}
	switch c.Embedding.Provider {
	case "ollama":
		if c.Embedding.OllamaBaseURL == "" {
			errs = append(errs, fmt.Errorf("OLLAMA_BASE_URL must not be empty"))
		}
	case "openai":
		if c.Embedding.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for the openai provider"))
		}
	case "hash":
	default:
		errs = append(errs, fmt.Errorf("EMBEDDING_PROVIDER must be ollama, openai or hash, got %q", c.Embedding.Provider))
	}
	switch c.Vector.Backend {
	case "sqlite", "chromem":
	case "qdrant":
		if c.Vector.QdrantURL == "" {
			errs = append(errs, fmt.Errorf("QDRANT_URL must not be empty"))
		}
	case "pgvector":
		if c.Vector.PostgresURL == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_URL is required for the pgvector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("VECTOR_BACKEND must be sqlite, qdrant, chromem or pgvector, got %q", c.Vector.Backend))
	}
	if c.Writer.Retries < 1 {
		errs = append(errs, fmt.Errorf("WRITE_RETRIES must be at least 1, got %d", c.Writer.Retries))
	}

	q := c.Quality
	if !unit(q.Floor) {
		errs = append(errs, fmt.Errorf("QUALITY_FLOOR must be in [0,1], got %f", q.Floor))
	}
	if sum := q.WeightLength + q.WeightTags + q.WeightFields + q.WeightProject; sum < 0.99 || sum > 1.01 {
		errs = append(errs, fmt.Errorf("quality weights must sum to 1.0, got %f", sum))
	}
	if q.ContentSaturation < 1 {
		errs = append(errs, fmt.Errorf("quality content_saturation must be positive"))
	}

	s := c.Search
	if s.RRFK <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RRF_K must be positive, got %f", s.RRFK))
	}
	if s.OverFetch < 1 {
		errs = append(errs, fmt.Errorf("SEARCH_OVER_FETCH must be at least 1, got %d", s.OverFetch))
	}
	if s.LexicalWeight < 0 || s.VectorWeight < 0 || s.LexicalWeight+s.VectorWeight == 0 {
		errs = append(errs, fmt.Errorf("search weights must be non-negative and not both zero"))
	}

	in := c.Inference
	for name, v := range map[string]float64{
		"INFER_FIXES_THRESHOLD":   in.FixesThreshold,
		"INFER_RELATED_THRESHOLD": in.RelatedThreshold,
		"INFER_CAUSAL_THRESHOLD":  in.CausalThreshold,
	} {
		if !unit(v) {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %f", name, v))
		}
	}
	if in.TemporalWindowMin < 1 {
		errs = append(errs, fmt.Errorf("INFER_TEMPORAL_WINDOW_MINUTES must be positive"))
	}

	l := c.Lifecycle
	if !unit(l.ArchiveThreshold) {
		errs = append(errs, fmt.Errorf("ARCHIVE_UTILITY_THRESHOLD must be in [0,1], got %f", l.ArchiveThreshold))
	}
	if !unit(l.SimilarityFloor) {
		errs = append(errs, fmt.Errorf("CONSOLIDATE_SIMILARITY_FLOOR must be in [0,1], got %f", l.SimilarityFloor))
	}
	if sum := l.AccessCap + l.RecencyCap + l.RelationshipCap + l.ImportanceCap; sum > 1.0001 {
		errs = append(errs, fmt.Errorf("utility caps must sum to at most 1.0, got %f", sum))
	}

	return errors.Join(errs...)
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
