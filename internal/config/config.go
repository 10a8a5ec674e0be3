package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v2"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// OpenAIConfig configures the OpenAI (or OpenAI-compatible) provider.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey string
	Model  string
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	Timeout   int // seconds
	APIHeader string
	APIKey    string
	Headers   map[string]string
}

// ObsConfig configures the OTLP exporters.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	Backend    string // memory | auto | postgres | qdrant | none
	DSN        string
	QdrantAddr string
	Collection string
	Dimensions int
	Metric     string // cosine | l2 (euclidean) | ip (dot)
}

// HeatConfig drives the Heat Normalizer's platform-weight multiplication.
type HeatConfig struct {
	PlatformWeights map[string]float64 `yaml:"platform_weights"`
	DefaultHeat     float64            `yaml:"default_heat"`
}

// ThresholdConfig carries the merge/classification cutoffs shared by Stage 1,
// Stage 2, and the classifier.
type ThresholdConfig struct {
	VectorSim   float64 `yaml:"vector_sim"`   // Tvec: candidate recall cutoff
	Jaccard     float64 `yaml:"jaccard"`      // Tjac: title-token overlap cutoff
	MinClusterN int     `yaml:"min_cluster_n"` // Nmin
	SummarySim  float64 `yaml:"summary_sim"`  // Ssim
	MergeConf   float64 `yaml:"merge_conf"`   // Cmerge: LLM confirmation cutoff
	RuleConf    float64 `yaml:"rule_conf"`    // Trule: classifier rule-vs-LLM cutoff
}

// ScheduleConfig carries cron expressions loaded from the static file, one per
// (stage, window) slot plus the global-merge sweep. The scheduler does not
// read them: scheduler.Register installs its own fixed cadence.
type ScheduleConfig struct {
	PeriodMergeAM  string `yaml:"period_merge_am"`
	PeriodMergePM  string `yaml:"period_merge_pm"`
	PeriodMergeEve string `yaml:"period_merge_eve"`
	GlobalMerge    string `yaml:"global_merge"`
}

// Config is the fully resolved application configuration: secrets and
// endpoints loaded from the environment, static tuning loaded from a YAML
// file alongside it.
type Config struct {
	LLMProvider string // anthropic | openai | google

	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	Google    GoogleConfig
	Embedding EmbeddingConfig
	Obs       ObsConfig
	Vector    VectorConfig

	PostgresDSN string
	LogLevel    string

	// LogPayloads enables debug-level logging of redacted LLM prompts/responses.
	// LogTruncateBytes caps how much of each payload is logged (0 = no truncation).
	LogPayloads      bool
	LogTruncateBytes int

	Heat       HeatConfig
	Thresholds ThresholdConfig
	Schedule   ScheduleConfig
}

type staticFile struct {
	Heat       HeatConfig      `yaml:"heat"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Schedule   ScheduleConfig  `yaml:"schedule"`
}

// Load resolves Config from a `.env` overlay plus process environment for
// secrets/endpoints, and from a YAML file (default "config.yaml") for the
// static tuning surface (platform weights, thresholds, cron schedules).
func Load(staticPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		LLMProvider: firstNonEmpty(os.Getenv("LLM_PROVIDER"), "anthropic"),
		Anthropic: AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-sonnet-4-5"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4o-mini"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		Google: GoogleConfig{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  firstNonEmpty(os.Getenv("GOOGLE_MODEL"), "gemini-2.0-flash"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   firstNonEmpty(os.Getenv("EMBEDDING_BASE_URL"), "https://api.openai.com"),
			Path:      firstNonEmpty(os.Getenv("EMBEDDING_PATH"), "/v1/embeddings"),
			Model:     firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "text-embedding-3-small"),
			Timeout:   intFromEnv("EMBEDDING_TIMEOUT_SECONDS", 30),
			APIHeader: firstNonEmpty(os.Getenv("EMBEDDING_API_HEADER"), "Authorization"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
		},
		Obs: ObsConfig{
			OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "hotpipeline"),
			ServiceVersion: firstNonEmpty(os.Getenv("OTEL_SERVICE_VERSION"), "dev"),
			Environment:    firstNonEmpty(os.Getenv("APP_ENV"), "development"),
		},
		Vector: VectorConfig{
			Backend:    firstNonEmpty(os.Getenv("VECTOR_BACKEND"), "auto"),
			DSN:        os.Getenv("VECTOR_DSN"),
			QdrantAddr: os.Getenv("QDRANT_ADDR"),
			Collection: firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "hot_topic_items"),
			Dimensions: intFromEnv("VECTOR_DIMENSIONS", 1536),
			Metric:     firstNonEmpty(os.Getenv("VECTOR_METRIC"), "cosine"),
		},
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		LogLevel:    firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),

		LogPayloads:      boolFromEnv("LOG_LLM_PAYLOADS", false),
		LogTruncateBytes: intFromEnv("LOG_LLM_TRUNCATE_BYTES", 2048),
	}

	if staticPath == "" {
		staticPath = "config.yaml"
	}
	sf, err := loadStaticFile(staticPath)
	if err != nil {
		return Config{}, fmt.Errorf("load static config %s: %w", staticPath, err)
	}
	cfg.Heat = sf.Heat
	cfg.Thresholds = sf.Thresholds
	cfg.Schedule = sf.Schedule
	applyDefaults(&cfg)

	pterm.Success.Printfln("config loaded (provider=%s vector_backend=%s static=%s)",
		cfg.LLMProvider, cfg.Vector.Backend, staticPath)
	return cfg, nil
}

func loadStaticFile(path string) (staticFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			pterm.Warning.Printfln("static config %s not found, using defaults", path)
			return staticFile{}, nil
		}
		return staticFile{}, err
	}
	var sf staticFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return staticFile{}, fmt.Errorf("parse yaml: %w", err)
	}
	return sf, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Heat.DefaultHeat == 0 {
		cfg.Heat.DefaultHeat = 0.5
	}
	if cfg.Heat.PlatformWeights == nil {
		cfg.Heat.PlatformWeights = map[string]float64{}
	}
	if cfg.Thresholds.VectorSim == 0 {
		cfg.Thresholds.VectorSim = 0.85
	}
	if cfg.Thresholds.Jaccard == 0 {
		cfg.Thresholds.Jaccard = 0.6
	}
	if cfg.Thresholds.MinClusterN == 0 {
		cfg.Thresholds.MinClusterN = 2
	}
	if cfg.Thresholds.SummarySim == 0 {
		cfg.Thresholds.SummarySim = 0.5
	}
	if cfg.Thresholds.MergeConf == 0 {
		cfg.Thresholds.MergeConf = 0.75
	}
	if cfg.Thresholds.RuleConf == 0 {
		cfg.Thresholds.RuleConf = 0.6
	}
	if cfg.Schedule.PeriodMergeAM == "" {
		cfg.Schedule.PeriodMergeAM = "5 14 * * *"
	}
	if cfg.Schedule.PeriodMergePM == "" {
		cfg.Schedule.PeriodMergePM = "5 20 * * *"
	}
	if cfg.Schedule.PeriodMergeEve == "" {
		cfg.Schedule.PeriodMergeEve = "5 0 * * *"
	}
	if cfg.Schedule.GlobalMerge == "" {
		cfg.Schedule.GlobalMerge = "20 0 * * *"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
