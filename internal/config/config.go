package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	Migrate     bool
	LogLevel    string
	APIKey      string
	CatalogPath string

	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AssessmentModel string
	ConstructModel  string
	EmbeddingModel  string

	LLMTimeout    time.Duration
	LLMMaxRetries int
	LLMBackoff    time.Duration
	// LLMRate paces completion calls per second; zero disables pacing.
	LLMRate float64

	Extraction ExtractionConfig
	Merge      MergeConfig
	Discovery  DiscoveryConfig
	Construct  ConstructConfig
	Embedding  EmbeddingConfig
}

// ExtractionConfig bounds the per-turn extraction pass.
type ExtractionConfig struct {
	MaxHistoryTokens  int
	SlidingWindowSize int
	Concurrency       int
	Workers           int
	QueueSize         int
	Timeout           time.Duration
}

type MergeConfig struct {
	OverrideMargin float64
	CorrectionStep float64
	CorrectedFloor float64
}

type DiscoveryConfig struct {
	MinUsers          int
	MinOccurrenceRate float64
	LookbackDays      int
	ClusterThreshold  float64
	MaxEvidence       int
}

type ConstructConfig struct {
	MatchThreshold float64
	TopK           int
	MinSimilarity  float64
}

type EmbeddingConfig struct {
	BatchSize   int
	Concurrency int
	Rate        float64
	Timeout     time.Duration
}

func Load() Config {
	return Config{
		Port:        envInt("APERTURE_PORT", 8760),
		NatsURL:     envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		Migrate:     envBool("DB_MIGRATE", true),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIKey:      envStr("APERTURE_API_KEY", ""),
		CatalogPath: envStr("CATALOG_PATH", ""),

		LLMProvider:     envStr("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AssessmentModel: envStr("ASSESSMENT_MODEL", "gpt-4o-mini"),
		ConstructModel:  envStr("CONSTRUCT_MODEL", "gpt-4o"),
		EmbeddingModel:  envStr("EMBEDDING_MODEL", "text-embedding-3-small"),

		LLMTimeout:    envDuration("LLM_TIMEOUT", 30*time.Second),
		LLMMaxRetries: envInt("LLM_MAX_RETRIES", 3),
		LLMBackoff:    envDuration("LLM_BACKOFF", 500*time.Millisecond),
		LLMRate:       envFloat("LLM_RATE", 0),

		Extraction: ExtractionConfig{
			MaxHistoryTokens:  envInt("MAX_HISTORY_TOKENS", 3800),
			SlidingWindowSize: envInt("SLIDING_WINDOW_SIZE", 10),
			Concurrency:       envInt("EXTRACTION_CONCURRENCY", 5),
			Workers:           envInt("EXTRACTION_WORKERS", 4),
			QueueSize:         envInt("EXTRACTION_QUEUE_SIZE", 256),
			Timeout:           envDuration("EXTRACTION_TIMEOUT", 2*time.Minute),
		},
		Merge: MergeConfig{
			OverrideMargin: envFloat("MERGE_OVERRIDE_MARGIN", 0.15),
			CorrectionStep: envFloat("CORRECTION_STEP", 0.05),
			CorrectedFloor: envFloat("CORRECTED_FLOOR", 0.5),
		},
		Discovery: DiscoveryConfig{
			MinUsers:          envInt("DISCOVERY_MIN_USERS", 10),
			MinOccurrenceRate: envFloat("DISCOVERY_MIN_OCCURRENCE_RATE", 0.2),
			LookbackDays:      envInt("DISCOVERY_LOOKBACK_DAYS", 7),
			ClusterThreshold:  envFloat("CLUSTER_THRESHOLD", 0.75),
			MaxEvidence:       envInt("DISCOVERY_MAX_EVIDENCE", 5),
		},
		Construct: ConstructConfig{
			MatchThreshold: envFloat("TEMPLATE_MATCH_THRESHOLD", 0.75),
			TopK:           envInt("TEMPLATE_TOP_K", 3),
			MinSimilarity:  envFloat("MIN_SIMILARITY", 0.6),
		},
		Embedding: EmbeddingConfig{
			BatchSize:   envInt("EMBEDDING_BATCH_SIZE", 64),
			Concurrency: envInt("EMBEDDING_CONCURRENCY", 4),
			Rate:        envFloat("EMBEDDING_RATE", 5),
			Timeout:     envDuration("EMBEDDING_TIMEOUT", 20*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("30s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
