package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the assistant service.
type Config struct {
	Port      int
	Version   string
	DataDir   string
	Store     StoreConfig
	Vectors   VectorConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Routing   RoutingConfig
	Memory    MemoryConfig
	Learning  LearningConfig
	Jobs      JobsConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Catalog   CatalogConfig
	Executor  ExecutorConfig
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver     string
	SQLitePath string
}

type VectorConfig struct {
	// PgvectorURL enables the pgvector snapshot store when set.
	PgvectorURL string
}

type RedisConfig struct {
	// URL enables the Redis session locker when set.
	URL     string
	LockTTL time.Duration
}

type EmbeddingConfig struct {
	// Driver is "ollama", "openai" or "hash".
	Driver    string
	Endpoint  string
	Model     string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
	Retries   int
	// Dimensions sizes the pgvector column when the driver cannot tell
	// before its first call.
	Dimensions int
}

type LLMConfig struct {
	// Driver is "openai" or "ollama". Empty disables the reasoner.
	Driver   string
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration

	// Fallback* configure a second reasoner tried when the first fails.
	FallbackDriver   string
	FallbackEndpoint string
	FallbackModel    string
}

type RoutingConfig struct {
	DirectThreshold   float64
	RerankThreshold   float64
	TopN              int
	EmbedTimeout      time.Duration
	MinSimilarity     float64
	ClassifierWeight  float64
	ClassifierPath    string
	BorderlineLow     float64
	BorderlineHigh    float64
	ExtractionTimeout time.Duration
}

type MemoryConfig struct {
	WindowSize        int
	SummaryMinTotal   int
	SummaryMinPending int
	SummaryHardCap    int
	SummaryTimeout    time.Duration
	ExpiryMinutes     int
}

type LearningConfig struct {
	Rate               float64
	MinFactories       int
	MinEffectiveness   float64
	CleanupThreshold   float64
	CleanupMinNegative int
}

type JobsConfig struct {
	Enabled          bool
	PromotionSpec    string
	SpecificitySpec  string
	CleanupSpec      string
	SessionSweepSpec string
	TrainingSpec     string
	TrainingSamples  int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the share of root traces kept, in (0, 1].
	SampleRatio float64
}

type AuthConfig struct {
	// APIKeys is a comma separated list of "name=key" or bare keys. Empty
	// disables auth.
	APIKeys []string
}

type CatalogConfig struct {
	// Path to a YAML intent catalogue loaded at boot. Empty skips seeding.
	Path string
}

type ExecutorConfig struct {
	// URL of the business service. Empty runs intents in dry-run mode.
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ASSISTANT_PORT", 8080),
		Version: envStr("ASSISTANT_VERSION", "0.1.0"),
		DataDir: envStr("ASSISTANT_DATA_DIR", ""),
		Store: StoreConfig{
			Driver:     envStr("ASSISTANT_STORE", "memory"),
			SQLitePath: envStr("ASSISTANT_SQLITE_PATH", "assistant.db"),
		},
		Vectors: VectorConfig{
			PgvectorURL: envStr("ASSISTANT_PGVECTOR_URL", ""),
		},
		Redis: RedisConfig{
			URL:     envStr("REDIS_URL", ""),
			LockTTL: envDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Embedding: EmbeddingConfig{
			Driver:    envStr("EMBEDDING_DRIVER", "ollama"),
			Endpoint:  envStr("EMBEDDING_ENDPOINT", "http://localhost:11434"),
			Model:     envStr("EMBEDDING_MODEL", "all-minilm"),
			APIKey:    envStr("EMBEDDING_API_KEY", ""),
			BatchSize: envInt("EMBEDDING_BATCH_SIZE", 64),
			Timeout:   envDuration("EMBEDDING_TIMEOUT", 10*time.Second),
			Retries:   envInt("EMBEDDING_RETRIES", 2),

			Dimensions: envInt("EMBEDDING_DIMENSIONS", 384),
		},
		LLM: LLMConfig{
			Driver:   envStr("LLM_DRIVER", "openai"),
			Endpoint: envStr("LLM_ENDPOINT", "https://api.openai.com/v1"),
			Model:    envStr("LLM_MODEL", "gpt-4o-mini"),
			APIKey:   envStr("LLM_API_KEY", ""),
			Timeout:  envDuration("LLM_TIMEOUT", 30*time.Second),

			FallbackDriver:   envStr("LLM_FALLBACK_DRIVER", "ollama"),
			FallbackEndpoint: envStr("LLM_FALLBACK_ENDPOINT", ""),
			FallbackModel:    envStr("LLM_FALLBACK_MODEL", "qwen2.5:7b"),
		},
		Routing: RoutingConfig{
			DirectThreshold:   envFloat("ROUTE_DIRECT_THRESHOLD", 0.92),
			RerankThreshold:   envFloat("ROUTE_RERANK_THRESHOLD", 0.75),
			TopN:              envInt("ROUTE_TOP_N", 5),
			EmbedTimeout:      envDuration("ROUTE_EMBED_TIMEOUT", 800*time.Millisecond),
			MinSimilarity:     envFloat("ROUTE_MIN_SIMILARITY", 0.60),
			ClassifierWeight:  envFloat("COMPLEXITY_CLASSIFIER_WEIGHT", 0.4),
			ClassifierPath:    envStr("COMPLEXITY_CLASSIFIER_PATH", ""),
			BorderlineLow:     envFloat("COMPLEXITY_BORDERLINE_LOW", 0.55),
			BorderlineHigh:    envFloat("COMPLEXITY_BORDERLINE_HIGH", 0.65),
			ExtractionTimeout: envDuration("SLOT_EXTRACTION_TIMEOUT", 5*time.Second),
		},
		Memory: MemoryConfig{
			WindowSize:        envInt("MEMORY_WINDOW_SIZE", 6),
			SummaryMinTotal:   envInt("MEMORY_SUMMARY_MIN_TOTAL", 10),
			SummaryMinPending: envInt("MEMORY_SUMMARY_MIN_PENDING", 5),
			SummaryHardCap:    envInt("MEMORY_SUMMARY_HARD_CAP", 24),
			SummaryTimeout:    envDuration("MEMORY_SUMMARY_TIMEOUT", 20*time.Second),
			ExpiryMinutes:     envInt("MEMORY_EXPIRY_MINUTES", 120),
		},
		Learning: LearningConfig{
			Rate:               envFloat("LEARNING_RATE", 0.1),
			MinFactories:       envInt("PROMOTION_MIN_FACTORIES", 3),
			MinEffectiveness:   envFloat("PROMOTION_MIN_EFFECTIVENESS", 0.8),
			CleanupThreshold:   envFloat("CLEANUP_WEIGHT_THRESHOLD", 0.2),
			CleanupMinNegative: envInt("CLEANUP_MIN_NEGATIVE", 5),
		},
		Jobs: JobsConfig{
			Enabled:          envBool("JOBS_ENABLED", true),
			PromotionSpec:    envStr("JOBS_PROMOTION_CRON", "@every 1h"),
			SpecificitySpec:  envStr("JOBS_SPECIFICITY_CRON", "@every 6h"),
			CleanupSpec:      envStr("JOBS_CLEANUP_CRON", "0 3 * * *"),
			SessionSweepSpec: envStr("JOBS_SESSION_SWEEP_CRON", "@every 10m"),
			TrainingSpec:     envStr("JOBS_TRAINING_CRON", ""),
			TrainingSamples:  envInt("JOBS_TRAINING_SAMPLES", 200),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "traceforge-assistant"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			APIKeys: envList("ASSISTANT_API_KEYS"),
		},
		Catalog: CatalogConfig{
			Path: envStr("INTENT_CATALOG_PATH", ""),
		},
		Executor: ExecutorConfig{
			URL:     envStr("BUSINESS_SERVICE_URL", ""),
			APIKey:  envStr("BUSINESS_SERVICE_API_KEY", ""),
			Timeout: envDuration("BUSINESS_SERVICE_TIMEOUT", 15*time.Second),
			Retries: envInt("BUSINESS_SERVICE_RETRIES", 2),
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
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
