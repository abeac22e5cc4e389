package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int
	GCPProject       string
	GCPRegion        string
	VertexAILocation string
	VertexAIModel    string

	EmbeddingLocation   string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingCacheSize  int

	GCSBucketName      string
	GCSSignedURLExpiry string
	DocAIProcessorID   string
	DocAILocation      string
	BigQueryDataset    string
	BigQueryTable      string
	FirebaseProjectID  string
	FrontendURL        string

	ChunkSizeTokens     int
	ChunkOverlapPercent int

	RAGTopK           int
	RAGHybridAlpha    float64
	RAGMinSimilarity  float64
	SubQueryConcurrency int

	LLMTemperature    float64
	LLMMaxTokens      int
	LLMContextWindow  int
	StreamIdleTimeout time.Duration
	NonStreamTimeout  time.Duration

	WebSearchResults int
	WebScrapeTimeout time.Duration
	BraveAPIKey      string
	SerpAPIKey       string

	MemoryEpisodicDays      int
	MemoryConsolidationDays int
	MemoryForgetThreshold   float64

	RedisAddr string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	RateLimitPerMin int

	PromptsDir     string
	DefaultPersona string
	KMSKeyRing     string
	KMSKeyName     string

	InternalAuthSecret string
	DeepgramAPIKey     string
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		GCPProject:       gcpProject,
		GCPRegion:        envStr("GCP_REGION", "us-east4"),
		VertexAILocation: envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:    envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),

		EmbeddingLocation:   envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:      envStr("EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimensions: envInt("EMBEDDING_DIM", 512),
		EmbeddingCacheSize:  envInt("EMBEDDING_CACHE_SIZE", 10000),

		GCSBucketName:      envStr("GCS_BUCKET_NAME", ""),
		GCSSignedURLExpiry: envStr("GCS_SIGNED_URL_EXPIRY", "15m"),
		DocAIProcessorID:   envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:      envStr("DOCUMENT_AI_LOCATION", "us"),
		BigQueryDataset:    envStr("BIGQUERY_DATASET", "ragbox_audit"),
		BigQueryTable:      envStr("BIGQUERY_TABLE", "audit_events"),
		FirebaseProjectID:  envStr("FIREBASE_PROJECT_ID", ""),
		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),

		ChunkSizeTokens:     envInt("CHUNK_SIZE", 512),
		ChunkOverlapPercent: envInt("CHUNK_OVERLAP", 50),

		RAGTopK:             envInt("RAG_TOP_K", 5),
		RAGHybridAlpha:      envFloat("RAG_HYBRID_ALPHA", 0.7),
		RAGMinSimilarity:    envFloat("RAG_MIN_SIMILARITY", 0.3),
		SubQueryConcurrency: envInt("SUBQUERY_CONCURRENCY", 4),

		LLMTemperature:    envFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:      envInt("LLM_MAX_TOKENS", 2048),
		LLMContextWindow:  envInt("LLM_CONTEXT_WINDOW", 4096),
		StreamIdleTimeout: envDuration("LM_STREAM_IDLE_TIMEOUT", 30*time.Second),
		NonStreamTimeout:  envDuration("LM_NONSTREAM_TIMEOUT", 120*time.Second),

		WebSearchResults: envInt("WEB_SEARCH_RESULTS", 5),
		WebScrapeTimeout: envDuration("WEB_SCRAPE_TIMEOUT", 10*time.Second),
		BraveAPIKey:      envStr("BRAVE_API_KEY", ""),
		SerpAPIKey:       envStr("SERPAPI_KEY", ""),

		MemoryEpisodicDays:      envInt("MEMORY_EPISODIC_DAYS", 7),
		MemoryConsolidationDays: envInt("MEMORY_CONSOLIDATION_DAYS", 30),
		MemoryForgetThreshold:   envFloat("MEMORY_FORGET_THRESHOLD", 0.10),

		RedisAddr: envStr("REDIS_ADDR", "localhost:6379"),

		Neo4jURI:      envStr("NEO4J_URI", ""),
		Neo4jUser:     envStr("NEO4J_USER", ""),
		Neo4jPassword: envStr("NEO4J_PASSWORD", ""),

		RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 100),

		PromptsDir:     envStr("PROMPTS_DIR", "./internal/service/prompts"),
		DefaultPersona: envStr("DEFAULT_PERSONA", "persona_cfo"),
		KMSKeyRing:     envStr("KMS_KEY_RING", "ragbox-keys"),
		KMSKeyName:     envStr("KMS_KEY_NAME", "document-key"),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
		DeepgramAPIKey:     envStr("DEEPGRAM_API_KEY", ""),
	}

	// Internal auth secret is required in non-development environments
	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration parses a Go duration string (e.g. "30s", "2m"), falling back on
// an empty or unparseable value. Added for the new timeout knobs (§6); the
// teacher had no duration-valued config keys to generalize from.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
