// Package config loads process configuration from the environment,
// following the teacher pack's convention of an optional .env file loaded
// before anything else, with typed defaults for everything.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named across the component design.
type Config struct {
	HTTPAddr string
	DBPath   string

	EmbeddingDim int

	QualityThreshold    float64
	SupercedeThreshold  float64 // tau, §4.7
	DuplicateThreshold  float64 // embedding-path match threshold, §4.7
	SemanticDedupThresh float64 // recall post-dedup, §4.10

	CadenceMsgThreshold   int
	CadenceTokenThreshold int
	CadenceWindow         time.Duration
	CadenceDebounce       time.Duration
	CadenceSweepInterval  time.Duration
	CadenceIdleTTL        time.Duration

	JobQueueBatchWindow time.Duration
	JobQueueMaxRetries  int

	EmbeddingWorkerInterval time.Duration
	EmbeddingBatchSize      int
	EmbeddingCacheTTL       time.Duration

	RetentionInterval time.Duration

	ProfileCacheTTL time.Duration

	RecallMaxDeadline time.Duration

	LogLevel string
}

// Load reads configuration from the environment, attempting to load a
// ".env" file first (silently ignored if absent, mirroring the manifold/
// oasis convention in the retrieval pack).
func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		HTTPAddr:     getEnv("MEMORYD_HTTP_ADDR", ":8088"),
		DBPath:       getEnv("MEMORYD_DB_PATH", "memoryd.db"),
		EmbeddingDim: getEnvInt("MEMORYD_EMBEDDING_DIM", 384),

		QualityThreshold:    getEnvFloat("MEMORYD_QUALITY_THRESHOLD", 0.65),
		SupercedeThreshold:  getEnvFloat("MEMORYD_SUPERCEDE_THRESHOLD", 0.75),
		DuplicateThreshold:  getEnvFloat("MEMORYD_DUPLICATE_THRESHOLD", 0.85),
		SemanticDedupThresh: getEnvFloat("MEMORYD_SEMANTIC_DEDUP_THRESHOLD", 0.85),

		CadenceMsgThreshold:   getEnvInt("MEMORYD_CADENCE_MSG_THRESHOLD", 6),
		CadenceTokenThreshold: getEnvInt("MEMORYD_CADENCE_TOKEN_THRESHOLD", 1500),
		CadenceWindow:         getEnvDuration("MEMORYD_CADENCE_WINDOW", 3*time.Minute),
		CadenceDebounce:       getEnvDuration("MEMORYD_CADENCE_DEBOUNCE", 30*time.Second),
		CadenceSweepInterval:  getEnvDuration("MEMORYD_CADENCE_SWEEP_INTERVAL", 10*time.Minute),
		CadenceIdleTTL:        getEnvDuration("MEMORYD_CADENCE_IDLE_TTL", 24*time.Hour),

		JobQueueBatchWindow: getEnvDuration("MEMORYD_JOBQUEUE_BATCH_WINDOW", 300*time.Millisecond),
		JobQueueMaxRetries:  getEnvInt("MEMORYD_JOBQUEUE_MAX_RETRIES", 3),

		EmbeddingWorkerInterval: getEnvDuration("MEMORYD_EMBEDDING_WORKER_INTERVAL", 30*time.Second),
		EmbeddingBatchSize:      getEnvInt("MEMORYD_EMBEDDING_BATCH_SIZE", 100),
		EmbeddingCacheTTL:       getEnvDuration("MEMORYD_EMBEDDING_CACHE_TTL", time.Hour),

		RetentionInterval: getEnvDuration("MEMORYD_RETENTION_INTERVAL", 24*time.Hour),

		ProfileCacheTTL: getEnvDuration("MEMORYD_PROFILE_CACHE_TTL", time.Hour),

		RecallMaxDeadline: getEnvDuration("MEMORYD_RECALL_MAX_DEADLINE", 500*time.Millisecond),

		LogLevel: getEnv("MEMORYD_LOG_LEVEL", "info"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
