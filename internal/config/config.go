// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the memory subsystem. It is built
// once at startup and never mutated afterwards.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Similarity matching
	SimilarityThreshold     float64 // minimum score for a match
	SimilarityLimit         int     // max matches returned
	SimilarityLookbackDays  int     // candidate window
	SimilarityMaxCandidates int     // hard cap on candidates scored per call

	// Batch ingestion
	BatchChunkSize   int // items per backing-store batch write
	BatchMaxRetries  int // attempts per chunk before recording failures
	BatchConcurrency int // chunks in flight at once

	// Retention
	RetentionDays     int           // age threshold for purging transactions/decisions
	RetentionInterval time.Duration // background sweep interval; 0 disables the scheduler

	// Profile read cache
	ProfileCacheTTL time.Duration // 0 disables the cache
}

// Defaults per the store contract.
const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultSimilarityThreshold     = 0.7
	DefaultSimilarityLimit         = 10
	DefaultSimilarityLookbackDays  = 90
	DefaultSimilarityMaxCandidates = 500
	DefaultBatchChunkSize          = 25
	DefaultBatchMaxRetries         = 3
	DefaultBatchConcurrency        = 4
	DefaultRetentionDays           = 365
	DefaultProfileCacheTTL         = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SimilarityThreshold:     getEnvFloat("SIMILARITY_THRESHOLD", DefaultSimilarityThreshold),
		SimilarityLimit:         getEnvInt("SIMILARITY_LIMIT", DefaultSimilarityLimit),
		SimilarityLookbackDays:  getEnvInt("SIMILARITY_LOOKBACK_DAYS", DefaultSimilarityLookbackDays),
		SimilarityMaxCandidates: getEnvInt("SIMILARITY_MAX_CANDIDATES", DefaultSimilarityMaxCandidates),
		BatchChunkSize:          getEnvInt("BATCH_CHUNK_SIZE", DefaultBatchChunkSize),
		BatchMaxRetries:         getEnvInt("BATCH_MAX_RETRIES", DefaultBatchMaxRetries),
		BatchConcurrency:        getEnvInt("BATCH_CONCURRENCY", DefaultBatchConcurrency),
		RetentionDays:           getEnvInt("RETENTION_DAYS", DefaultRetentionDays),
		RetentionInterval:       getEnvDuration("RETENTION_INTERVAL", 0),
		ProfileCacheTTL:         getEnvDuration("PROFILE_CACHE_TTL", DefaultProfileCacheTTL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in [0,1], got %v", c.SimilarityThreshold)
	}
	if c.SimilarityLimit <= 0 {
		return fmt.Errorf("SIMILARITY_LIMIT must be positive, got %d", c.SimilarityLimit)
	}
	if c.BatchChunkSize <= 0 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be positive, got %d", c.BatchChunkSize)
	}
	if c.BatchMaxRetries <= 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES must be positive, got %d", c.BatchMaxRetries)
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive, got %d", c.BatchConcurrency)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}

// RetentionPeriod returns the retention threshold as a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SimilarityLookback returns the candidate window as a duration.
func (c *Config) SimilarityLookback() time.Duration {
	return time.Duration(c.SimilarityLookbackDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
