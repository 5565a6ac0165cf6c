// Package config holds the immutable engine configuration.
//
// The configuration is an explicit value passed to each component at
// construction time, never ambient mutable state, so scans stay reproducible
// under test with varied configurations.
package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds global settings for the SentinelDF detection engine.
// All settings can be configured via environment variables, a YAML file,
// or programmatically.
type Config struct {
	// === Fusion ===
	// HeuristicWeight and EmbeddingWeight must sum to 1.0.
	HeuristicWeight float64 `yaml:"heuristic_weight"`
	EmbeddingWeight float64 `yaml:"embedding_weight"`

	// QuarantineThreshold is the fused risk score (0-100) at or above which
	// a document is quarantined.
	QuarantineThreshold int `yaml:"quarantine_threshold"`

	// === Result cache ===
	CacheTTL          time.Duration `yaml:"-"`
	CacheTTLSeconds   int           `yaml:"cache_ttl_seconds"`
	CacheSizeCapBytes int64         `yaml:"cache_size_cap_bytes"`

	// RedisURL selects the Redis cache backend when set (e.g. for
	// multi-process deployments). Empty means the in-memory backend.
	RedisURL string `yaml:"redis_url"`

	// === Embedding / anomaly model ===
	// EmbeddingBatchSize amortizes model invocation over groups of documents.
	EmbeddingBatchSize int `yaml:"embedding_batch_size"`

	// ModelPath is the local path to the ONNX embedding model directory.
	ModelPath string `yaml:"model_path"`

	// OnnxLibraryPath is the path to libonnxruntime; empty falls back to the
	// pure Go backend.
	OnnxLibraryPath string `yaml:"onnx_library_path"`

	// === Attestation ===
	// HMACSecret signs attestation records. REQUIRED in production.
	HMACSecret string `yaml:"hmac_secret"`

	// LedgerPath is the JSONL attestation ledger file.
	LedgerPath string `yaml:"ledger_path"`

	// PostgresURL selects the Postgres ledger backend when set.
	PostgresURL string `yaml:"postgres_url"`

	// === Storage ===
	DataDir string `yaml:"data_dir"`
}

// NewDefaultConfig creates a Config with documented defaults, overridable via
// SENTINELDF_* environment variables.
func NewDefaultConfig() *Config {
	cfg := &Config{
		HeuristicWeight:     GetEnvFloat("SENTINELDF_HEURISTIC_WEIGHT", 0.4),
		EmbeddingWeight:     GetEnvFloat("SENTINELDF_EMBEDDING_WEIGHT", 0.6),
		QuarantineThreshold: GetEnvInt("SENTINELDF_QUARANTINE_THRESHOLD", 70),

		CacheTTLSeconds:   GetEnvInt("SENTINELDF_CACHE_TTL_SECONDS", 900),
		CacheSizeCapBytes: GetEnvInt64("SENTINELDF_CACHE_SIZE_CAP_BYTES", 10_000_000_000),
		RedisURL:          GetEnv("SENTINELDF_REDIS_URL", ""),

		EmbeddingBatchSize: GetEnvInt("SENTINELDF_EMBEDDING_BATCH_SIZE", 128),
		ModelPath:          GetEnv("SENTINELDF_MODEL_PATH", "./models/minilm"),
		OnnxLibraryPath:    GetEnv("SENTINELDF_ONNX_LIBRARY_PATH", ""),

		HMACSecret:  GetEnv("SENTINELDF_HMAC_SECRET", ""),
		LedgerPath:  GetEnv("SENTINELDF_LEDGER_PATH", "reports/mbom_ledger.jsonl"),
		PostgresURL: GetEnv("SENTINELDF_POSTGRES_URL", ""),

		DataDir: GetEnv("SENTINELDF_DATA_DIR", "./data"),
	}
	cfg.CacheTTL = time.Duration(cfg.CacheTTLSeconds) * time.Second
	return cfg
}

// NewHeuristicBiasedConfig biases fusion toward heuristics and lowers the
// quarantine bar. Useful when no embedding model is available and heuristic
// evidence has to carry more of the decision.
func NewHeuristicBiasedConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.HeuristicWeight = 0.55
	cfg.EmbeddingWeight = 0.45
	cfg.QuarantineThreshold = 60
	return cfg
}

// LoadFile merges settings from a YAML file over the receiver. Fields absent
// from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if file.HeuristicWeight != 0 || file.EmbeddingWeight != 0 {
		c.HeuristicWeight = file.HeuristicWeight
		c.EmbeddingWeight = file.EmbeddingWeight
	}
	if file.QuarantineThreshold != 0 {
		c.QuarantineThreshold = file.QuarantineThreshold
	}
	if file.CacheTTLSeconds != 0 {
		c.CacheTTLSeconds = file.CacheTTLSeconds
		c.CacheTTL = time.Duration(file.CacheTTLSeconds) * time.Second
	}
	if file.CacheSizeCapBytes != 0 {
		c.CacheSizeCapBytes = file.CacheSizeCapBytes
	}
	if file.EmbeddingBatchSize != 0 {
		c.EmbeddingBatchSize = file.EmbeddingBatchSize
	}
	for _, s := range []struct {
		dst *string
		src string
	}{
		{&c.RedisURL, file.RedisURL},
		{&c.ModelPath, file.ModelPath},
		{&c.OnnxLibraryPath, file.OnnxLibraryPath},
		{&c.HMACSecret, file.HMACSecret},
		{&c.LedgerPath, file.LedgerPath},
		{&c.PostgresURL, file.PostgresURL},
		{&c.DataDir, file.DataDir},
	} {
		if s.src != "" {
			*s.dst = s.src
		}
	}
	return nil
}

// IsProduction reports whether we are running in production mode.
func IsProduction() bool {
	env := strings.ToLower(os.Getenv("SENTINELDF_ENV"))
	return env == "production" || env == "prod"
}

// Validate checks the configuration before any scanning begins.
// Invalid configuration is rejected at startup, never discovered mid-batch.
func (c *Config) Validate() error {
	if c.HeuristicWeight < 0 || c.HeuristicWeight > 1 {
		return fmt.Errorf("heuristic_weight must be in [0, 1], got %v", c.HeuristicWeight)
	}
	if c.EmbeddingWeight < 0 || c.EmbeddingWeight > 1 {
		return fmt.Errorf("embedding_weight must be in [0, 1], got %v", c.EmbeddingWeight)
	}
	if math.Abs(c.HeuristicWeight+c.EmbeddingWeight-1.0) > 1e-9 {
		return fmt.Errorf("heuristic_weight + embedding_weight must sum to 1.0, got %v",
			c.HeuristicWeight+c.EmbeddingWeight)
	}
	if c.QuarantineThreshold < 0 || c.QuarantineThreshold > 100 {
		return fmt.Errorf("quarantine_threshold must be in [0, 100], got %d", c.QuarantineThreshold)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl_seconds must be positive, got %v", c.CacheTTLSeconds)
	}
	if c.CacheSizeCapBytes <= 0 {
		return fmt.Errorf("cache_size_cap_bytes must be positive, got %d", c.CacheSizeCapBytes)
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("embedding_batch_size must be positive, got %d", c.EmbeddingBatchSize)
	}
	if c.HMACSecret == "" {
		if IsProduction() {
			return fmt.Errorf("SENTINELDF_HMAC_SECRET is required in production")
		}
		log.Println("[STARTUP] Warning: SENTINELDF_HMAC_SECRET not set - attestation signing disabled")
	}
	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before constructing the scanner.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: Configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

// Helper functions for environment variable parsing.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvInt64 returns the int64 value of an environment variable or a default value.
func GetEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
