// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"trendwatch/internal/domain"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for durable data (event files, cursor db)
	Port     int
	LogLevel string
	DevMode  bool

	// Event source adapter
	ChainRPCURL    string        // JSON-RPC endpoint of the ledger fullnode
	PollLimit      int           // Page size for the background poll cycle
	PullPageLimit  int           // Page size for on-demand pulls
	PullTarget     int           // Matching events an on-demand pull accumulates
	PullPageDelay  time.Duration // Delay between page fetches in a pull
	PollSchedule   string        // Cron spec for the poll job
	DedupCeiling   int           // Max digests retained before bulk eviction
	BufferCapacity int           // Pending events that trigger a flush
	FlushInterval  time.Duration // Max age of the buffer before interval flush

	// Categories admitted into the buffer
	Categories []domain.Category

	// Model/blob store (S3-compatible)
	BlobEndpoint  string
	BlobRegion    string
	BlobBucket    string
	BlobAccessKey string
	BlobSecretKey string
	BlobRetain    int // Published archives kept by rotation

	// On-chain model registry (optional)
	RegistryEnabled  bool
	RegistryObjectID string
	RegistryPackage  string
	RegistryToken    string // Injected bearer credential, never embedded in source

	// Training
	FeatureLength   int    // Digest feature vector width for inference
	RawFeatureLen   int    // Digest feature width inside enhanced vectors
	TrainWindow     int    // Recent transactions used for a manual run
	AutoTrainWindow int    // Recent transactions used for an auto run
	TrainEpochs     int    // Epochs for a manual run
	AutoTrainEpochs int    // Epochs for an auto run
	AutoTrain       bool   // Retrain automatically after a prediction batch
	TrainSchedule   string // Cron spec for the periodic retrain job ("" = off)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRENDWATCH_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 5555),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		ChainRPCURL:    getEnv("CHAIN_RPC_URL", ""),
		PollLimit:      getEnvAsInt("POLL_LIMIT", 20),
		PullPageLimit:  getEnvAsInt("PULL_PAGE_LIMIT", 30),
		PullTarget:     getEnvAsInt("PULL_TARGET", 100),
		PullPageDelay:  getEnvAsDuration("PULL_PAGE_DELAY", 100*time.Millisecond),
		PollSchedule:   getEnv("POLL_SCHEDULE", "@every 10s"),
		DedupCeiling:   getEnvAsInt("DEDUP_CEILING", 10000),
		BufferCapacity: getEnvAsInt("BATCH_SIZE", 100),
		FlushInterval:  getEnvAsDuration("BATCH_TIME", 10*time.Minute),

		Categories: domain.TrainableCategories,

		BlobEndpoint:  getEnv("BLOB_ENDPOINT", ""),
		BlobRegion:    getEnv("BLOB_REGION", "auto"),
		BlobBucket:    getEnv("BLOB_BUCKET", ""),
		BlobAccessKey: getEnv("BLOB_ACCESS_KEY_ID", ""),
		BlobSecretKey: getEnv("BLOB_SECRET_ACCESS_KEY", ""),
		BlobRetain:    getEnvAsInt("BLOB_RETAIN", 5),

		RegistryEnabled:  getEnvAsBool("REGISTRY_ENABLED", false),
		RegistryObjectID: getEnv("REGISTRY_OBJECT_ID", ""),
		RegistryPackage:  getEnv("REGISTRY_PACKAGE_ID", ""),
		RegistryToken:    getEnv("REGISTRY_TOKEN", ""),

		FeatureLength:   getEnvAsInt("FEATURE_LENGTH", 30),
		RawFeatureLen:   getEnvAsInt("RAW_FEATURE_LENGTH", 25),
		TrainWindow:     getEnvAsInt("TRAIN_WINDOW", 100),
		AutoTrainWindow: getEnvAsInt("AUTO_TRAIN_WINDOW", 50),
		TrainEpochs:     getEnvAsInt("TRAIN_EPOCHS", 30),
		AutoTrainEpochs: getEnvAsInt("AUTO_TRAIN_EPOCHS", 20),
		AutoTrain:       getEnvAsBool("AUTO_TRAIN", true),
		TrainSchedule:   getEnv("TRAIN_SCHEDULE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces required identifiers. Missing credentials for an enabled
// collaborator are a startup failure, not a runtime degradation.
func (c *Config) Validate() error {
	if c.ChainRPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	if c.BlobBucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required")
	}
	if c.BlobAccessKey == "" || c.BlobSecretKey == "" {
		return fmt.Errorf("BLOB_ACCESS_KEY_ID and BLOB_SECRET_ACCESS_KEY are required")
	}
	if c.RegistryEnabled {
		if c.RegistryPackage == "" || c.RegistryObjectID == "" {
			return fmt.Errorf("REGISTRY_PACKAGE_ID and REGISTRY_OBJECT_ID are required when REGISTRY_ENABLED=true")
		}
		if c.RegistryToken == "" {
			return fmt.Errorf("REGISTRY_TOKEN is required when REGISTRY_ENABLED=true")
		}
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BufferCapacity)
	}
	if c.DedupCeiling <= 0 {
		return fmt.Errorf("DEDUP_CEILING must be positive, got %d", c.DedupCeiling)
	}
	return nil
}

// TransactionsDir returns the directory event files are persisted under.
func (c *Config) TransactionsDir() string {
	return filepath.Join(c.DataDir, "transactions")
}

// CursorDBPath returns the path of the cursor/state database.
func (c *Config) CursorDBPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
