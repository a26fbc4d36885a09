// Package config resolves the runtime configuration from environment
// variables. The resulting Config is constructed once at startup and passed
// by reference; core packages never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// EnvAPIKey holds the provider credential. Mandatory.
	EnvAPIKey = "REELFORGE_API_KEY"
	// EnvAPIURL overrides the provider base URL.
	EnvAPIURL = "REELFORGE_API_URL"
	// EnvStorageDir overrides the storage root.
	EnvStorageDir = "REELFORGE_STORAGE_DIR"
	// EnvFFmpegPath and EnvFFprobePath override external tool discovery.
	EnvFFmpegPath  = "FFMPEG_PATH"
	EnvFFprobePath = "FFPROBE_PATH"

	DefaultAPIURL     = "https://queue.reelforge.dev"
	DefaultStorageDir = "./storage"
	DefaultPort       = "8080"
)

// Config is the resolved application configuration.
type Config struct {
	APIKey     string
	APIURL     string
	StorageDir string
	Port       string
	LogLevel   string

	FFmpegPath  string // explicit override; empty means discover on PATH
	FFprobePath string

	MaxParallelDownloads int
	DownloadTimeout      time.Duration
	GenerationTimeout    time.Duration
	CostWarnThreshold    float64
}

// Load reads the environment and validates the mandatory settings.
func Load() (*Config, error) {
	apiKey := os.Getenv(EnvAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set; the provider credential is required", EnvAPIKey)
	}

	cfg := &Config{
		APIKey:               apiKey,
		APIURL:               getEnvWithDefault(EnvAPIURL, DefaultAPIURL),
		StorageDir:           getEnvWithDefault(EnvStorageDir, DefaultStorageDir),
		Port:                 getEnvWithDefault("PORT", DefaultPort),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		FFmpegPath:           os.Getenv(EnvFFmpegPath),
		FFprobePath:          os.Getenv(EnvFFprobePath),
		MaxParallelDownloads: getEnvInt("MAX_PARALLEL_DOWNLOADS", 5),
		DownloadTimeout:      time.Duration(getEnvInt("DOWNLOAD_TIMEOUT", 300)) * time.Second,
		GenerationTimeout:    time.Duration(getEnvInt("GENERATION_TIMEOUT", 600)) * time.Second,
		CostWarnThreshold:    getEnvFloat("COST_WARNING_THRESHOLD", 5.0),
	}

	// A single project must not be able to saturate the link.
	if cfg.MaxParallelDownloads < 1 {
		cfg.MaxParallelDownloads = 1
	}
	if cfg.MaxParallelDownloads > 10 {
		cfg.MaxParallelDownloads = 10
	}

	return cfg, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
