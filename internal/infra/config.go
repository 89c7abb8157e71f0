package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// PublicBaseURL is the address providers can reach us on; webhook
	// callback URLs are built from it.
	PublicBaseURL string

	// RecordStore selects the batch record backend: airtable, postgres or
	// memory.
	RecordStore     string
	DatabaseURL     string
	AirtableAPIKey  string
	AirtableBaseID  string
	AirtableTable   string
	AirtableBaseURL string

	FalAPIKey         string
	FalModel          string
	ReplicateAPIToken string
	ReplicateVersion  string
	ProviderTimeout   time.Duration

	ScanInterval   time.Duration
	StaleThreshold time.Duration
	FailurePolicy  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		RecordStore:       getEnv("RECORD_STORE", "airtable"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AirtableAPIKey:    os.Getenv("AIRTABLE_API_KEY"),
		AirtableBaseID:    os.Getenv("AIRTABLE_BASE_ID"),
		AirtableTable:     getEnv("AIRTABLE_TABLE", "Batches"),
		AirtableBaseURL:   getEnv("AIRTABLE_BASE_URL", "https://api.airtable.com/v0"),
		FalAPIKey:         os.Getenv("FAL_API_KEY"),
		FalModel:          os.Getenv("FAL_MODEL"),
		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateVersion:  os.Getenv("REPLICATE_VERSION"),
		ProviderTimeout:   time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)),
		ScanInterval:      time.Second * time.Duration(getEnvInt("SCAN_INTERVAL_SECONDS", 60)),
		StaleThreshold:    time.Second * time.Duration(getEnvInt("STALE_THRESHOLD_SECONDS", 180)),
		FailurePolicy:     getEnv("FAILURE_POLICY", "fail_fast"),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL is required")
	}

	switch cfg.RecordStore {
	case "airtable":
		if cfg.AirtableAPIKey == "" || cfg.AirtableBaseID == "" {
			return nil, fmt.Errorf("AIRTABLE_API_KEY and AIRTABLE_BASE_ID are required for the airtable record store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres record store")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown RECORD_STORE %q", cfg.RecordStore)
	}

	if cfg.FalAPIKey == "" && cfg.ReplicateAPIToken == "" {
		return nil, fmt.Errorf("at least one of FAL_API_KEY or REPLICATE_API_TOKEN is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
