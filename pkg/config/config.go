// Package config loads service configuration from the environment and
// tenant profiles from YAML files.
package config

import (
	"os"
	"strconv"
)

// Config holds service configuration.
type Config struct {
	LogLevel     string
	DatabaseURL  string // Postgres DSN; empty means SQLite
	SQLitePath   string
	RedisAddr    string // empty disables the cross-process sweep lease
	OTLPEndpoint string
	ProfilesDir  string
	ArchiveDir   string
	SweepWorkers int
	NotifyRate   float64 // intents per second; 0 means unlimited
}

// Load reads configuration from environment variables with local defaults.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("VIGIL_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "vigil.db"
	}

	profilesDir := os.Getenv("VIGIL_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	archiveDir := os.Getenv("VIGIL_ARCHIVE_DIR")
	if archiveDir == "" {
		archiveDir = "archive"
	}

	workers := 8
	if raw := os.Getenv("VIGIL_SWEEP_WORKERS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			workers = n
		}
	}

	var notifyRate float64
	if raw := os.Getenv("VIGIL_NOTIFY_RATE"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			notifyRate = f
		}
	}

	return &Config{
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   sqlitePath,
		RedisAddr:    os.Getenv("VIGIL_REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilesDir:  profilesDir,
		ArchiveDir:   archiveDir,
		SweepWorkers: workers,
		NotifyRate:   notifyRate,
	}
}
