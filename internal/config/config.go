// Package config loads runtime configuration from the environment, with
// optional .env file support for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime settings for the alert engine.
type Config struct {
	ListenAddr string // HTTP listen address
	DataDir    string // directory for the sqlite database
	LogLevel   string
	LogFormat  string

	// ThresholdSeedFile optionally points at a JSON file of threshold
	// records loaded at startup and hot-reloaded on change.
	ThresholdSeedFile string

	// AutoResolve controls the opt-in recovery policy: when enabled, an
	// open alert resolves automatically after AutoResolveAfter consecutive
	// within-bounds readings for its key.
	AutoResolve      bool
	AutoResolveAfter int

	// ResolvedRetention bounds how long resolved alerts are kept before
	// the cleanup pass removes them. Zero disables cleanup.
	ResolvedRetention time.Duration
}

// Load reads configuration from the environment. A .env file in the data
// directory (or working directory) is applied first without overriding
// real environment variables.
func Load() *Config {
	dataDir := strings.TrimSpace(os.Getenv("FLEETWATCH_DATA_DIR"))
	if dataDir == "" {
		dataDir = "/var/lib/fleetwatch"
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg := &Config{
		ListenAddr:        ":7656",
		DataDir:           dataDir,
		LogLevel:          "info",
		LogFormat:         "auto",
		AutoResolve:       false,
		AutoResolveAfter:  3,
		ResolvedRetention: 30 * 24 * time.Hour,
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.ListenAddr = fmt.Sprintf(":%d", p)
		} else {
			log.Warn().Str("port", port).Msg("Ignoring invalid PORT value")
		}
	}
	if addr := os.Getenv("FLEETWATCH_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if seed := os.Getenv("FLEETWATCH_THRESHOLD_SEED"); seed != "" {
		cfg.ThresholdSeedFile = seed
	}
	if v := os.Getenv("FLEETWATCH_AUTO_RESOLVE"); v != "" {
		cfg.AutoResolve = parseBool(v)
	}
	if v := os.Getenv("FLEETWATCH_AUTO_RESOLVE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutoResolveAfter = n
		}
	}
	if v := os.Getenv("FLEETWATCH_RESOLVED_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.ResolvedRetention = d
		} else {
			log.Warn().Str("value", v).Msg("Ignoring invalid FLEETWATCH_RESOLVED_RETENTION")
		}
	}

	return cfg
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
