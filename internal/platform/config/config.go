// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis) via constructors.
  - Zero Hidden State: No global variables are used to store config.

This ensures the application is Twelve-Factor compliant by storing config in the env.
*/
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// # Configuration Schema

// Config holds all runtime configuration for the view server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// ChangelogDatabaseURL is the PostgreSQL DSN backing the change log and
	// column-metadata tables.
	ChangelogDatabaseURL string `env:"CHANGELOG_DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./migrations"`

	// PokeRedisURL is the Redis instance poke batches are fanned out through
	// (pub/sub on constants.RedisChannelPokes).
	PokeRedisURL string `env:"POKE_REDIS_URL,required"`

	// Cryptographic keys for the debug surface's bearer-token verification
	JWTPrivKeyPath string `env:"JWT_PRIVATE_KEY_PATH"`
	JWTPubKeyPath  string `env:"JWT_PUBLIC_KEY_PATH"`

	// ReplayBufferMS is the playback buffer window (in milliseconds) the poke
	// handler holds frames in before they become eligible for application.
	ReplayBufferMS int64 `env:"REPLAY_BUFFER_MS" envDefault:"50"`

	// PlaybackResetThresholdMS is how far the estimated playback offset may
	// drift from the wall clock before the poke handler resets it outright.
	PlaybackResetThresholdMS int64 `env:"PLAYBACK_RESET_THRESHOLD_MS" envDefault:"1000"`

	// JoinCacheSampleSize is the number of fetches the join operator's
	// fetch-time cache samples before deciding whether to keep caching.
	JoinCacheSampleSize int `env:"JOIN_CACHE_SAMPLE_SIZE" envDefault:"100"`

	// JoinCacheMinHitRate is the minimum observed hit rate, over a sample
	// window, required for the join cache to stay enabled.
	JoinCacheMinHitRate float64 `env:"JOIN_CACHE_MIN_HIT_RATE" envDefault:"0.5"`

	// JoinCacheMaxNodes bounds the number of nodes one join Fetch's cache
	// may hold; a Fetch whose cache would exceed it stops caching for the
	// rest of that Fetch (no entries are evicted).
	JoinCacheMaxNodes int `env:"JOIN_CACHE_MAX_NODES" envDefault:"10000"`

	// Cross-Origin Resource Sharing
	ExtraOrigins string `env:"EXTRA_ORIGINS"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigins returns the set of origins permitted to make cross-origin
// requests in non-development environments.
func (c *Config) AllowedOrigins() []string {
	if c.ExtraOrigins == "" {
		return nil
	}
	parts := strings.Split(c.ExtraOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
