// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"time"
)

// Type defines the type of the ephemeral storage backend.
type Type string

const (
	// TypeMemory keeps everything in process memory (default).
	TypeMemory Type = "memory"

	// TypeRedis keeps codes, tokens and pending consents in Redis.
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often the memory backend drops expired entries.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultInvalidatedCodeTTL is how long a consumed code is kept for replay detection.
	DefaultInvalidatedCodeTTL = 30 * time.Minute

	// DefaultPendingConsentTTL is the lifetime of a consent request.
	DefaultPendingConsentTTL = 10 * time.Minute
)

// Config configures the storage backends.
type Config struct {
	// Type selects the backend for codes, tokens and consents. Defaults to memory.
	Type Type `json:"type,omitempty" yaml:"type,omitempty"`

	// SQLitePath is the database file for clients and the ledger. Empty keeps
	// them in memory.
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`

	// Redis is required when Type is redis.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// DefaultConfig returns the memory-only configuration.
func DefaultConfig() *Config {
	return &Config{Type: TypeMemory}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return errors.New("redis configuration is required for redis storage")
		}
		return validateRedisConfig(c.Redis)
	default:
		return errors.New("unsupported storage type: " + string(c.Type))
	}
}
