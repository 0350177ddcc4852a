// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/grantkeeper/pkg/authserver"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Viper keys that override the configuration file.
const (
	keyIssuer         = "issuer"
	keyAddress        = "address"
	keySQLitePath     = "sqlite-path"
	keyRedisAddr      = "redis-addr"
	keyRedisPrefix    = "redis-key-prefix"
	keyRedisUsername  = "redis-username"
	keyRedisPassword  = "redis-password"
	keyKeyDir         = "key-dir"
	keySigningKeyFile = "signing-key-file"
	keyLoginURL       = "login-url"
	keyEnableDocs     = "enable-docs"
	keyMetrics        = "metrics"
)

// addConfigFlags registers the override flags on cmd and binds them to viper.
// Redis credentials are only read from the environment.
func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(keyIssuer, "", "Public base URL of the server")
	flags.String(keyAddress, "", "Listen address (default :8080)")
	flags.String(keySQLitePath, "", "SQLite database for clients and the authorization ledger")
	flags.String(keyRedisAddr, "", "Redis address for codes, tokens and consent requests")
	flags.String(keyRedisPrefix, "", "Prefix of every Redis key")
	flags.String(keyKeyDir, "", "Directory holding PEM encoded signing keys")
	flags.String(keySigningKeyFile, "", "Signing key file, relative to --key-dir")
	flags.String(keyLoginURL, "", "Where users without a session are sent")
	flags.Bool(keyEnableDocs, false, "Serve the OpenAPI document under /api/")
	flags.Bool(keyMetrics, false, "Serve Prometheus metrics on /metrics")

	for _, key := range []string{
		keyIssuer, keyAddress, keySQLitePath, keyRedisAddr, keyRedisPrefix,
		keyKeyDir, keySigningKeyFile, keyLoginURL, keyEnableDocs, keyMetrics,
	} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			logger.Errorf("Error binding %s flag: %v", key, err)
		}
	}
}

// loadConfig reads the configuration file named by --config, if any, and
// applies flag and environment overrides on top.
func loadConfig() (authserver.Config, error) {
	var cfg authserver.Config

	if path := viper.GetString("config"); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
		}
		logger.Debugw("loaded configuration file", "path", path)
	}

	applyOverrides(&cfg)
	return cfg, nil
}

func applyOverrides(cfg *authserver.Config) {
	setString := func(key string, dst *string) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}

	setString(keyIssuer, &cfg.Issuer)
	setString(keyAddress, &cfg.Address)
	setString(keySQLitePath, &cfg.Storage.SQLitePath)
	setString(keyKeyDir, &cfg.Keys.KeyDir)
	setString(keySigningKeyFile, &cfg.Keys.SigningKeyFile)
	setString(keyLoginURL, &cfg.LoginURL)

	if addr := viper.GetString(keyRedisAddr); addr != "" {
		cfg.Storage.Type = storage.TypeRedis
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &storage.RedisConfig{}
		}
		cfg.Storage.Redis.Addr = addr
	}
	if cfg.Storage.Redis != nil {
		setString(keyRedisPrefix, &cfg.Storage.Redis.KeyPrefix)
		user, pass := viper.GetString(keyRedisUsername), viper.GetString(keyRedisPassword)
		if user != "" || pass != "" {
			cfg.Storage.Redis.ACLUserConfig = &storage.ACLUserConfig{Username: user, Password: pass}
		}
	}

	if viper.GetBool(keyEnableDocs) {
		cfg.EnableDocs = true
	}
	if viper.GetBool(keyMetrics) {
		cfg.Metrics.Enabled = true
	}
}

// loadResolvedConfig is loadConfig with defaults applied and validated.
func loadResolvedConfig() (authserver.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Resolve(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
