// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	initViper()
	t.Cleanup(viper.Reset)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grantkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) { //nolint:paralleltest // Uses global viper state and env
	resetViper(t)
	viper.Set("config", writeConfig(t, `
issuer: https://auth.example.com
storage:
  sqlite_path: /data/file.db
enable_docs: false
`))
	t.Setenv("GRANTKEEPER_SQLITE_PATH", "/data/env.db")
	t.Setenv("GRANTKEEPER_REDIS_ADDR", "redis:6379")
	t.Setenv("GRANTKEEPER_REDIS_KEY_PREFIX", "gk:prod:")
	t.Setenv("GRANTKEEPER_REDIS_PASSWORD", "s3cret")
	t.Setenv("GRANTKEEPER_ENABLE_DOCS", "true")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, "/data/env.db", cfg.Storage.SQLitePath)
	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	require.NotNil(t, cfg.Storage.Redis)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "gk:prod:", cfg.Storage.Redis.KeyPrefix)
	require.NotNil(t, cfg.Storage.Redis.ACLUserConfig)
	assert.Equal(t, "s3cret", cfg.Storage.Redis.ACLUserConfig.Password)
	assert.True(t, cfg.EnableDocs)
}

func TestLoadConfig_Errors(t *testing.T) { //nolint:paralleltest // Uses global viper state
	resetViper(t)

	viper.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read configuration file")

	viper.Set("config", writeConfig(t, "issuer: [not, a, string"))
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse configuration file")

	viper.Set("config", writeConfig(t, "issuer: http://auth.example.com\n"))
	_, err = loadResolvedConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestValidateCommand(t *testing.T) { //nolint:paralleltest // Uses global viper state
	resetViper(t)

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--issuer", "https://auth.example.com", "--metrics"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "https://auth.example.com")
	assert.Contains(t, out.String(), "8080")
	assert.Contains(t, out.String(), "enabled: true")
}

func TestMigrateCommand(t *testing.T) { //nolint:paralleltest // Uses global viper state
	resetViper(t)

	dbPath := filepath.Join(t.TempDir(), "gk.db")
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "--sqlite-path", dbPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "schema version")
	_, err := os.Stat(dbPath)
	require.NoError(t, err)
}

func TestSetOfficialRequiresDurableStorage(t *testing.T) { //nolint:paralleltest // Uses global viper state
	resetViper(t)

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"clients", "set-official", "some-id", "--issuer", "https://auth.example.com"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires storage.sqlite_path")
}
