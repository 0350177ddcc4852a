// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeECKey(t *testing.T, dir, filename string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), data, 0600))
	return filename
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	t.Run("loads signing and fallback keys", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		signing := writeECKey(t, dir, "signing.pem")
		old := writeECKey(t, dir, "old.pem")

		provider, err := NewFileProvider(Config{KeyDir: dir, SigningKeyFile: signing, FallbackKeyFiles: []string{old}})
		require.NoError(t, err)

		key, err := provider.SigningKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ES256", key.Algorithm)
		assert.NotEmpty(t, key.KeyID)

		pubKeys, err := provider.PublicKeys(context.Background())
		require.NoError(t, err)
		require.Len(t, pubKeys, 2)
		assert.Equal(t, key.KeyID, pubKeys[0].KeyID)
		assert.NotEqual(t, pubKeys[0].KeyID, pubKeys[1].KeyID)
	})

	t.Run("requires signing key file", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider(Config{KeyDir: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signing key file is required")
	})

	t.Run("missing fallback key", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		signing := writeECKey(t, dir, "signing.pem")

		_, err := NewFileProvider(Config{KeyDir: dir, SigningKeyFile: signing, FallbackKeyFiles: []string{"gone.pem"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load fallback key gone.pem")
	})
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()

	t.Run("generates once under concurrency", func(t *testing.T) {
		t.Parallel()
		provider := NewGeneratingProvider("")

		var wg sync.WaitGroup
		ids := make([]string, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key, err := provider.SigningKey(context.Background())
				assert.NoError(t, err)
				ids[i] = key.KeyID
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		t.Parallel()
		_, err := NewGeneratingProvider("RS256").SigningKey(context.Background())
		require.Error(t, err)
	})
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	p, err := NewProviderFromConfig(Config{})
	require.NoError(t, err)
	assert.IsType(t, &GeneratingProvider{}, p)

	_, err = NewProviderFromConfig(Config{KeyDir: t.TempDir()})
	require.Error(t, err)
}

func TestJWKS(t *testing.T) {
	t.Parallel()

	provider := NewGeneratingProvider("ES384")
	set, err := JWKS(context.Background(), provider)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	key, err := provider.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, set.Keys[0].KeyID)
	assert.Equal(t, "ES384", set.Keys[0].Algorithm)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.True(t, set.Keys[0].IsPublic())
}
