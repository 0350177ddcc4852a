// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, dir, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0600))
	return path
}

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	smallRSAKey, err := rsa.GenerateKey(rand.Reader, 1024) //nolint:gosec // deliberately undersized
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name      string
		setup     func(t *testing.T, dir string) string
		wantErr   string
		checkType any
	}{
		{
			name: "RSA PKCS1",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				return writePEM(t, dir, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))
			},
			checkType: &rsa.PrivateKey{},
		},
		{
			name: "EC SEC1",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				der, err := x509.MarshalECPrivateKey(ecKey)
				require.NoError(t, err)
				return writePEM(t, dir, "EC PRIVATE KEY", der)
			},
			checkType: &ecdsa.PrivateKey{},
		},
		{
			name: "Ed25519 PKCS8",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				der, err := x509.MarshalPKCS8PrivateKey(edKey)
				require.NoError(t, err)
				return writePEM(t, dir, "PRIVATE KEY", der)
			},
			checkType: ed25519.PrivateKey{},
		},
		{
			name: "RSA below minimum size",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				return writePEM(t, dir, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(smallRSAKey))
			},
			wantErr: "below minimum required",
		},
		{
			name: "invalid PEM",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				path := filepath.Join(dir, "key.pem")
				require.NoError(t, os.WriteFile(path, []byte("not valid PEM"), 0600))
				return path
			},
			wantErr: "failed to decode PEM block",
		},
		{
			name:    "missing file",
			setup:   func(_ *testing.T, dir string) string { return filepath.Join(dir, "missing.pem") },
			wantErr: "failed to read signing key",
		},
		{
			name: "garbage key data",
			setup: func(t *testing.T, dir string) string {
				t.Helper()
				return writePEM(t, dir, "PRIVATE KEY", []byte("garbage"))
			},
			wantErr: "failed to parse signing key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			signer, err := LoadSigningKey(tt.setup(t, t.TempDir()))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, signer)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.checkType, signer)
		})
	}
}

func TestDeriveSigningKeyParams(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ec384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name      string
		key       crypto.Signer
		keyID     string
		algorithm string
		wantAlg   string
		wantErr   string
	}{
		{"derive both for RSA", rsaKey, "", "", "RS256", ""},
		{"derive both for EC", ecKey, "", "", "ES256", ""},
		{"derive for P-384", ec384, "", "", "ES384", ""},
		{"derive both for Ed25519", edKey, "", "", "EdDSA", ""},
		{"use provided values", rsaKey, "my-key", "RS384", "RS384", ""},
		{"invalid alg for RSA", rsaKey, "key", "ES256", "", "not compatible with RSA"},
		{"invalid alg for EC curve", ecKey, "key", "ES384", "", "not compatible with EC"},
		{"invalid alg for Ed25519", edKey, "key", "RS256", "", "not compatible with Ed25519"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := DeriveSigningKeyParams(tt.key, tt.keyID, tt.algorithm)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, params.Algorithm)
			if tt.keyID != "" {
				assert.Equal(t, tt.keyID, params.KeyID)
			} else {
				assert.NotEmpty(t, params.KeyID)
			}
		})
	}
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	key1, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key2, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	id1, err := DeriveKeyID(key1)
	require.NoError(t, err)
	again, err := DeriveKeyID(key1)
	require.NoError(t, err)
	id2, err := DeriveKeyID(key2)
	require.NoError(t, err)

	assert.Equal(t, id1, again)
	assert.NotEqual(t, id1, id2)
}
