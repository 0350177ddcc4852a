// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueClientID(t *testing.T) {
	t.Parallel()
	v := New()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := v.IssueClientID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, ClientIDPrefix))
		require.Len(t, id, len(ClientIDPrefix)+2*clientIDBytes)
		_, dup := seen[id]
		require.False(t, dup, "duplicate client id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIssueClientSecret(t *testing.T) {
	t.Parallel()
	v := New(WithBcryptCost(bcrypt.MinCost))

	plaintext, hash, err := v.IssueClientSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, ClientSecretPrefix))
	assert.Len(t, plaintext, len(ClientSecretPrefix)+2*clientSecretBytes)
	assert.NotContains(t, hash, plaintext)
	require.NoError(t, v.VerifySecret(hash, plaintext))
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()
	v := New(WithBcryptCost(bcrypt.MinCost))

	plaintext, hash, err := v.IssueClientSecret()
	require.NoError(t, err)
	other, _, err := v.IssueClientSecret()
	require.NoError(t, err)

	tests := []struct {
		name    string
		hash    string
		secret  string
		wantErr error
	}{
		{"match", hash, plaintext, nil},
		{"wrong secret", hash, other, bcrypt.ErrMismatchedHashAndPassword},
		{"empty secret", hash, "", bcrypt.ErrMismatchedHashAndPassword},
		{"missing prefix", hash, strings.TrimPrefix(plaintext, ClientSecretPrefix), bcrypt.ErrMismatchedHashAndPassword},
		{"no stored hash", "", plaintext, ErrEmptyHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.VerifySecret(tt.hash, tt.secret)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
