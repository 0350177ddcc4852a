// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	v1 := GeneratePKCEVerifier()
	v2 := GeneratePKCEVerifier()
	assert.Len(t, v1, 43)
	assert.NotEqual(t, v1, v2)
	require.NoError(t, ValidateVerifier(v1))
}

func TestComputePKCEChallenge(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", ComputePKCEChallenge(verifier))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	valid := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(valid)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		wantErr   error
	}{
		{"valid S256", valid, challenge, PKCEChallengeMethodS256, nil},
		{"empty method defaults to S256", valid, challenge, "", nil},
		{"plain rejected", valid, valid, PKCEChallengeMethodPlain, ErrPKCEUnsupportedMethod},
		{"mismatch", GeneratePKCEVerifier(), challenge, PKCEChallengeMethodS256, ErrPKCEMismatch},
		{"too short", strings.Repeat("a", 42), challenge, PKCEChallengeMethodS256, ErrPKCEInvalidVerifier},
		{"too long", strings.Repeat("a", 129), challenge, PKCEChallengeMethodS256, ErrPKCEInvalidVerifier},
		{"reserved character", strings.Repeat("a", 42) + "/", challenge, PKCEChallengeMethodS256, ErrPKCEInvalidVerifier},
		{"empty verifier", "", challenge, PKCEChallengeMethodS256, ErrPKCEInvalidVerifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := VerifyPKCE(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// Every valid verifier length must round trip through the S256 digest.
func TestVerifyPKCEAllLengths(t *testing.T) {
	t.Parallel()

	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	for n := MinVerifierLength; n <= MaxVerifierLength; n++ {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(alphabet[(i*7+n)%len(alphabet)])
		}
		verifier := b.String()
		sum := sha256.Sum256([]byte(verifier))
		challenge := base64.RawURLEncoding.EncodeToString(sum[:])

		require.NoError(t, VerifyPKCE(verifier, challenge, PKCEChallengeMethodS256), "length %d", n)
	}
}

func TestValidateChallenge(t *testing.T) {
	t.Parallel()

	good := ComputePKCEChallenge(GeneratePKCEVerifier())

	require.NoError(t, ValidateChallenge(good, PKCEChallengeMethodS256))
	require.NoError(t, ValidateChallenge(good, ""))
	require.ErrorIs(t, ValidateChallenge(good, PKCEChallengeMethodPlain), ErrPKCEUnsupportedMethod)
	require.ErrorIs(t, ValidateChallenge("short", PKCEChallengeMethodS256), ErrPKCEInvalidChallenge)
	require.ErrorIs(t, ValidateChallenge(strings.Repeat("+", 43), PKCEChallengeMethodS256), ErrPKCEInvalidChallenge)
}
