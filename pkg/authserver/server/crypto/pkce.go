// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the cryptographic primitives of the authorization
// server: PKCE verification (RFC 7636) and signing key loading.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// PKCEChallengeMethodPlain is recognized only to be rejected.
const PKCEChallengeMethodPlain = "plain"

// Verifier length bounds from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// s256ChallengeLength is the length of an unpadded base64url SHA-256 digest.
const s256ChallengeLength = 43

var (
	// ErrPKCEInvalidVerifier is returned when the code_verifier is malformed.
	ErrPKCEInvalidVerifier = errors.New("code_verifier must be 43-128 unreserved characters")

	// ErrPKCEInvalidChallenge is returned when the code_challenge is malformed.
	ErrPKCEInvalidChallenge = errors.New("code_challenge is not a base64url SHA-256 digest")

	// ErrPKCEUnsupportedMethod is returned for any method other than S256.
	ErrPKCEUnsupportedMethod = errors.New("code_challenge_method must be S256")

	// ErrPKCEMismatch is returned when the verifier does not hash to the challenge.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")
)

// GeneratePKCEVerifier generates a random 43 character code_verifier.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateChallenge checks an authorize-time challenge and method. An empty
// method defaults to S256; plain is rejected.
func ValidateChallenge(challenge, method string) error {
	if method != "" && method != PKCEChallengeMethodS256 {
		return ErrPKCEUnsupportedMethod
	}
	if len(challenge) != s256ChallengeLength {
		return ErrPKCEInvalidChallenge
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return ErrPKCEInvalidChallenge
	}
	return nil
}

// ValidateVerifier checks length and character set of a code_verifier.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrPKCEInvalidVerifier
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return ErrPKCEInvalidVerifier
		}
	}
	return nil
}

// VerifyPKCE checks verifier against the stored challenge. The verifier is
// validated before it is hashed and the digests are compared in constant time.
func VerifyPKCE(verifier, challenge, method string) error {
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	if method != "" && method != PKCEChallengeMethodS256 {
		return ErrPKCEUnsupportedMethod
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// isUnreserved reports whether c is in the RFC 3986 unreserved set.
func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
