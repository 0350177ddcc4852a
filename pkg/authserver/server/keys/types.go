// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the keys that sign access tokens and publishes their
// public halves as a JWKS.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the algorithm of generated keys.
const DefaultAlgorithm = "ES256"

// SigningKeyData is a private signing key with its JOSE metadata.
type SigningKeyData struct {
	// KeyID is the RFC 7638 thumbprint, published as "kid".
	KeyID string

	// Algorithm is the JWS algorithm (e.g. "ES256", "RS256").
	Algorithm string

	// Key is the private key.
	Key crypto.Signer

	// CreatedAt is when the key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData is the public portion of a signing key.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

func (k *SigningKeyData) clone() *SigningKeyData {
	c := *k
	return &c
}

func (k *SigningKeyData) public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}
