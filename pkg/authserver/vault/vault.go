// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vault generates client identifiers and secrets and hashes secrets
// for storage. Plaintext secrets leave the vault exactly once, in the return
// value of IssueClientSecret.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// ClientIDPrefix marks public client identifiers.
	ClientIDPrefix = "gk_"

	// ClientSecretPrefix marks client secrets so leaked values are recognizable.
	ClientSecretPrefix = "gks_"

	clientIDBytes     = 16
	clientSecretBytes = 24
)

// DefaultBcryptCost is the bcrypt work factor for secret hashes.
const DefaultBcryptCost = bcrypt.DefaultCost

// ErrEmptyHash is returned when verifying against a client with no secret.
var ErrEmptyHash = errors.New("client has no secret")

// Vault issues and verifies client credentials.
type Vault struct {
	cost int
}

// Option configures a Vault.
type Option func(*Vault)

// WithBcryptCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(v *Vault) {
		v.cost = cost
	}
}

// New creates a Vault.
func New(opts ...Option) *Vault {
	v := &Vault{cost: DefaultBcryptCost}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IssueClientID returns a new URL-safe public client identifier.
func (*Vault) IssueClientID() (string, error) {
	s, err := randomHex(clientIDBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client id: %w", err)
	}
	return ClientIDPrefix + s, nil
}

// IssueClientSecret returns a new secret and its bcrypt hash. Only the hash
// may be persisted.
func (v *Vault) IssueClientSecret() (plaintext string, hash string, err error) {
	s, err := randomHex(clientSecretBytes)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	plaintext = ClientSecretPrefix + s

	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.cost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return plaintext, string(h), nil
}

// VerifySecret compares plaintext with a stored hash.
func (*Vault) VerifySecret(hash, plaintext string) error {
	if hash == "" {
		return ErrEmptyHash
	}
	if plaintext == "" || !strings.HasPrefix(plaintext, ClientSecretPrefix) {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
