// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for token signing.
const MinRSAKeyBits = 2048

// SigningKeyParams are the derived JOSE parameters of a signing key.
type SigningKeyParams struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
}

// LoadSigningKey reads a PEM encoded private key. RSA (PKCS1/PKCS8),
// ECDSA (SEC1/PKCS8) and Ed25519 (PKCS8) keys are supported.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	signer, err := parsePrivateKey(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits", rsaKey.N.BitLen(), MinRSAKeyBits)
	}
	return signer, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

// DeriveAlgorithm picks the JWS algorithm that matches the key type.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return string(jose.ES256), nil
		case elliptic.P384():
			return string(jose.ES384), nil
		case elliptic.P521():
			return string(jose.ES512), nil
		}
		return "", fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return string(jose.EdDSA), nil
	}
	return "", fmt.Errorf("unsupported key type %T", key)
}

// ValidateAlgorithmForKey checks that alg can be produced by key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch jose.SignatureAlgorithm(alg) {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		}
		return fmt.Errorf("algorithm %s is not compatible with RSA keys", alg)
	case *ecdsa.PrivateKey:
		want, err := DeriveAlgorithm(k)
		if err != nil {
			return err
		}
		if alg != want {
			return fmt.Errorf("algorithm %s is not compatible with EC key on curve %s", alg, k.Curve.Params().Name)
		}
		return nil
	case ed25519.PrivateKey:
		if jose.SignatureAlgorithm(alg) != jose.EdDSA {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 keys", alg)
		}
		return nil
	}
	return fmt.Errorf("unsupported key type %T", key)
}

// DeriveSigningKeyParams fills in a missing key ID (RFC 7638 thumbprint) and
// algorithm, and validates an explicit algorithm against the key.
func DeriveSigningKeyParams(key crypto.Signer, keyID, algorithm string) (*SigningKeyParams, error) {
	if algorithm == "" {
		derived, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, err
		}
		algorithm = derived
	} else if err := ValidateAlgorithmForKey(algorithm, key); err != nil {
		return nil, err
	}

	if keyID == "" {
		derived, err := DeriveKeyID(key)
		if err != nil {
			return nil, err
		}
		keyID = derived
	}

	return &SigningKeyParams{KeyID: keyID, Algorithm: algorithm, Key: key}, nil
}

// DeriveKeyID returns the base64url RFC 7638 SHA-256 thumbprint of the public key.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
