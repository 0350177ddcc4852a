// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
)

// accessTokenType is the JOSE typ header of access tokens (RFC 9068).
const accessTokenType = "at+jwt"

var errUnknownKey = errors.New("token signed with an unknown key")

// supportedAlgorithms are accepted when parsing access tokens.
var supportedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// signAccessToken mints a signed access token.
func (e *Engine) signAccessToken(
	ctx context.Context, subject, clientID string, granted []string, issuedAt, expiresAt time.Time,
) (token, jti string, err error) {
	key, err := e.keys.SigningKey(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to load signing key: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(key.Algorithm),
			Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm},
		},
		(&jose.SignerOptions{}).WithType(accessTokenType),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to create signer: %w", err)
	}

	jti = uuid.NewString()
	claims := AccessClaims{
		Claims: jwt.Claims{
			Issuer:    e.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.Audience{clientID},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			Expiry:    jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    scopes.Join(granted),
	}

	token, err = jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, jti, nil
}

// verifyAccessToken checks the signature, issuer and lifetime of an access token.
func (e *Engine) verifyAccessToken(ctx context.Context, raw string, now time.Time) (*AccessClaims, error) {
	tok, err := jwt.ParseSigned(raw, supportedAlgorithms)
	if err != nil {
		return nil, err
	}
	if len(tok.Headers) != 1 {
		return nil, errors.New("access token must have exactly one signature")
	}
	kid := tok.Headers[0].KeyID

	pubKeys, err := e.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load public keys: %w", err)
	}
	for _, k := range pubKeys {
		if k.KeyID != kid {
			continue
		}
		var claims AccessClaims
		if err := tok.Claims(k.PublicKey, &claims); err != nil {
			return nil, err
		}
		if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: e.cfg.Issuer, Time: now}, 0); err != nil {
			return nil, err
		}
		return &claims, nil
	}
	return nil, errUnknownKey
}
