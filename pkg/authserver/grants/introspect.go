// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Token type hints of RFC 7009 and RFC 7662.
const (
	TokenTypeHintAccess  = "access_token"
	TokenTypeHintRefresh = "refresh_token"
)

// IntrospectRequest is an RFC 7662 introspection request.
type IntrospectRequest struct {
	ClientAuth
	Token string
}

// TokenInfo is the RFC 7662 introspection response. Only Active is set for
// tokens that are not active.
type TokenInfo struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
}

// Introspect reports whether a token is active. A token is active when its
// record exists, it has not expired or been rotated, its family was not
// revoked, its grant is ACTIVE, and its client still answers to the client
// id it was issued for. Public clients may only introspect their own tokens.
func (e *Engine) Introspect(ctx context.Context, req IntrospectRequest) (*TokenInfo, error) {
	caller, err := e.authenticate(ctx, req.ClientAuth)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	now := e.now().UTC()
	rec, err := e.tokens.GetToken(ctx, Signature(req.Token))
	if errors.Is(err, storage.ErrNotFound) {
		return &TokenInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if !caller.Type.Confidential() && rec.ClientRef != caller.ID {
		return &TokenInfo{}, nil
	}
	if rec.Expired(now) || !rec.RotatedAt.IsZero() {
		return &TokenInfo{}, nil
	}

	info := &TokenInfo{
		Active:    true,
		Scope:     scopes.Join(rec.Scopes),
		ClientID:  rec.ClientID,
		Subject:   rec.UserID,
		ExpiresAt: rec.ExpiresAt.Unix(),
		IssuedAt:  rec.IssuedAt.Unix(),
		Issuer:    e.cfg.Issuer,
		TokenID:   rec.TokenID,
	}
	switch rec.Kind {
	case storage.TokenAccess:
		if strings.HasPrefix(req.Token, refreshPrefix) {
			return &TokenInfo{}, nil
		}
		claims, err := e.verifyAccessToken(ctx, req.Token, now)
		if err != nil {
			logger.Debugw("access token failed verification", "error", err)
			return &TokenInfo{}, nil
		}
		info.TokenType = TokenTypeBearer
		info.Subject = claims.Subject
		info.Audience = claims.Audience
		info.TokenID = claims.ID
		if claims.NotBefore != nil {
			info.NotBefore = claims.NotBefore.Time().Unix()
		}
	case storage.TokenRefresh:
		info.TokenType = TokenTypeHintRefresh
	default:
		return &TokenInfo{}, nil
	}

	ok, err := e.stillValid(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TokenInfo{}, nil
	}
	return info, nil
}

// stillValid checks the family, client and grant a token was issued under.
func (e *Engine) stillValid(ctx context.Context, rec *storage.TokenRecord) (bool, error) {
	if _, err := e.tokens.GetFamily(ctx, rec.FamilyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load token family: %w", err)
	}

	c, err := e.clients.GetClientByClientID(ctx, rec.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load client: %w", err)
	}
	if c.ID != rec.ClientRef {
		return false, nil
	}

	active, err := e.activeGrant(ctx, rec.GrantID)
	if err != nil {
		return false, fmt.Errorf("failed to load grant: %w", err)
	}
	return active, nil
}
