// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	servercrypto "github.com/stacklok/grantkeeper/pkg/authserver/server/crypto"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// ExchangeRequest is an authorization_code token request.
type ExchangeRequest struct {
	ClientAuth
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest is a refresh_token token request. An empty Scope keeps the
// scopes of the presented token; otherwise it must be a subset of them.
type RefreshRequest struct {
	ClientAuth
	RefreshToken string
	Scope        string
}

// ClientCredentialsRequest is a client_credentials token request.
type ClientCredentialsRequest struct {
	ClientAuth
	Scope string
}

// mintedTokens are the plaintext values matching an IssuedTokens.
type mintedTokens struct {
	issue   *storage.IssuedTokens
	access  string
	refresh string
}

func (m *mintedTokens) pair(now time.Time) *TokenPair {
	return &TokenPair{
		AccessToken:  m.access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(m.issue.Access.ExpiresAt.Sub(now).Seconds()),
		RefreshToken: m.refresh,
		Scope:        scopes.Join(m.issue.Access.Scopes),
		ExpiresAt:    m.issue.Access.ExpiresAt,
	}
}

// tokenSubject describes who tokens are minted for.
type tokenSubject struct {
	familyID    string
	clientID    string
	clientRef   string
	userID      string
	grantID     string
	scopes      []string
	withRefresh bool
}

// mint signs an access token and, when requested, creates a refresh token.
func (e *Engine) mint(ctx context.Context, s tokenSubject, now time.Time) (*mintedTokens, error) {
	subject := s.userID
	if subject == "" {
		subject = s.clientID
	}
	accessExp := now.Add(e.cfg.AccessTokenTTL)
	access, jti, err := e.signAccessToken(ctx, subject, s.clientID, s.scopes, now, accessExp)
	if err != nil {
		return nil, err
	}

	out := &mintedTokens{
		access: access,
		issue: &storage.IssuedTokens{
			Access: &storage.TokenRecord{
				Signature: Signature(access),
				Kind:      storage.TokenAccess,
				TokenID:   jti,
				FamilyID:  s.familyID,
				ClientID:  s.clientID,
				ClientRef: s.clientRef,
				UserID:    s.userID,
				GrantID:   s.grantID,
				Scopes:    s.scopes,
				IssuedAt:  now,
				ExpiresAt: accessExp,
			},
		},
	}
	if !s.withRefresh {
		return out, nil
	}

	refresh, sig, err := newOpaqueToken(refreshPrefix)
	if err != nil {
		return nil, err
	}
	out.refresh = refresh
	out.issue.Refresh = &storage.TokenRecord{
		Signature: sig,
		Kind:      storage.TokenRefresh,
		TokenID:   uuid.NewString(),
		FamilyID:  s.familyID,
		ClientID:  s.clientID,
		ClientRef: s.clientRef,
		UserID:    s.userID,
		GrantID:   s.grantID,
		Scopes:    s.scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.cfg.RefreshTokenTTL),
	}
	return out, nil
}

// newFamily returns the head of a token family covering minted.
func newFamily(s tokenSubject, codeSig string, now time.Time) *storage.Family {
	return &storage.Family{
		ID:            s.familyID,
		ClientID:      s.clientID,
		ClientRef:     s.clientRef,
		UserID:        s.userID,
		GrantID:       s.grantID,
		CodeSignature: codeSig,
		CreatedAt:     now,
	}
}

// failed records a rejected token request and returns err.
func (e *Engine) failed(ctx context.Context, grantType string, err error) error {
	reason := "server_error"
	switch {
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, ErrInvalidClient):
		reason = "invalid_client"
	case errors.Is(err, ErrInvalidScope):
		reason = "invalid_scope"
	case errors.Is(err, ErrUnauthorizedClient):
		reason = "unauthorized_client"
	case errors.Is(err, ErrInvalidRequest):
		reason = "invalid_request"
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrClientMismatch),
		errors.Is(err, ErrPKCEFailed), errors.Is(err, ErrTokenReuse):
		reason = "invalid_grant"
	}
	e.metrics.GrantFailed(ctx, grantType, reason)
	return err
}

// ExchangeCode redeems an authorization code for a token pair.
//
// A code that was already consumed revokes the token family minted from it.
// Consumption and issuance are one store call.
func (e *Engine) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenPair, error) {
	pair, err := e.exchangeCode(ctx, req)
	if err != nil {
		return nil, e.failed(ctx, GrantTypeAuthorizationCode, err)
	}
	e.metrics.TokensIssued(ctx, GrantTypeAuthorizationCode)
	return pair, nil
}

func (e *Engine) exchangeCode(ctx context.Context, req ExchangeRequest) (*TokenPair, error) {
	c, err := e.authenticate(ctx, req.ClientAuth)
	if err != nil {
		return nil, err
	}
	if c.Type == storage.ClientTypeService {
		return nil, fmt.Errorf("%w: SERVICE clients use client_credentials", ErrUnauthorizedClient)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	now := e.now().UTC()
	sig := Signature(req.Code)
	code, err := e.tokens.GetAuthorizationCode(ctx, sig)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown authorization code", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	switch code.State(now) {
	case storage.CodeConsumed:
		return nil, e.codeReplayed(ctx, code)
	case storage.CodeExpired:
		return nil, fmt.Errorf("%w: authorization code expired", ErrInvalidGrant)
	}

	if code.ClientRef != c.ID || code.ClientID != c.ClientID {
		e.metrics.SecurityEvent(ctx, metrics.EventClientMismatch)
		logger.Warnw("authorization code presented by another client",
			"code_client", code.ClientRef,
			"client", c.ID,
			"ip", clientIP(ctx),
		)
		return nil, ErrClientMismatch
	}
	if err := matchRedirect(code.RedirectURI, req.RedirectURI); err != nil {
		e.metrics.SecurityEvent(ctx, metrics.EventClientMismatch)
		logger.Warnw("authorization code redirect_uri mismatch",
			"client", c.ID,
			"redirect_uri", req.RedirectURI,
			"ip", clientIP(ctx),
		)
		return nil, err
	}
	if err := verifyCodePKCE(code, req.CodeVerifier); err != nil {
		e.metrics.SecurityEvent(ctx, metrics.EventPKCEFailure)
		logger.Warnw("PKCE verification failed",
			"client", c.ID,
			"user", code.UserID,
			"reason", err,
			"ip", clientIP(ctx),
		)
		return nil, err
	}

	active, err := e.activeGrant(ctx, code.GrantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("%w: authorization was revoked", ErrInvalidGrant)
	}

	granted, err := e.userScopes(ctx, code.UserID, code.Scopes)
	if err != nil {
		return nil, err
	}
	subject := tokenSubject{
		familyID:    uuid.NewString(),
		clientID:    c.ClientID,
		clientRef:   c.ID,
		userID:      code.UserID,
		grantID:     code.GrantID,
		scopes:      granted,
		withRefresh: true,
	}
	minted, err := e.mint(ctx, subject, now)
	if err != nil {
		return nil, err
	}
	minted.issue.Family = newFamily(subject, sig, now)

	stored, err := e.tokens.RedeemAuthorizationCode(ctx, sig, now, minted.issue)
	switch {
	case errors.Is(err, storage.ErrCodeConsumed):
		// A concurrent exchange of the same code won.
		return nil, e.codeReplayed(ctx, stored)
	case errors.Is(err, storage.ErrExpired):
		return nil, fmt.Errorf("%w: authorization code expired", ErrInvalidGrant)
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: unknown authorization code", ErrInvalidGrant)
	case err != nil:
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	logger.Infow("authorization code exchanged",
		"client", c.ID,
		"user", code.UserID,
		"grant", code.GrantID,
		"family", subject.familyID,
	)
	return minted.pair(now), nil
}

// codeReplayed revokes what was minted from a consumed code.
func (e *Engine) codeReplayed(ctx context.Context, code *storage.AuthorizationCode) error {
	e.metrics.SecurityEvent(ctx, metrics.EventCodeReplay)
	var familyID string
	if code != nil {
		familyID = code.FamilyID
		logger.Warnw("authorization code replay detected, revoking issued tokens",
			"client", code.ClientRef,
			"user", code.UserID,
			"grant", code.GrantID,
			"family", familyID,
			"ip", clientIP(ctx),
		)
	}
	e.revokeFamily(ctx, familyID, metrics.EventCodeReplay)
	return fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
}

// matchRedirect compares the token request's redirect_uri with the one the
// code was issued for.
func matchRedirect(issued, presented string) error {
	if presented == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrClientMismatch)
	}
	normalized, err := clients.NormalizeURI(presented)
	if err != nil || normalized != issued {
		return fmt.Errorf("%w: redirect_uri does not match", ErrClientMismatch)
	}
	return nil
}

func verifyCodePKCE(code *storage.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return fmt.Errorf("%w: no code_challenge was sent with the authorization request", ErrPKCEFailed)
		}
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("%w: code_verifier is required", ErrPKCEFailed)
	}
	if err := servercrypto.VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
		return fmt.Errorf("%w: %w", ErrPKCEFailed, err)
	}
	return nil
}

// ClientCredentials issues an access token to a SERVICE client. Only
// scopes.ServiceScope can be obtained, whatever scopes the client is
// configured with; an empty request defaults to it.
func (e *Engine) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenPair, error) {
	pair, err := e.clientCredentials(ctx, req)
	if err != nil {
		return nil, e.failed(ctx, GrantTypeClientCredentials, err)
	}
	e.metrics.TokensIssued(ctx, GrantTypeClientCredentials)
	return pair, nil
}

func (e *Engine) clientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenPair, error) {
	c, err := e.authenticate(ctx, req.ClientAuth)
	if err != nil {
		return nil, err
	}
	if c.Type != storage.ClientTypeService {
		return nil, fmt.Errorf("%w: only SERVICE clients may use client_credentials", ErrUnauthorizedClient)
	}

	requested := []string(scopes.Parse(req.Scope))
	if len(requested) == 0 {
		requested = []string{scopes.ServiceScope}
	}
	for _, s := range requested {
		if s != scopes.ServiceScope {
			return nil, fmt.Errorf("%w: SERVICE clients may only request %s, got %s",
				ErrInvalidScope, scopes.ServiceScope, s)
		}
	}

	now := e.now().UTC()
	subject := tokenSubject{
		familyID:  uuid.NewString(),
		clientID:  c.ClientID,
		clientRef: c.ID,
		scopes:    requested,
	}
	minted, err := e.mint(ctx, subject, now)
	if err != nil {
		return nil, err
	}
	minted.issue.Family = newFamily(subject, "", now)
	if err := e.tokens.CreateTokens(ctx, minted.issue); err != nil {
		return nil, fmt.Errorf("failed to store tokens: %w", err)
	}

	logger.Infow("client credentials token issued", "client", c.ID)
	return minted.pair(now), nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family and returns ErrTokenReuse.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	pair, err := e.refresh(ctx, req)
	if err != nil {
		return nil, e.failed(ctx, GrantTypeRefreshToken, err)
	}
	e.metrics.TokensIssued(ctx, GrantTypeRefreshToken)
	return pair, nil
}

func (e *Engine) refresh(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	c, err := e.authenticate(ctx, req.ClientAuth)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	now := e.now().UTC()
	sig := Signature(req.RefreshToken)
	rec, err := e.tokens.GetToken(ctx, sig)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if rec.Kind != storage.TokenRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidGrant)
	}
	if rec.ClientRef != c.ID || rec.ClientID != c.ClientID {
		e.metrics.SecurityEvent(ctx, metrics.EventClientMismatch)
		logger.Warnw("refresh token presented by another client",
			"token_client", rec.ClientRef,
			"client", c.ID,
			"ip", clientIP(ctx),
		)
		return nil, ErrClientMismatch
	}
	if !rec.RotatedAt.IsZero() {
		return nil, e.refreshReused(ctx, rec)
	}
	if rec.Expired(now) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	active, err := e.activeGrant(ctx, rec.GrantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	if !active {
		e.revokeFamily(ctx, rec.FamilyID, "grant_inactive")
		return nil, fmt.Errorf("%w: authorization was revoked", ErrInvalidGrant)
	}

	granted := rec.Scopes
	if requested := []string(scopes.Parse(req.Scope)); len(requested) > 0 {
		if !scopes.Covers(rec.Scopes, requested) {
			return nil, fmt.Errorf("%w: refresh may only narrow the granted scopes", ErrInvalidScope)
		}
		granted = requested
	}
	// Permissions may have been withdrawn since the token was issued.
	if granted, err = e.userScopes(ctx, rec.UserID, granted); err != nil {
		return nil, err
	}

	subject := tokenSubject{
		familyID:    rec.FamilyID,
		clientID:    c.ClientID,
		clientRef:   c.ID,
		userID:      rec.UserID,
		grantID:     rec.GrantID,
		scopes:      granted,
		withRefresh: true,
	}
	minted, err := e.mint(ctx, subject, now)
	if err != nil {
		return nil, err
	}

	stored, err := e.tokens.RotateRefreshToken(ctx, sig, now, minted.issue)
	switch {
	case errors.Is(err, storage.ErrTokenRotated):
		// A concurrent refresh with the same token won.
		return nil, e.refreshReused(ctx, stored)
	case errors.Is(err, storage.ErrExpired):
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: refresh token was revoked", ErrInvalidGrant)
	case err != nil:
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	logger.Debugw("refresh token rotated", "client", c.ID, "user", rec.UserID, "family", rec.FamilyID)
	return minted.pair(now), nil
}

// refreshReused revokes the family of a refresh token presented twice.
func (e *Engine) refreshReused(ctx context.Context, rec *storage.TokenRecord) error {
	e.metrics.SecurityEvent(ctx, metrics.EventRefreshReuse)
	var familyID string
	if rec != nil {
		familyID = rec.FamilyID
		logger.Warnw("refresh token reuse detected, revoking token family",
			"client", rec.ClientRef,
			"user", rec.UserID,
			"grant", rec.GrantID,
			"family", familyID,
			"rotated_at", rec.RotatedAt,
			"ip", clientIP(ctx),
		)
	}
	e.revokeFamily(ctx, familyID, metrics.EventRefreshReuse)
	return ErrTokenReuse
}
