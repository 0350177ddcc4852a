// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants implements the OAuth2 grant and token lifecycle: the
// authorization code flow with PKCE and consent, code exchange, refresh token
// rotation with reuse detection, client credentials, revocation and
// introspection.
//
// Every authorization is recorded in the ledger. Consuming a code or rotating
// a refresh token is a single atomic store call, so concurrent exchanges of
// the same credential have exactly one winner.
package grants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/requestmeta"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/keys"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/authserver/vault"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Grant types accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// TokenTypeBearer is the token_type of issued access tokens.
const TokenTypeBearer = "Bearer"

const (
	// DefaultAuthorizationCodeTTL is the lifetime of authorization codes.
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the lifetime of access tokens.
	DefaultAccessTokenTTL = 30 * time.Minute

	// DefaultRefreshTokenTTL is the lifetime of each refresh token.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	codePrefix    = "gkc_"
	refreshPrefix = "gkr_"
	tokenBytes    = 32
)

// Config holds the engine's lifetimes and issuer.
type Config struct {
	// Issuer is the iss claim of access tokens.
	Issuer string `json:"issuer" yaml:"issuer"`

	AuthorizationCodeTTL time.Duration `json:"authorization_code_ttl,omitempty" yaml:"authorization_code_ttl,omitempty"`
	AccessTokenTTL       time.Duration `json:"access_token_ttl,omitempty" yaml:"access_token_ttl,omitempty"`
	RefreshTokenTTL      time.Duration `json:"refresh_token_ttl,omitempty" yaml:"refresh_token_ttl,omitempty"`
	ConsentTTL           time.Duration `json:"consent_ttl,omitempty" yaml:"consent_ttl,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.ConsentTTL == 0 {
		c.ConsentTTL = storage.DefaultPendingConsentTTL
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	for name, d := range map[string]time.Duration{
		"authorization_code_ttl": c.AuthorizationCodeTTL,
		"access_token_ttl":       c.AccessTokenTTL,
		"refresh_token_ttl":      c.RefreshTokenTTL,
		"consent_ttl":            c.ConsentTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.RefreshTokenTTL != 0 && c.RefreshTokenTTL < c.AccessTokenTTL {
		return errors.New("refresh_token_ttl must not be shorter than access_token_ttl")
	}
	return nil
}

// PermissionResolver returns the scopes a user holds beyond the always-granted ones.
type PermissionResolver interface {
	ExtraScopes(ctx context.Context, userID string) ([]string, error)
}

// StaticPermissions maps user IDs to extra scopes.
type StaticPermissions map[string][]string

// ExtraScopes implements PermissionResolver.
func (p StaticPermissions) ExtraScopes(_ context.Context, userID string) ([]string, error) {
	return slices.Clone(p[userID]), nil
}

// Engine runs the grant flows.
type Engine struct {
	cfg     Config
	clients storage.ClientStore
	tokens  storage.TokenStore
	ledger  *ledger.Ledger
	scopes  *scopes.Registry
	vault   *vault.Vault
	keys    keys.KeyProvider
	perms   PermissionResolver
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPermissions sets the resolver of users' extra scopes.
func WithPermissions(p PermissionResolver) Option {
	return func(e *Engine) {
		e.perms = p
	}
}

// WithMetrics records issuance, failures and security events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Clients storage.ClientStore
	Tokens  storage.TokenStore
	Ledger  *ledger.Ledger
	Scopes  *scopes.Registry
	Vault   *vault.Vault
	Keys    keys.KeyProvider
}

// New creates an Engine.
func New(cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grant configuration: %w", err)
	}
	if deps.Clients == nil || deps.Tokens == nil || deps.Ledger == nil ||
		deps.Scopes == nil || deps.Vault == nil || deps.Keys == nil {
		return nil, errors.New("grant engine requires clients, tokens, ledger, scopes, vault and keys")
	}

	e := &Engine{
		cfg:     cfg,
		clients: deps.Clients,
		tokens:  deps.Tokens,
		ledger:  deps.Ledger,
		scopes:  deps.Scopes,
		vault:   deps.Vault,
		keys:    deps.Keys,
		perms:   StaticPermissions(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Scopes returns the scope catalog.
func (e *Engine) Scopes() *scopes.Registry {
	return e.scopes
}

// TokenPair is the token endpoint response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	ExpiresAt time.Time `json:"-"`
}

// ClientAuth is the client authentication presented to the token,
// introspection and revocation endpoints.
type ClientAuth struct {
	ClientID     string
	ClientSecret string

	// Admit, when set, runs once the client has authenticated. A non-nil
	// error rejects the request and is returned unchanged.
	Admit func(ctx context.Context, c *storage.Client) error
}

// authenticate resolves and authenticates a client. Public clients must not
// send a secret; confidential clients must send the right one.
func (e *Engine) authenticate(ctx context.Context, auth ClientAuth) (*storage.Client, error) {
	if auth.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}
	c, err := e.clients.GetClientByClientID(ctx, auth.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if !c.Type.Confidential() {
		if auth.ClientSecret != "" {
			return nil, fmt.Errorf("%w: public clients do not have a secret", ErrInvalidClient)
		}
		return admit(ctx, auth, c)
	}
	if err := e.vault.VerifySecret(c.SecretHash, auth.ClientSecret); err != nil {
		e.metrics.SecurityEvent(ctx, metrics.EventInvalidSecret)
		logger.Warnw("client authentication failed",
			"client", c.ID,
			"client_id", c.ClientID,
			"ip", clientIP(ctx),
		)
		return nil, fmt.Errorf("%w: bad client secret", ErrInvalidClient)
	}
	return admit(ctx, auth, c)
}

func admit(ctx context.Context, auth ClientAuth, c *storage.Client) (*storage.Client, error) {
	if auth.Admit == nil {
		return c, nil
	}
	if err := auth.Admit(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// allowedScopes returns what a client may request. A client with no
// configured scopes may request the always-granted ones.
func (e *Engine) allowedScopes(c *storage.Client) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	var out []string
	for _, s := range e.scopes.List() {
		if s.AlwaysGranted {
			out = append(out, s.Name)
		}
	}
	return out
}

// checkScopes validates requested against the catalog and the client's allowed set.
func (e *Engine) checkScopes(c *storage.Client, requested []string) error {
	if err := e.scopes.Validate(requested); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScope, err)
	}
	allowed := e.allowedScopes(c)
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("%w: %s is not allowed for this client", ErrInvalidScope, s)
		}
	}
	return nil
}

// userScopes limits scopes to what the user holds.
func (e *Engine) userScopes(ctx context.Context, userID string, requested []string) ([]string, error) {
	extra, err := e.perms.ExtraScopes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user permissions: %w", err)
	}
	return e.scopes.FilterGranted(requested, extra), nil
}

// newOpaqueToken returns a random token with prefix and its storage signature.
func newOpaqueToken(prefix string) (token, sig string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = prefix + base64.RawURLEncoding.EncodeToString(b)
	return token, Signature(token), nil
}

// Signature is the storage key of a code or token: the unpadded base64url
// SHA-256 of its value.
func Signature(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func clientIP(ctx context.Context) string {
	if md, ok := requestmeta.FromContext(ctx); ok {
		return md.IPAddress
	}
	return ""
}

func metadataFrom(ctx context.Context) storage.RequestMetadata {
	md, _ := requestmeta.FromContext(ctx)
	return md
}

// revokeFamily revokes a token family after a security event.
func (e *Engine) revokeFamily(ctx context.Context, familyID, cause string) {
	if familyID == "" {
		return
	}
	if err := e.tokens.RevokeFamily(ctx, familyID); err != nil {
		logger.Errorw("failed to revoke token family", "family", familyID, "cause", cause, "error", err)
		return
	}
	e.metrics.FamiliesRevoked(ctx, cause, 1)
}

// activeGrant reports whether grantID is still ACTIVE. An empty grantID
// (client credentials) is always active.
func (e *Engine) activeGrant(ctx context.Context, grantID string) (bool, error) {
	if grantID == "" {
		return true, nil
	}
	g, err := e.ledger.GetGrant(ctx, grantID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.State == storage.GrantActive, nil
}
