// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/handlers"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/keys"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

const (
	// DefaultAddress is the listen address of the HTTP server.
	DefaultAddress = ":8080"

	// DefaultRequestTimeout bounds the handling of a single request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// Config is the complete configuration of the authorization server.
type Config struct {
	// Issuer is the public base URL of the server. It is the iss claim of
	// access tokens and the prefix of every advertised endpoint.
	Issuer string `json:"issuer" yaml:"issuer"`

	// Address is the listen address. Defaults to :8080.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// Tokens holds code, token and consent lifetimes.
	Tokens grants.Config `json:"tokens,omitempty" yaml:"tokens,omitempty"`

	Storage storage.Config `json:"storage,omitempty" yaml:"storage,omitempty"`
	Keys    keys.Config    `json:"keys,omitempty" yaml:"keys,omitempty"`

	// LoginURL receives users who reach /oauth2/authorize without a session.
	// Without it such requests get 401 login_required.
	LoginURL string `json:"login_url,omitempty" yaml:"login_url,omitempty"`

	// ConsentPageURL renders the consent prompt. Defaults to the JSON
	// consent details endpoint.
	ConsentPageURL string `json:"consent_page_url,omitempty" yaml:"consent_page_url,omitempty"`

	// UserHeader carries the authenticated user set by the fronting proxy.
	UserHeader string `json:"user_header,omitempty" yaml:"user_header,omitempty"`

	// TokenRateLimit is requests per second per client at /oauth2/token.
	// A negative value disables limiting.
	TokenRateLimit float64 `json:"token_rate_limit,omitempty" yaml:"token_rate_limit,omitempty"`
	TokenRateBurst int     `json:"token_rate_burst,omitempty" yaml:"token_rate_burst,omitempty"`

	Metrics         MetricsConfig         `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	RequestMetadata RequestMetadataConfig `json:"request_metadata,omitempty" yaml:"request_metadata,omitempty"`

	// EnableDocs serves the OpenAPI document and reference page under /api/.
	EnableDocs bool `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`

	// Scopes extends or overrides the built-in scope catalog.
	Scopes []scopes.ScopeInfo `json:"scopes,omitempty" yaml:"scopes,omitempty"`

	// Permissions maps user IDs to scopes they hold beyond the always-granted ones.
	Permissions map[string][]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	RequestTimeout  time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	metrics.PrometheusConfig `json:",inline" yaml:",inline"`
}

// RequestMetadataConfig controls what is recorded about authorization requests.
type RequestMetadataConfig struct {
	// GeoIPDatabase is a MaxMind City or Country database. Empty disables
	// location lookups.
	GeoIPDatabase string `json:"geoip_database,omitempty" yaml:"geoip_database,omitempty"`

	// IgnoreProxyHeaders takes the client IP from the connection only,
	// skipping X-Forwarded-For and related headers.
	IgnoreProxyHeaders bool `json:"ignore_proxy_headers,omitempty" yaml:"ignore_proxy_headers,omitempty"`
}

// Resolve applies defaults and validates the result.
func (c *Config) Resolve() error {
	c.applyDefaults()
	return c.Validate()
}

// Validate checks that the Config is valid. Call applyDefaults first.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if err := validateIssuerURL(c.Issuer); err != nil {
		return err
	}

	if err := c.Tokens.Validate(); err != nil {
		return fmt.Errorf("tokens: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	for name, raw := range map[string]string{"login_url": c.LoginURL, "consent_page_url": c.ConsentPageURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	if c.TokenRateLimit > 0 && c.TokenRateBurst < 1 {
		return errors.New("token_rate_burst must be at least 1")
	}

	for i, s := range c.Scopes {
		if s.Name == "" || strings.ContainsAny(s.Name, " \t\n") {
			return fmt.Errorf("scope %d: invalid name %q", i, s.Name)
		}
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"storage", c.Storage.Type,
		"durable", c.Storage.SQLitePath != "",
		"extraScopes", len(c.Scopes),
	)
	return nil
}

// validateIssuerURL accepts https URLs, and http only for loopback hosts.
func validateIssuerURL(issuer string) error {
	if issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	switch {
	case u.Scheme == "":
		return errors.New("issuer: scheme is required")
	case u.Host == "":
		return errors.New("issuer: host is required")
	case u.RawQuery != "" || u.ForceQuery:
		return errors.New("issuer must not contain query")
	case u.Fragment != "":
		return errors.New("issuer must not contain fragment")
	case strings.HasSuffix(u.Path, "/"):
		return errors.New("issuer must not have trailing slash")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return errors.New("issuer: http scheme is only allowed for localhost")
	default:
		return errors.New("issuer: scheme must be https")
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debugw("applying default values to authserver config")

	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = c.Issuer
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
		logger.Debugw("applied default storage type", "type", c.Storage.Type)
	}
	if c.UserHeader == "" {
		c.UserHeader = handlers.DefaultUserHeader
	}
	if c.TokenRateLimit == 0 {
		c.TokenRateLimit = handlers.DefaultTokenRateLimit
		logger.Debugw("applied default token rate limit", "rps", c.TokenRateLimit)
	}
	if c.TokenRateBurst == 0 {
		c.TokenRateBurst = handlers.DefaultTokenRateBurst
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}
