// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/keys"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

const (
	// DefaultTokenRateLimit is the sustained token endpoint rate per client, in requests per second.
	DefaultTokenRateLimit = 10

	// DefaultTokenRateBurst is the token endpoint burst per client.
	DefaultTokenRateBurst = 20

	// maxFormBytes bounds the body of form posts to the OAuth endpoints.
	maxFormBytes = 64 << 10
)

// Config configures the HTTP endpoints.
type Config struct {
	// Issuer is the public base URL of the server.
	Issuer string

	// LoginURL receives unauthenticated users of the authorize endpoint,
	// with the original request in the return_to parameter. When empty they
	// get a 401 login_required response.
	LoginURL string

	// ConsentPageURL renders pending consents. The consent ID is passed in
	// the consent_id parameter. Defaults to the JSON consent endpoint.
	ConsentPageURL string

	// TokenRateLimit and TokenRateBurst bound token requests per
	// authenticated client. Each client address gets four times as much
	// before authentication. A negative limit disables rate limiting.
	TokenRateLimit float64
	TokenRateBurst int
}

// Dependencies are the collaborators of a Handler.
type Dependencies struct {
	Engine  *grants.Engine
	Clients storage.ClientStore
	Keys    keys.KeyProvider
	Users   UserResolver
	Metrics *metrics.Metrics
}

// Handler provides the HTTP handlers of the authorization server.
type Handler struct {
	cfg     Config
	engine  *grants.Engine
	clients storage.ClientStore
	keys    keys.KeyProvider
	users   UserResolver
	metrics *metrics.Metrics

	// addrLimiter runs before client authentication, clientLimiter after it.
	addrLimiter   *clientLimiter
	clientLimiter *clientLimiter
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if deps.Engine == nil || deps.Clients == nil || deps.Keys == nil {
		return nil, errors.New("handler requires engine, clients and keys")
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if deps.Users == nil {
		deps.Users = HeaderUserResolver{}
	}
	if cfg.TokenRateLimit == 0 {
		cfg.TokenRateLimit = DefaultTokenRateLimit
	}
	if cfg.TokenRateBurst <= 0 {
		cfg.TokenRateBurst = DefaultTokenRateBurst
	}

	h := &Handler{
		cfg:     cfg,
		engine:  deps.Engine,
		clients: deps.Clients,
		keys:    deps.Keys,
		users:   deps.Users,
		metrics: deps.Metrics,
	}
	if cfg.TokenRateLimit > 0 {
		h.clientLimiter = newClientLimiter(rate.Limit(cfg.TokenRateLimit), cfg.TokenRateBurst)
		h.addrLimiter = newClientLimiter(rate.Limit(cfg.TokenRateLimit*ipRateFactor), cfg.TokenRateBurst*ipRateFactor)
	}
	return h, nil
}

// Routes returns a router with the OAuth2 and well-known endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth2 endpoints under /oauth2 on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Route("/oauth2", func(r chi.Router) {
		r.Use(limitBody, h.cors)
		r.Get("/authorize", h.AuthorizeHandler)
		r.Get("/consent/{id}", h.ConsentDetailsHandler)
		r.Post("/consent/{id}", h.ConsentHandler)
		r.Post("/token", h.TokenHandler)
		r.Post("/introspect", h.IntrospectHandler)
		r.Post("/revoke", h.RevokeHandler)
	})
}

// WellKnownRoutes registers the JWKS and RFC 8414 discovery endpoints on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) endpoint(path string) string {
	return h.cfg.Issuer + path
}
