// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/crypto"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/keys"
	"github.com/stacklok/grantkeeper/pkg/logger"
	"github.com/stacklok/grantkeeper/pkg/oauth"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying access tokens.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	set, err := keys.JWKS(req.Context(), h.keys)
	if err != nil {
		logger.Errorw("failed to load public keys", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeCacheableJSON(w, set, DefaultJWKSCacheMaxAge)
}

// buildOAuthMetadata constructs the OAuth 2.0 Authorization Server Metadata (RFC 8414).
func (h *Handler) buildOAuthMetadata() oauth.AuthorizationServerMetadata {
	authMethods := []string{
		oauth.TokenEndpointAuthMethodNone,
		oauth.TokenEndpointAuthMethodClientSecretBasic,
		oauth.TokenEndpointAuthMethodClientSecretPost,
	}
	confidentialMethods := authMethods[1:]

	catalog := h.engine.Scopes().List()
	scopeNames := make([]string, 0, len(catalog))
	for _, s := range catalog {
		scopeNames = append(scopeNames, s.Name)
	}

	return oauth.AuthorizationServerMetadata{
		// REQUIRED
		Issuer: h.engine.Config().Issuer,

		// RECOMMENDED
		AuthorizationEndpoint:  h.endpoint("/oauth2/authorize"),
		TokenEndpoint:          h.endpoint("/oauth2/token"),
		JWKSURI:                h.endpoint("/.well-known/jwks.json"),
		ScopesSupported:        scopeNames,
		ResponseTypesSupported: []string{oauth.ResponseTypeCode},

		// OPTIONAL
		GrantTypesSupported: []string{
			grants.GrantTypeAuthorizationCode,
			grants.GrantTypeRefreshToken,
			grants.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported:         authMethods,
		RevocationEndpoint:                        h.endpoint("/oauth2/revoke"),
		RevocationEndpointAuthMethodsSupported:    authMethods,
		IntrospectionEndpoint:                     h.endpoint("/oauth2/introspect"),
		IntrospectionEndpointAuthMethodsSupported: confidentialMethods,
		CodeChallengeMethodsSupported:             []string{crypto.PKCEChallengeMethodS256},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
// It returns the OAuth 2.0 Authorization Server Metadata per RFC 8414.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeCacheableJSON(w, h.buildOAuthMetadata(), DefaultDiscoveryCacheMaxAge)
}

func writeCacheableJSON(w http.ResponseWriter, v any, maxAge int) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode discovery response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
