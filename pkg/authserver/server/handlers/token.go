// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/requestmeta"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
	"github.com/stacklok/grantkeeper/pkg/oauth"
)

// Token request outcomes reported in metrics.
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeRateLimited = "rate_limited"

	grantTypeUnsupported = "unsupported"
)

// TokenHandler handles POST /oauth2/token requests for the
// authorization_code, refresh_token and client_credentials grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	start := time.Now()

	auth, err := parseClientAuth(req)
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}

	grantType := req.PostForm.Get("grant_type")
	label := grantType
	switch grantType {
	case grants.GrantTypeAuthorizationCode, grants.GrantTypeRefreshToken, grants.GrantTypeClientCredentials:
	default:
		label = grantTypeUnsupported
	}

	if !h.addrLimiter.Allow(remoteKey(req)) {
		h.rateLimited(w, req, label, start, "address")
		return
	}
	auth.Admit = h.admitClient

	var pair *grants.TokenPair
	switch grantType {
	case grants.GrantTypeAuthorizationCode:
		pair, err = h.engine.ExchangeCode(ctx, grants.ExchangeRequest{
			ClientAuth:   auth,
			Code:         req.PostForm.Get("code"),
			RedirectURI:  req.PostForm.Get("redirect_uri"),
			CodeVerifier: req.PostForm.Get("code_verifier"),
		})
	case grants.GrantTypeRefreshToken:
		pair, err = h.engine.Refresh(ctx, grants.RefreshRequest{
			ClientAuth:   auth,
			RefreshToken: req.PostForm.Get("refresh_token"),
			Scope:        req.PostForm.Get("scope"),
		})
	case grants.GrantTypeClientCredentials:
		pair, err = h.engine.ClientCredentials(ctx, grants.ClientCredentialsRequest{
			ClientAuth: auth,
			Scope:      req.PostForm.Get("scope"),
		})
	case "":
		err = fmt.Errorf("%w: grant_type is required", grants.ErrInvalidRequest)
	default:
		err = grants.ErrUnsupportedGrantType
	}

	if errors.Is(err, grants.ErrRateLimited) {
		h.rateLimited(w, req, label, start, "client")
		return
	}
	if err != nil {
		h.metrics.ObserveTokenRequest(ctx, label, outcomeFailure, time.Since(start))
		writeOAuthError(w, req, err)
		return
	}
	h.metrics.ObserveTokenRequest(ctx, label, outcomeSuccess, time.Since(start))

	w.Header().Set("Pragma", "no-cache")
	apierrors.WriteJSON(w, http.StatusOK, pair)
}

// IntrospectHandler handles POST /oauth2/introspect requests (RFC 7662).
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	auth, err := parseClientAuth(req)
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}

	info, err := h.engine.Introspect(req.Context(), grants.IntrospectRequest{
		ClientAuth: auth,
		Token:      req.PostForm.Get("token"),
	})
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, info)
}

// RevokeHandler handles POST /oauth2/revoke requests (RFC 7009). Unknown
// tokens are answered with 200 like revoked ones.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	auth, err := parseClientAuth(req)
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}

	err = h.engine.RevokeToken(req.Context(), grants.RevokeTokenRequest{
		ClientAuth:    auth,
		Token:         req.PostForm.Get("token"),
		TokenTypeHint: req.PostForm.Get("token_type_hint"),
	})
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// parseClientAuth parses the form body and extracts client credentials.
func parseClientAuth(req *http.Request) (grants.ClientAuth, error) {
	if err := req.ParseForm(); err != nil {
		return grants.ClientAuth{}, fmt.Errorf("%w: malformed form body", grants.ErrInvalidRequest)
	}
	creds, err := oauth.ClientCredentialsFromRequest(req)
	switch {
	case errors.Is(err, oauth.ErrMalformedBasicAuth):
		return grants.ClientAuth{}, fmt.Errorf("%w: %w", grants.ErrInvalidClient, err)
	case err != nil:
		return grants.ClientAuth{}, fmt.Errorf("%w: %w", grants.ErrInvalidRequest, err)
	}
	return grants.ClientAuth{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}, nil
}

// admitClient applies the per-client bucket once the client has authenticated.
func (h *Handler) admitClient(_ context.Context, c *storage.Client) error {
	if !h.clientLimiter.Allow(c.ID) {
		return grants.ErrRateLimited
	}
	return nil
}

// rateLimited writes the 429 response of a throttled token request.
func (h *Handler) rateLimited(w http.ResponseWriter, req *http.Request, label string, start time.Time, bucket string) {
	ctx := req.Context()
	h.metrics.SecurityEvent(ctx, metrics.EventRateLimited)
	h.metrics.ObserveTokenRequest(ctx, label, outcomeRateLimited, time.Since(start))
	logger.Warnw("token request rate limited",
		"bucket", bucket,
		"client_id", req.PostForm.Get("client_id"),
		"ip", remoteKey(req),
	)
	w.Header().Set("Retry-After", "1")
	apierrors.WriteJSON(w, http.StatusTooManyRequests, oauthError{
		Error:            "temporarily_unavailable",
		ErrorDescription: "Too many token requests.",
	})
}

// remoteKey is the client address used for the unauthenticated bucket.
func remoteKey(req *http.Request) string {
	if md, ok := requestmeta.FromContext(req.Context()); ok && md.IPAddress != "" {
		return md.IPAddress
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
