// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/ory/fosite"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// oauthError is the RFC 6749 Section 5.2 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// toRFC6749 maps a grant engine error onto its OAuth2 error. PKCE failures,
// code replay, client mismatch and refresh reuse are a bare invalid_grant.
func toRFC6749(err error) *fosite.RFC6749Error {
	switch {
	case errors.Is(err, grants.ErrClientMismatch),
		errors.Is(err, grants.ErrPKCEFailed),
		errors.Is(err, grants.ErrTokenReuse),
		errors.Is(err, grants.ErrInvalidGrant):
		return fosite.ErrInvalidGrant
	case errors.Is(err, grants.ErrInvalidClient):
		return fosite.ErrInvalidClient
	case errors.Is(err, grants.ErrUnknownClient):
		return fosite.ErrInvalidClient.WithHint("The client is not registered.")
	case errors.Is(err, grants.ErrRedirectMismatch):
		return fosite.ErrInvalidRequest.WithHint("The redirect_uri is not registered for this client.")
	case errors.Is(err, grants.ErrPKCERequired):
		return fosite.ErrInvalidRequest.WithHint("Clients of type CLIENT must use PKCE with S256.")
	case errors.Is(err, grants.ErrInvalidRequest):
		return fosite.ErrInvalidRequest.WithHint(err.Error())
	case errors.Is(err, grants.ErrInvalidScope):
		return fosite.ErrInvalidScope.WithHint(err.Error())
	case errors.Is(err, grants.ErrUnauthorizedClient):
		return fosite.ErrUnauthorizedClient
	case errors.Is(err, grants.ErrUnsupportedResponseType):
		return fosite.ErrUnsupportedResponseType
	case errors.Is(err, grants.ErrUnsupportedGrantType):
		return fosite.ErrUnsupportedGrantType
	case errors.Is(err, grants.ErrAccessDenied):
		return fosite.ErrAccessDenied
	case errors.Is(err, grants.ErrConsentRequired):
		return fosite.ErrConsentRequired
	case errors.Is(err, grants.ErrConsentNotFound):
		return fosite.ErrNotFound.WithHint("The consent request does not exist or has expired.")
	default:
		return fosite.ErrServerError
	}
}

// writeOAuthError writes err as an OAuth2 JSON error response.
func writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	rfcErr := toRFC6749(err)
	code := rfcErr.StatusCode()
	if code >= http.StatusInternalServerError {
		logger.Errorw("oauth request failed", "path", r.URL.Path, "error", err)
	} else {
		logger.Debugw("oauth request rejected", "path", r.URL.Path, "error", err)
	}

	if rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField {
		w.Header().Set("WWW-Authenticate", `Basic realm="grantkeeper"`)
	}
	apierrors.WriteJSON(w, code, oauthError{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	})
}
