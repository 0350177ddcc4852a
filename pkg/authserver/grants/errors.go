// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import "errors"

// Authorization endpoint errors. ErrUnknownClient and ErrRedirectMismatch
// must never be sent to the requested redirect URI.
var (
	ErrUnknownClient           = errors.New("unknown client")
	ErrRedirectMismatch        = errors.New("redirect_uri is not registered for this client")
	ErrUnsupportedResponseType = errors.New("response_type must be code")
	ErrPKCERequired            = errors.New("code_challenge is required for public clients")
	ErrConsentRequired         = errors.New("consent is required")
	ErrConsentNotFound         = errors.New("consent request not found or expired")
	ErrAccessDenied            = errors.New("the user denied the request")
)

// Errors shared by the authorization and token endpoints.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidScope       = errors.New("invalid scope")
	ErrUnauthorizedClient = errors.New("client is not allowed to use this grant type")
)

// Token endpoint errors. ErrClientMismatch, ErrPKCEFailed and ErrTokenReuse
// are reported to callers as invalid_grant.
var (
	ErrInvalidClient        = errors.New("client authentication failed")
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrClientMismatch       = errors.New("grant was issued to another client or redirect_uri")
	ErrPKCEFailed           = errors.New("PKCE verification failed")
	ErrTokenReuse           = errors.New("refresh token was already used")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrRateLimited is returned by a ClientAuth.Admit hook that throttles
	// the authenticated client.
	ErrRateLimited = errors.New("too many requests")
)

// Redirectable reports whether an authorization error may be delivered to
// the client's redirect URI rather than shown to the user.
func Redirectable(err error) bool {
	return !errors.Is(err, ErrUnknownClient) && !errors.Is(err, ErrRedirectMismatch)
}
