// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrMultipleAuthMethods is returned when a request carries credentials
	// both in the Authorization header and in the body.
	ErrMultipleAuthMethods = errors.New("client credentials must be sent with exactly one method")

	// ErrMalformedBasicAuth is returned when Basic credentials are not form-encoded.
	ErrMalformedBasicAuth = errors.New("malformed HTTP Basic client credentials")
)

// ClientCredentials are the credentials a client presented.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string

	// Method is one of the TokenEndpointAuthMethod constants.
	Method string
}

// ClientCredentialsFromRequest extracts client credentials from HTTP Basic
// authentication or from the client_id and client_secret form parameters.
// Basic credentials are form-encoded before base64 (RFC 6749 Section 2.3.1).
func ClientCredentialsFromRequest(r *http.Request) (ClientCredentials, error) {
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	user, pass, ok := r.BasicAuth()
	if !ok {
		creds := ClientCredentials{ClientID: formID, ClientSecret: formSecret, Method: TokenEndpointAuthMethodNone}
		if formSecret != "" {
			creds.Method = TokenEndpointAuthMethodClientSecretPost
		}
		return creds, nil
	}

	if formSecret != "" {
		return ClientCredentials{}, ErrMultipleAuthMethods
	}
	id, err := url.QueryUnescape(user)
	if err != nil {
		return ClientCredentials{}, ErrMalformedBasicAuth
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return ClientCredentials{}, ErrMalformedBasicAuth
	}
	if formID != "" && formID != id {
		return ClientCredentials{}, ErrMultipleAuthMethods
	}
	return ClientCredentials{ClientID: id, ClientSecret: secret, Method: TokenEndpointAuthMethodClientSecretBasic}, nil
}
