// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCredentialsFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		form      url.Values
		basicUser string
		basicPass string
		want      ClientCredentials
		wantErr   error
	}{
		{
			name: "public client in form",
			form: url.Values{"client_id": {"gk_abc"}},
			want: ClientCredentials{ClientID: "gk_abc", Method: TokenEndpointAuthMethodNone},
		},
		{
			name: "secret in form",
			form: url.Values{"client_id": {"gk_abc"}, "client_secret": {"gks_s"}},
			want: ClientCredentials{ClientID: "gk_abc", ClientSecret: "gks_s", Method: TokenEndpointAuthMethodClientSecretPost},
		},
		{
			name:      "basic auth",
			basicUser: "gk_abc",
			basicPass: "gks_s",
			want:      ClientCredentials{ClientID: "gk_abc", ClientSecret: "gks_s", Method: TokenEndpointAuthMethodClientSecretBasic},
		},
		{
			name:      "basic auth is form decoded",
			basicUser: "gk_abc",
			basicPass: "a%2Bb%3Ac",
			want:      ClientCredentials{ClientID: "gk_abc", ClientSecret: "a+b:c", Method: TokenEndpointAuthMethodClientSecretBasic},
		},
		{
			name:      "basic auth with matching form client id",
			form:      url.Values{"client_id": {"gk_abc"}},
			basicUser: "gk_abc",
			basicPass: "gks_s",
			want:      ClientCredentials{ClientID: "gk_abc", ClientSecret: "gks_s", Method: TokenEndpointAuthMethodClientSecretBasic},
		},
		{
			name:      "basic auth and form secret",
			form:      url.Values{"client_secret": {"other"}},
			basicUser: "gk_abc",
			basicPass: "gks_s",
			wantErr:   ErrMultipleAuthMethods,
		},
		{
			name:      "basic auth and different form client id",
			form:      url.Values{"client_id": {"gk_other"}},
			basicUser: "gk_abc",
			basicPass: "gks_s",
			wantErr:   ErrMultipleAuthMethods,
		},
		{
			name:      "bad escape in basic auth",
			basicUser: "gk_abc",
			basicPass: "%zz",
			wantErr:   ErrMalformedBasicAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.basicUser != "" {
				req.SetBasicAuth(tt.basicUser, tt.basicPass)
			}

			got, err := ClientCredentialsFromRequest(req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
