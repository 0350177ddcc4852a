// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/handlers"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

const (
	e2eOwner    = "owner-1"
	e2eUser     = "alice"
	e2eRedirect = "https://app.example.com/callback"
)

type e2eEnv struct {
	srv    Server
	ts     *httptest.Server
	client *http.Client
}

// newE2EEnv starts a server whose issuer is the httptest URL.
func newE2EEnv(t *testing.T, mutate func(*Config)) *e2eEnv {
	t.Helper()

	var handler atomic.Pointer[http.Handler]
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*handler.Load()).ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := Config{
		Issuer:  ts.URL,
		Metrics: MetricsConfig{Enabled: true},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	h := srv.Handler()
	handler.Store(&h)

	return &e2eEnv{
		srv: srv,
		ts:  ts,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (e *e2eEnv) do(t *testing.T, user, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	target := path
	if !strings.HasPrefix(path, "http") {
		target = e.ts.URL + path
	}
	req, err := http.NewRequestWithContext(context.Background(), method, target, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set(handlers.DefaultUserHeader, user)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *e2eEnv) api(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp := e.do(t, e2eOwner, method, path, &buf, "application/json")
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type registered struct {
	ID       string
	ClientID string
	Secret   string
}

func (e *e2eEnv) register(t *testing.T, typ storage.ClientType, clientScopes []string) registered {
	t.Helper()
	var created struct {
		ID       string `json:"id"`
		ClientID string `json:"client_id"`
	}
	require.Equal(t, http.StatusCreated, e.api(t, http.MethodPost, "/api/v1/clients", map[string]string{"name": "Dashboard"}, &created))

	var updated struct {
		ClientSecret string `json:"client_secret"`
	}
	require.Equal(t, http.StatusOK, e.api(t, http.MethodPut, "/api/v1/clients/"+created.ID, map[string]any{
		"name":          "Dashboard",
		"type":          typ,
		"redirect_uris": []string{e2eRedirect},
		"scopes":        clientScopes,
	}, &updated))

	return registered{ID: created.ID, ClientID: created.ClientID, Secret: updated.ClientSecret}
}

// authorize drives the browser part of the flow and returns the code.
func (e *e2eEnv) authorize(t *testing.T, conf *oauth2.Config, verifier string) string {
	t.Helper()
	resp := e.do(t, e2eUser, http.MethodGet, conf.AuthCodeURL("st4te", oauth2.S256ChallengeOption(verifier)), nil, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	consent := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(consent, e.ts.URL+"/oauth2/consent/"), consent)

	resp = e.do(t, e2eUser, http.MethodPost, consent,
		strings.NewReader(url.Values{"decision": {handlers.DecisionApprove}}.Encode()),
		"application/x-www-form-urlencoded")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	back, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "st4te", back.Query().Get("state"))
	return back.Query().Get("code")
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	t.Parallel()
	env := newE2EEnv(t, func(c *Config) {
		c.Storage.SQLitePath = filepath.Join(t.TempDir(), "grantkeeper.db")
	})
	ctx := context.Background()
	app := env.register(t, storage.ClientTypeClient, nil)

	conf := &oauth2.Config{
		ClientID: app.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.ts.URL + "/oauth2/authorize",
			TokenURL:  env.ts.URL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: e2eRedirect,
		Scopes:      []string{scopes.Profile},
	}
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(t, conf, verifier)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	require.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, scopes.Profile, tok.Extra("scope"))

	// Rotation returns a fresh refresh token.
	rotated, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	require.NotEqual(t, tok.RefreshToken, rotated.RefreshToken)

	// Presenting the old refresh token again ends the whole family.
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)

	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rotated.RefreshToken}).Token()
	require.ErrorAs(t, err, &rerr)

	// The authorization itself is still listed for the user.
	var active []struct {
		ID       string   `json:"id"`
		ClientID string   `json:"client_id"`
		Scopes   []string `json:"scopes"`
	}
	resp := env.do(t, e2eUser, http.MethodGet, "/api/v1/authorizations/active", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	require.Len(t, active, 1)
	assert.Equal(t, []string{scopes.Profile}, active[0].Scopes)

	// A second consent-free authorization succeeds while the grant is active.
	verifier = oauth2.GenerateVerifier()
	resp = env.do(t, e2eUser, http.MethodGet, conf.AuthCodeURL("again", oauth2.S256ChallengeOption(verifier)), nil, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), e2eRedirect), resp.Header.Get("Location"))

	// After revocation from the management API the user is asked again.
	resp = env.do(t, e2eUser, http.MethodDelete, "/api/v1/authorizations/"+active[0].ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, e2eUser, http.MethodGet, conf.AuthCodeURL("third", oauth2.S256ChallengeOption(verifier)), nil, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), env.ts.URL+"/oauth2/consent/"), resp.Header.Get("Location"))
}

func TestClientCredentialsEndToEnd(t *testing.T) {
	t.Parallel()
	env := newE2EEnv(t, nil)
	ctx := context.Background()
	svc := env.register(t, storage.ClientTypeService, []string{scopes.APIAccess})
	require.NotEmpty(t, svc.Secret)

	cc := &clientcredentials.Config{
		ClientID:     svc.ClientID,
		ClientSecret: svc.Secret,
		TokenURL:     env.ts.URL + "/oauth2/token",
		Scopes:       []string{scopes.APIAccess},
	}
	tok, err := cc.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok.RefreshToken)

	introspect := func() map[string]any {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.ts.URL+"/oauth2/introspect",
			strings.NewReader(url.Values{"token": {tok.AccessToken}}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(url.QueryEscape(svc.ClientID), url.QueryEscape(svc.Secret))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		return info
	}

	info := introspect()
	assert.Equal(t, true, info["active"])
	assert.Equal(t, svc.ClientID, info["sub"])
	assert.Equal(t, scopes.APIAccess, info["scope"])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.ts.URL+"/oauth2/revoke",
		strings.NewReader(url.Values{"token": {tok.AccessToken}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(svc.ClientID), url.QueryEscape(svc.Secret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, false, introspect()["active"])

	// A wrong secret is rejected without leaking which part was wrong.
	cc.ClientSecret = "not-the-secret"
	_, err = cc.Token(ctx)
	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_client", rerr.ErrorCode)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	env := newE2EEnv(t, func(c *Config) { c.EnableDocs = true })

	resp := env.do(t, "", http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/.well-known/oauth-authorization-server", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, env.ts.URL, meta["issuer"])
	assert.Equal(t, env.ts.URL+"/oauth2/token", meta["token_endpoint"])

	resp = env.do(t, "", http.MethodGet, "/.well-known/jwks.json", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/api/openapi.json", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "", http.MethodGet, "/api/v1/clients", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Issue a token so the counters have a sample.
	svc := env.register(t, storage.ClientTypeService, nil)
	_, err := (&clientcredentials.Config{
		ClientID:     svc.ClientID,
		ClientSecret: svc.Secret,
		TokenURL:     env.ts.URL + "/oauth2/token",
	}).Token(context.Background())
	require.NoError(t, err)

	resp = env.do(t, "", http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "grantkeeper_tokens_issued")
}

func TestRegistryFromServer(t *testing.T) {
	t.Parallel()
	env := newE2EEnv(t, nil)
	app := env.register(t, storage.ClientTypeClient, nil)

	c, err := env.srv.Registry().SetOfficial(context.Background(), app.ID, true)
	require.NoError(t, err)
	assert.True(t, c.Official)

	_, err = env.srv.Registry().SetOfficial(context.Background(), "missing", true)
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Issuer: "http://auth.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http scheme is only allowed for localhost")

	_, err = New(context.Background(), Config{
		Issuer:  "https://auth.example.com",
		Storage: storage.Config{Type: storage.TypeRedis},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: redis configuration is required")
}
