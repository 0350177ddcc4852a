// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides HTTP handlers for the OAuth 2.0 authorization server endpoints.
//
// This package implements the HTTP layer for the authorization server, including:
//   - OAuth endpoints (authorize, consent, token, introspect, revoke) under /oauth2
//   - JWKS endpoint (/.well-known/jwks.json)
//   - Authorization Server Metadata (/.well-known/oauth-authorization-server)
//
// Grant engine errors are rendered as RFC 6749 error responses. The Handler
// struct coordinates all handlers and provides route registration methods
// for integrating with standard Go HTTP servers.
package handlers
