// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the grantkeeper OAuth 2.0 authorization server.
//
// The server supports:
//   - Authorization Code flow with mandatory PKCE (RFC 7636) and user consent
//   - Refresh token rotation with reuse detection
//   - Client Credentials for SERVICE clients
//   - Token revocation (RFC 7009) and introspection (RFC 7662)
//   - OAuth 2.0 Authorization Server Metadata (RFC 8414) and JWKS
//   - A management API for clients and the authorization ledger
//
// # Usage
//
// New builds the server from a Config; Serve runs it until the context ends:
//
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return authserver.Serve(ctx, srv)
//
// # Storage
//
// Clients and the ledger are kept in SQLite when storage.sqlite_path is set.
// Codes, tokens and pending consents are kept in Redis when storage.type is
// redis. Anything not configured lives in memory and is lost on restart.
//
// # Users
//
// Login is handled in front of the server. By default the authenticated
// user is read from the X-Authenticated-User header, which the fronting
// proxy must set and strip from client requests.
package authserver
