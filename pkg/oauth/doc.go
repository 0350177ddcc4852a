// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth provides shared RFC-defined types, constants, and request
// parsing for OAuth 2.0: authorization server metadata (RFC 8414) and client
// authentication at the token, introspection and revocation endpoints
// (RFC 6749 Section 2.3.1).
package oauth
