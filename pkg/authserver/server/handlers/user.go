// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultUserHeader is the header HeaderUserResolver reads by default.
const DefaultUserHeader = "X-Authenticated-User"

// ErrNoUser is returned by a UserResolver when the request carries no
// authenticated user.
var ErrNoUser = errors.New("no authenticated user")

// UserResolver identifies the authenticated user of a request. Login and
// session handling live in front of the authorization server; the resolver
// only reads their result.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// HeaderUserResolver reads the user ID from a header set by an
// authenticating proxy. The proxy must strip the header from client requests.
type HeaderUserResolver struct {
	Header string
}

// ResolveUser implements UserResolver.
func (h HeaderUserResolver) ResolveUser(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	user := strings.TrimSpace(r.Header.Get(name))
	if user == "" {
		return "", ErrNoUser
	}
	return user, nil
}
