// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 provides version 1 of the grantkeeper management API: client
// registration, the scope catalog and the user's authorizations.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/handlers"
)

type userKey struct{}

// RequireUser rejects requests without an authenticated user and makes the
// user available to the routes.
func RequireUser(resolver handlers.UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolver.ResolveUser(r)
			if err != nil {
				if !errors.Is(err, handlers.ErrNoUser) {
					slog.Error("failed to resolve user", "error", err)
				}
				apierrors.WriteJSON(w, http.StatusUnauthorized, apierrors.Response{Error: "authentication required"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}

// userFrom returns the user set by RequireUser.
func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}
