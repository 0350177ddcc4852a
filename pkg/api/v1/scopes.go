// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
)

// ScopeRouter creates a new router for the scope catalog.
func ScopeRouter(catalog *scopes.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteJSON(w, http.StatusOK, catalog.List())
	})
	return r
}
