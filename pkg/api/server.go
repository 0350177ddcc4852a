// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the management REST API of grantkeeper.
package api

// @title           grantkeeper API
// @version         1.0
// @description     Client registration and authorization management for the grantkeeper authorization server.

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	v1 "github.com/stacklok/grantkeeper/pkg/api/v1"
	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/server/handlers"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

// Dependencies are the services behind the management API.
type Dependencies struct {
	Engine   *grants.Engine
	Registry *clients.Registry
	Ledger   *ledger.Ledger
	Clients  storage.ClientStore
	Users    handlers.UserResolver
}

// Router returns the management API mounted under /api/v1. When enableDocs
// is set the OpenAPI document and its reference page are served under /api/.
func Router(deps Dependencies, enableDocs bool) (http.Handler, error) {
	if deps.Engine == nil || deps.Registry == nil || deps.Ledger == nil || deps.Clients == nil {
		return nil, errors.New("management API requires engine, registry, ledger and clients")
	}
	if deps.Users == nil {
		deps.Users = handlers.HeaderUserResolver{}
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(v1.RequireUser(deps.Users))
		r.Mount("/clients", v1.ClientRouter(deps.Registry))
		r.Mount("/authorizations", v1.AuthorizationRouter(deps.Engine, deps.Ledger, deps.Clients))
		r.Mount("/scopes", v1.ScopeRouter(deps.Engine.Scopes()))
	})

	if enableDocs {
		r.Mount("/api/", DocsRouter())
	}
	return r, nil
}
