// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/stacklok/grantkeeper/pkg/logger"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Authorization, Content-Type"
	corsMaxAge         = 3600
)

// cors answers cross-origin requests to the OAuth2 endpoints. An origin is
// allowed for a request when the client it names is a CLIENT type client
// listing that origin. A preflight carries no client, so it is allowed when
// any CLIENT type client lists the origin.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !h.anyClientAllowsOrigin(r, origin) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			setCORSHeaders(w, origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if h.requestClientAllowsOrigin(r, origin) {
			setCORSHeaders(w, origin)
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

func (h *Handler) anyClientAllowsOrigin(r *http.Request, origin string) bool {
	list, err := h.clients.ListClientsByOrigin(r.Context(), origin)
	if err != nil {
		logger.Errorw("failed to look up CORS origin", "origin", origin, "error", err)
		return false
	}
	for _, c := range list {
		if c.AllowsOrigin(origin) {
			return true
		}
	}
	return false
}

func (h *Handler) requestClientAllowsOrigin(r *http.Request, origin string) bool {
	clientID := requestClientID(r)
	if clientID == "" {
		return false
	}
	c, err := h.clients.GetClientByClientID(r.Context(), clientID)
	if err != nil {
		return false
	}
	return c.AllowsOrigin(origin)
}

// requestClientID returns the client a request names, from HTTP Basic
// credentials or the client_id parameter.
func requestClientID(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		id, err := url.QueryUnescape(user)
		if err != nil {
			return ""
		}
		return id
	}
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("client_id")
	}
	return ""
}
