// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

// AuthorizationRoutes defines the routes for the user's authorizations.
type AuthorizationRoutes struct {
	engine  *grants.Engine
	ledger  *ledger.Ledger
	clients storage.ClientStore
}

// AuthorizationRouter creates a new router for the authorization API.
func AuthorizationRouter(engine *grants.Engine, l *ledger.Ledger, clientStore storage.ClientStore) http.Handler {
	routes := AuthorizationRoutes{
		engine:  engine,
		ledger:  l,
		clients: clientStore,
	}

	r := chi.NewRouter()
	r.Get("/active", apierrors.ErrorHandler(routes.listActive))
	r.Get("/inactive", apierrors.ErrorHandler(routes.listInactive))
	r.Get("/events", apierrors.ErrorHandler(routes.listUserEvents))
	r.Get("/{grantID}/events", apierrors.ErrorHandler(routes.listGrantEvents))
	r.Delete("/{grantID}", apierrors.ErrorHandler(routes.revokeGrant))
	return r
}

type grantResponse struct {
	ID         string                  `json:"id"`
	ClientRef  string                  `json:"client"`
	ClientID   string                  `json:"client_id,omitempty"`
	ClientName string                  `json:"client_name,omitempty"`
	Scopes     []string                `json:"scopes"`
	State      storage.GrantState      `json:"state"`
	GrantedAt  time.Time               `json:"granted_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	EndedAt    *time.Time              `json:"ended_at,omitempty"`
	RevokedAt  *time.Time              `json:"revoked_at,omitempty"`
	Metadata   storage.RequestMetadata `json:"metadata"`
}

type eventResponse struct {
	ID        string                  `json:"id"`
	GrantID   string                  `json:"authorization_id"`
	Seq       int64                   `json:"seq"`
	Type      storage.EventType       `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Scopes    []string                `json:"scopes"`
	Metadata  storage.RequestMetadata `json:"metadata"`
}

type eventPageResponse struct {
	Events []eventResponse `json:"events"`
	Next   int64           `json:"next,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newEventResponse(e *ledger.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		GrantID:   e.GrantID,
		Seq:       e.Seq,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Scopes:    nonNil(e.Scopes),
		Metadata:  e.Metadata,
	}
}

// grantResponses renders grants with the name of their client. Deleted
// clients are shown without one.
func (a *AuthorizationRoutes) grantResponses(ctx context.Context, list []*ledger.Grant) ([]grantResponse, error) {
	names := make(map[string]*storage.Client)
	out := make([]grantResponse, 0, len(list))
	for _, g := range list {
		c, seen := names[g.ClientRef]
		if !seen {
			var err error
			c, err = a.clients.GetClient(ctx, g.ClientRef)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("failed to load client %s: %w", g.ClientRef, err)
			}
			names[g.ClientRef] = c
		}
		resp := grantResponse{
			ID:        g.ID,
			ClientRef: g.ClientRef,
			Scopes:    nonNil(g.Scopes),
			State:     g.State,
			GrantedAt: g.GrantedAt,
			UpdatedAt: g.UpdatedAt,
			EndedAt:   optionalTime(g.EndedAt),
			RevokedAt: optionalTime(g.RevokedAt),
			Metadata:  g.Metadata,
		}
		if c != nil {
			resp.ClientID = c.ClientID
			resp.ClientName = c.Name
		}
		out = append(out, resp)
	}
	return out, nil
}

// listActive
//
//	@Summary		List active authorizations
//	@Description	List the caller's ACTIVE authorizations, newest first
//	@Tags			authorizations
//	@Produce		json
//	@Success		200	{array}	grantResponse
//	@Router			/api/v1/authorizations/active [get]
func (a *AuthorizationRoutes) listActive(w http.ResponseWriter, r *http.Request) error {
	list, err := a.ledger.ListActiveGrants(r.Context(), userFrom(r))
	if err != nil {
		return err
	}
	return a.writeGrants(w, r, list)
}

// listInactive
//
//	@Summary		List ended authorizations
//	@Description	List the caller's REVOKED and SUPERSEDED authorizations, newest first
//	@Tags			authorizations
//	@Produce		json
//	@Success		200	{array}	grantResponse
//	@Router			/api/v1/authorizations/inactive [get]
func (a *AuthorizationRoutes) listInactive(w http.ResponseWriter, r *http.Request) error {
	list, err := a.ledger.ListInactiveGrants(r.Context(), userFrom(r))
	if err != nil {
		return err
	}
	return a.writeGrants(w, r, list)
}

func (a *AuthorizationRoutes) writeGrants(w http.ResponseWriter, r *http.Request, list []*ledger.Grant) error {
	out, err := a.grantResponses(r.Context(), list)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, out)
	return nil
}

// listUserEvents returns the caller's authorization history.
//
//	@Summary		Authorization history
//	@Description	List events of all the caller's authorizations, newest first
//	@Tags			authorizations
//	@Produce		json
//	@Param			client	query	string	false	"Only events of this client (internal id)"
//	@Success		200		{array}	eventResponse
//	@Router			/api/v1/authorizations/events [get]
func (a *AuthorizationRoutes) listUserEvents(w http.ResponseWriter, r *http.Request) error {
	events, err := a.ledger.ListUserEvents(r.Context(), userFrom(r), r.URL.Query().Get("client"))
	if err != nil {
		return err
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, newEventResponse(e))
	}
	apierrors.WriteJSON(w, http.StatusOK, out)
	return nil
}

// listGrantEvents
//
//	@Summary		Events of an authorization
//	@Description	List events of one authorization in order, one page at a time
//	@Tags			authorizations
//	@Produce		json
//	@Param			grantID	path		string	true	"Authorization ID"
//	@Param			after	query		int		false	"Sequence cursor"
//	@Param			limit	query		int		false	"Page size"
//	@Success		200		{object}	eventPageResponse
//	@Failure		404		{object}	apierrors.Response
//	@Router			/api/v1/authorizations/{grantID}/events [get]
func (a *AuthorizationRoutes) listGrantEvents(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	page, err := parsePage(r)
	if err != nil {
		return err
	}

	grantID := chi.URLParam(r, "grantID")
	g, err := a.ledger.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if g.UserID != userFrom(r) {
		return ledger.ErrNotFound
	}

	events, next, err := a.ledger.ListEvents(ctx, grantID, page)
	if err != nil {
		return err
	}
	resp := eventPageResponse{Events: make([]eventResponse, 0, len(events)), Next: next}
	for _, e := range events {
		resp.Events = append(resp.Events, newEventResponse(e))
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// revokeGrant
//
//	@Summary		Revoke an authorization
//	@Description	Revoke an ACTIVE authorization and every token issued under it
//	@Tags			authorizations
//	@Produce		json
//	@Param			grantID	path		string	true	"Authorization ID"
//	@Success		200		{object}	grantResponse
//	@Failure		404		{object}	apierrors.Response
//	@Failure		409		{object}	apierrors.Response	"Already revoked or superseded"
//	@Router			/api/v1/authorizations/{grantID} [delete]
func (a *AuthorizationRoutes) revokeGrant(w http.ResponseWriter, r *http.Request) error {
	g, err := a.engine.Revoke(r.Context(), grants.RevokeRequest{
		UserID:  userFrom(r),
		GrantID: chi.URLParam(r, "grantID"),
	})
	if err != nil {
		return err
	}
	out, err := a.grantResponses(r.Context(), []*ledger.Grant{g})
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, out[0])
	return nil
}

func parsePage(r *http.Request) (ledger.Page, error) {
	var page ledger.Page
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			return page, httperr.WithCode(errors.New("after must be a non-negative integer"), http.StatusBadRequest)
		}
		page.After = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return page, httperr.WithCode(errors.New("limit must be a positive integer"), http.StatusBadRequest)
		}
		page.Limit = limit
	}
	return page, nil
}
