// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-core/httperr"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

const maxBodyBytes = 64 << 10

// ClientRoutes defines the routes for client registration.
type ClientRoutes struct {
	registry *clients.Registry
}

// ClientRouter creates a new router for the client API. Every route acts on
// clients owned by the authenticated user.
func ClientRouter(registry *clients.Registry) http.Handler {
	routes := ClientRoutes{
		registry: registry,
	}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.listClients))
	r.Post("/", apierrors.ErrorHandler(routes.createClient))
	r.Get("/{id}", apierrors.ErrorHandler(routes.getClient))
	r.Put("/{id}", apierrors.ErrorHandler(routes.updateClient))
	r.Put("/{id}/type", apierrors.ErrorHandler(routes.changeType))
	r.Post("/{id}/client-id", apierrors.ErrorHandler(routes.regenerateClientID))
	r.Post("/{id}/client-secret", apierrors.ErrorHandler(routes.regenerateClientSecret))
	r.Delete("/{id}", apierrors.ErrorHandler(routes.deleteClient))
	return r
}

// clientResponse is a client as shown to its owner. The secret is only ever
// returned by the call that issued it.
type clientResponse struct {
	ID               string             `json:"id"`
	ClientID         string             `json:"client_id"`
	ClientIDIssuedAt time.Time          `json:"client_id_issued_at"`
	Name             string             `json:"name"`
	Type             storage.ClientType `json:"type"`
	RedirectURIs     []string           `json:"redirect_uris"`
	CORSOrigins      []string           `json:"cors_origins"`
	Scopes           []string           `json:"scopes"`
	Official         bool               `json:"official"`
	HasSecret        bool               `json:"has_secret"`
	SecretIssuedAt   *time.Time         `json:"client_secret_issued_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func newClientResponse(c *clients.Client) clientResponse {
	resp := clientResponse{
		ID:               c.ID,
		ClientID:         c.ClientID,
		ClientIDIssuedAt: c.ClientIDIssuedAt,
		Name:             c.Name,
		Type:             c.Type,
		RedirectURIs:     nonNil(c.RedirectURIs),
		CORSOrigins:      nonNil(c.CORSOrigins),
		Scopes:           nonNil(c.Scopes),
		Official:         c.Official,
		HasSecret:        c.HasSecret(),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.HasSecret() {
		issued := c.SecretIssuedAt
		resp.SecretIssuedAt = &issued
	}
	return resp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type createClientRequest struct {
	Name string `json:"name"`
}

type changeTypeRequest struct {
	Type storage.ClientType `json:"type"`
}

// updateClientResponse carries the plaintext secret when the call issued one.
type updateClientResponse struct {
	Client       clientResponse `json:"client"`
	ClientSecret string         `json:"client_secret,omitempty"`
}

type clientIDResponse struct {
	ClientID string `json:"client_id"`
}

type clientSecretResponse struct {
	ClientSecret string `json:"client_secret"`
}

// listClients
//
//	@Summary		List clients
//	@Description	List the caller's clients, newest first
//	@Tags			clients
//	@Produce		json
//	@Success		200	{array}		clientResponse
//	@Failure		401	{object}	apierrors.Response
//	@Router			/api/v1/clients [get]
func (c *ClientRoutes) listClients(w http.ResponseWriter, r *http.Request) error {
	list, err := c.registry.List(r.Context(), userFrom(r))
	if err != nil {
		return err
	}
	out := make([]clientResponse, 0, len(list))
	for _, cl := range list {
		out = append(out, newClientResponse(cl))
	}
	apierrors.WriteJSON(w, http.StatusOK, out)
	return nil
}

// createClient
//
//	@Summary		Register a client
//	@Description	Register a CLIENT type client with the given name
//	@Tags			clients
//	@Accept			json
//	@Produce		json
//	@Param			client	body		createClientRequest	true	"Client to register"
//	@Success		201		{object}	clientResponse
//	@Failure		400		{object}	apierrors.Response
//	@Router			/api/v1/clients [post]
func (c *ClientRoutes) createClient(w http.ResponseWriter, r *http.Request) error {
	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	cl, err := c.registry.Create(r.Context(), userFrom(r), req.Name)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/api/v1/clients/"+cl.ID)
	apierrors.WriteJSON(w, http.StatusCreated, newClientResponse(cl))
	return nil
}

// getClient
//
//	@Summary		Get a client
//	@Tags			clients
//	@Produce		json
//	@Param			id	path		string	true	"Client ID"
//	@Success		200	{object}	clientResponse
//	@Failure		403	{object}	apierrors.Response
//	@Failure		404	{object}	apierrors.Response
//	@Router			/api/v1/clients/{id} [get]
func (c *ClientRoutes) getClient(w http.ResponseWriter, r *http.Request) error {
	cl, err := c.registry.Get(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, newClientResponse(cl))
	return nil
}

// updateClient replaces the client configuration.
//
//	@Summary		Update a client
//	@Description	Replace the name, type, redirect URIs, CORS origins and scopes of a client
//	@Tags			clients
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Client ID"
//	@Param			config	body		clients.Configuration	true	"Configuration"
//	@Success		200		{object}	updateClientResponse
//	@Failure		400		{object}	apierrors.Response
//	@Failure		403		{object}	apierrors.Response
//	@Failure		404		{object}	apierrors.Response
//	@Failure		409		{object}	apierrors.Response
//	@Router			/api/v1/clients/{id} [put]
func (c *ClientRoutes) updateClient(w http.ResponseWriter, r *http.Request) error {
	var cfg clients.Configuration
	if err := decodeJSON(w, r, &cfg); err != nil {
		return err
	}
	res, err := c.registry.Update(r.Context(), userFrom(r), chi.URLParam(r, "id"), cfg)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, updateClientResponse{
		Client:       newClientResponse(res.Client),
		ClientSecret: res.ClientSecret,
	})
	return nil
}

// changeType
//
//	@Summary		Change the client type
//	@Description	Changing to SERVER or SERVICE issues a secret; changing to CLIENT destroys it
//	@Tags			clients
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Client ID"
//	@Param			type	body		changeTypeRequest	true	"New type"
//	@Success		200		{object}	updateClientResponse
//	@Failure		400		{object}	apierrors.Response
//	@Router			/api/v1/clients/{id}/type [put]
func (c *ClientRoutes) changeType(w http.ResponseWriter, r *http.Request) error {
	var req changeTypeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	res, err := c.registry.ChangeType(r.Context(), userFrom(r), chi.URLParam(r, "id"), req.Type)
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, updateClientResponse{
		Client:       newClientResponse(res.Client),
		ClientSecret: res.ClientSecret,
	})
	return nil
}

// regenerateClientID
//
//	@Summary		Regenerate the client_id
//	@Description	Issue a new client_id. Tokens bound to the old one stop working; grants are kept.
//	@Tags			clients
//	@Produce		json
//	@Param			id	path		string	true	"Client ID"
//	@Success		200	{object}	clientIDResponse
//	@Router			/api/v1/clients/{id}/client-id [post]
func (c *ClientRoutes) regenerateClientID(w http.ResponseWriter, r *http.Request) error {
	clientID, err := c.registry.RegenerateClientID(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, clientIDResponse{ClientID: clientID})
	return nil
}

// regenerateClientSecret
//
//	@Summary		Regenerate the client secret
//	@Tags			clients
//	@Produce		json
//	@Param			id	path		string	true	"Client ID"
//	@Success		200	{object}	clientSecretResponse
//	@Failure		400	{object}	apierrors.Response	"CLIENT type clients have no secret"
//	@Router			/api/v1/clients/{id}/client-secret [post]
func (c *ClientRoutes) regenerateClientSecret(w http.ResponseWriter, r *http.Request) error {
	secret, err := c.registry.RegenerateClientSecret(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	apierrors.WriteJSON(w, http.StatusOK, clientSecretResponse{ClientSecret: secret})
	return nil
}

// deleteClient
//
//	@Summary		Delete a client
//	@Description	Delete a client, revoking every authorization and token issued to it
//	@Tags			clients
//	@Param			id	path	string	true	"Client ID"
//	@Success		204
//	@Router			/api/v1/clients/{id} [delete]
func (c *ClientRoutes) deleteClient(w http.ResponseWriter, r *http.Request) error {
	if err := c.registry.Delete(r.Context(), userFrom(r), chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return httperr.WithCode(fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
	}
	return nil
}
