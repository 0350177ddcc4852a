// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients manages OAuth2 client registrations on behalf of their owners.
package clients

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/authserver/vault"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// MaxNameLength bounds client display names, in characters.
const MaxNameLength = 100

// Client is a registered OAuth2 client.
type Client = storage.Client

// Revoker invalidates what a client has been granted.
type Revoker interface {
	// RevokeClient revokes every active grant of the client and every token issued to it.
	RevokeClient(ctx context.Context, client *Client) error

	// RevokeClientTokens invalidates every token issued to the client, keeping its grants.
	RevokeClientTokens(ctx context.Context, client *Client) error
}

// Configuration is the owner-editable part of a client.
type Configuration struct {
	Name         string             `json:"name"`
	Type         storage.ClientType `json:"type,omitempty"`
	RedirectURIs []string           `json:"redirect_uris"`
	CORSOrigins  []string           `json:"cors_origins"`
	Scopes       []string           `json:"scopes"`
}

// UpdateResult is returned by operations that may issue a secret.
type UpdateResult struct {
	Client *Client

	// ClientSecret is set only when a secret was issued by this call. It is
	// never retrievable again.
	ClientSecret string
}

// Registry implements client CRUD, type changes and credential rotation.
type Registry struct {
	store   storage.ClientStore
	vault   *vault.Vault
	scopes  *scopes.Registry
	revoker Revoker
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRevoker sets the cascade target for deletion and client id rotation.
func WithRevoker(r Revoker) Option {
	return func(reg *Registry) {
		reg.revoker = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		reg.now = now
	}
}

// NewRegistry creates a Registry.
func NewRegistry(store storage.ClientStore, v *vault.Vault, catalog *scopes.Registry, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		vault:  v,
		scopes: catalog,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

func validateName(name string, verr *ValidationError) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		verr.add("name", name, "name must not be empty")
	case utf8.RuneCountInString(name) > MaxNameLength:
		verr.add("name", name, fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	return name
}

// Create registers a CLIENT type client with no redirect URIs, origins or scopes.
func (r *Registry) Create(ctx context.Context, ownerID, name string) (*Client, error) {
	verr := &ValidationError{}
	name = validateName(name, verr)
	if ownerID == "" {
		verr.add("owner_id", "", "owner must not be empty")
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}

	clientID, err := r.vault.IssueClientID()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	c := &Client{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		ClientIDIssuedAt: now,
		Name:             name,
		Type:             storage.ClientTypeClient,
		RedirectURIs:     []string{},
		CORSOrigins:      []string{},
		Scopes:           []string{},
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateClient(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	logger.Infow("client created", "client", c.ID, "owner", ownerID)
	return c, nil
}

// owned loads a client and checks that ownerID owns it.
func (r *Registry) owned(ctx context.Context, ownerID, id string) (*Client, error) {
	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if c.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return c, nil
}

// Get returns a client owned by ownerID.
func (r *Registry) Get(ctx context.Context, ownerID, id string) (*Client, error) {
	return r.owned(ctx, ownerID, id)
}

// GetByClientID returns a client by its public identifier, without an ownership check.
func (r *Registry) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	c, err := r.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return c, nil
}

// List returns the owner's clients, newest first.
func (r *Registry) List(ctx context.Context, ownerID string) ([]*Client, error) {
	list, err := r.store.ListClientsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return list, nil
}

// applyType sets c.Type to t and issues or destroys the secret so that
// CLIENT clients never hold one. It returns the new plaintext secret, if any.
func (r *Registry) applyType(c *Client, t storage.ClientType, now time.Time) (string, error) {
	wasConfidential := c.Type.Confidential()
	c.Type = t

	switch {
	case !t.Confidential():
		c.SecretHash = ""
		c.SecretIssuedAt = time.Time{}
	case !wasConfidential || !c.HasSecret():
		plaintext, hash, err := r.vault.IssueClientSecret()
		if err != nil {
			return "", err
		}
		c.SecretHash = hash
		c.SecretIssuedAt = now
		return plaintext, nil
	}
	return "", nil
}

// Update validates cfg and replaces the client's configuration. Every
// invalid field is reported in one *ValidationError and nothing is applied.
// A Type different from the current one performs a type change.
func (r *Registry) Update(ctx context.Context, ownerID, id string, cfg Configuration) (*UpdateResult, error) {
	c, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	name := validateName(cfg.Name, verr)
	newType := cfg.Type
	if newType == "" {
		newType = c.Type
	} else if !newType.Valid() {
		verr.add("type", string(newType), "type must be CLIENT, SERVER or SERVICE")
	}
	redirectURIs := normalizeAll("redirect_uris", cfg.RedirectURIs, verr)
	corsOrigins := normalizeAll("cors_origins", cfg.CORSOrigins, verr)
	clientScopes := make([]string, 0, len(cfg.Scopes))
	for i, s := range cfg.Scopes {
		if !r.scopes.Has(s) {
			verr.addIndexed("scopes", i, s, "unknown scope")
			continue
		}
		if !slices.Contains(clientScopes, s) {
			clientScopes = append(clientScopes, s)
		}
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	c.Name = name
	c.RedirectURIs = redirectURIs
	c.CORSOrigins = corsOrigins
	c.Scopes = clientScopes
	c.UpdatedAt = now
	secret, err := r.applyType(c, newType, now)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateClient(ctx, c); err != nil {
		return nil, mapStoreErr(err)
	}
	return &UpdateResult{Client: c, ClientSecret: secret}, nil
}

// ChangeType switches the client's type. Moving to SERVER or SERVICE from
// CLIENT issues a secret, returned once; moving to CLIENT destroys the secret.
// Type and secret change in a single store write.
func (r *Registry) ChangeType(ctx context.Context, ownerID, id string, t storage.ClientType) (*UpdateResult, error) {
	if !t.Valid() {
		verr := &ValidationError{}
		verr.add("type", string(t), "type must be CLIENT, SERVER or SERVICE")
		return nil, verr
	}

	c, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	secret, err := r.applyType(c, t, now)
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	if err := r.store.UpdateClient(ctx, c); err != nil {
		return nil, mapStoreErr(err)
	}

	logger.Infow("client type changed", "client", c.ID, "type", t)
	return &UpdateResult{Client: c, ClientSecret: secret}, nil
}

// Delete revokes everything granted to the client and removes it. Grants
// recorded while the deletion runs are revoked by a second pass once the
// client is gone.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	c, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return err
	}

	if r.revoker != nil {
		if err := r.revoker.RevokeClient(ctx, c); err != nil {
			return fmt.Errorf("failed to revoke client grants: %w", err)
		}
	}
	if err := r.store.DeleteClient(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	if r.revoker != nil {
		if err := r.revoker.RevokeClient(ctx, c); err != nil {
			logger.Errorw("failed to revoke grants recorded during client deletion", "client", id, "error", err)
		}
	}

	logger.Infow("client deleted", "client", id, "owner", ownerID)
	return nil
}

// SetOfficial marks a client official (consent skipped) or not. It is an
// operator action and performs no ownership check.
func (r *Registry) SetOfficial(ctx context.Context, id string, official bool) (*Client, error) {
	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	c.Official = official
	c.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateClient(ctx, c); err != nil {
		return nil, mapStoreErr(err)
	}
	return c, nil
}

// RegenerateClientID replaces the public client identifier. Every token
// bound to the previous identifier stops validating.
func (r *Registry) RegenerateClientID(ctx context.Context, ownerID, id string) (string, error) {
	c, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return "", err
	}

	clientID, err := r.vault.IssueClientID()
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	c.ClientID = clientID
	c.ClientIDIssuedAt = now
	c.UpdatedAt = now
	if err := r.store.UpdateClient(ctx, c); err != nil {
		return "", mapStoreErr(err)
	}

	if r.revoker != nil {
		if err := r.revoker.RevokeClientTokens(ctx, c); err != nil {
			return "", fmt.Errorf("failed to revoke tokens of previous client id: %w", err)
		}
	}
	logger.Infow("client id regenerated", "client", c.ID)
	return clientID, nil
}

// RegenerateClientSecret issues a new secret, replacing the stored hash.
// CLIENT type clients have no secret and get ErrInvalidClientType.
func (r *Registry) RegenerateClientSecret(ctx context.Context, ownerID, id string) (string, error) {
	c, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if !c.Type.Confidential() {
		return "", ErrInvalidClientType
	}

	plaintext, hash, err := r.vault.IssueClientSecret()
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	c.SecretHash = hash
	c.SecretIssuedAt = now
	c.UpdatedAt = now
	if err := r.store.UpdateClient(ctx, c); err != nil {
		return "", mapStoreErr(err)
	}

	logger.Infow("client secret regenerated", "client", c.ID)
	return plaintext, nil
}
