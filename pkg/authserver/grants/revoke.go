// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Revocation causes reported in metrics.
const (
	causeUserRevoked   = "user_revoked"
	causeClientDeleted = "client_deleted"
	causeClientIDReset = "client_id_regenerated"
	causeTokenRevoked  = "token_revoked"
	causeSuperseded    = "superseded"
)

var _ clients.Revoker = (*Engine)(nil)

// RevokeRequest identifies the grant a user revokes. Either GrantID or
// ClientRef must be set.
type RevokeRequest struct {
	UserID    string
	GrantID   string
	ClientRef string
}

// RevokeTokenRequest is an RFC 7009 revocation request.
type RevokeTokenRequest struct {
	ClientAuth
	Token         string
	TokenTypeHint string
}

// Revoke ends a user's grant and invalidates every token minted under it.
// Grants of other users are reported as not found.
func (e *Engine) Revoke(ctx context.Context, req RevokeRequest) (*ledger.Grant, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	meta := metadataFrom(ctx)

	var (
		g   *ledger.Grant
		err error
	)
	switch {
	case req.GrantID != "":
		g, err = e.ledger.GetGrant(ctx, req.GrantID)
		if err != nil {
			return nil, err
		}
		if g.UserID != req.UserID {
			return nil, fmt.Errorf("%w: grant %s", ledger.ErrNotFound, req.GrantID)
		}
		g, err = e.ledger.Revoke(ctx, g.ID, meta)
	case req.ClientRef != "":
		g, err = e.ledger.RevokeUserClient(ctx, req.UserID, req.ClientRef, meta)
	default:
		return nil, fmt.Errorf("%w: grant or client is required", ErrInvalidRequest)
	}
	if err != nil {
		return nil, err
	}

	n, err := e.tokens.RevokeFamiliesByGrant(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke tokens of grant %s: %w", g.ID, err)
	}
	e.metrics.FamiliesRevoked(ctx, causeUserRevoked, n)
	return g, nil
}

// RevokeClient revokes every ACTIVE grant of a deleted client and every token
// issued to it.
func (e *Engine) RevokeClient(ctx context.Context, c *clients.Client) error {
	active, err := e.ledger.ListActiveGrantsByClient(ctx, c.ID)
	if err != nil {
		return err
	}
	meta := metadataFrom(ctx)
	for _, g := range active {
		if _, err := e.ledger.Revoke(ctx, g.ID, meta); err != nil && !errors.Is(err, ledger.ErrGrantNotActive) {
			return fmt.Errorf("failed to revoke grant %s: %w", g.ID, err)
		}
	}

	n, err := e.tokens.RevokeFamiliesByClient(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens of client %s: %w", c.ID, err)
	}
	e.metrics.FamiliesRevoked(ctx, causeClientDeleted, n)
	logger.Infow("client access revoked", "client", c.ID, "grants", len(active), "families", n)
	return nil
}

// RevokeClientTokens invalidates every token issued to a client and keeps its
// grants, so users are not asked to consent again.
func (e *Engine) RevokeClientTokens(ctx context.Context, c *clients.Client) error {
	n, err := e.tokens.RevokeFamiliesByClient(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens of client %s: %w", c.ID, err)
	}
	e.metrics.FamiliesRevoked(ctx, causeClientIDReset, n)
	logger.Infow("client tokens revoked", "client", c.ID, "families", n)
	return nil
}

// RevokeToken implements RFC 7009. The family of the token is revoked,
// whichever of its tokens is presented. Unknown tokens and tokens of other
// clients are ignored, as the endpoint must answer 200 either way.
func (e *Engine) RevokeToken(ctx context.Context, req RevokeTokenRequest) error {
	c, err := e.authenticate(ctx, req.ClientAuth)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	rec, err := e.tokens.GetToken(ctx, Signature(req.Token))
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debugw("revocation of unknown token ignored", "client", c.ID, "hint", req.TokenTypeHint)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	if rec.ClientRef != c.ID {
		logger.Warnw("revocation of another client's token ignored",
			"client", c.ID,
			"token_client", rec.ClientRef,
			"ip", clientIP(ctx),
		)
		return nil
	}

	e.revokeFamily(ctx, rec.FamilyID, causeTokenRevoked)
	logger.Infow("token revoked", "client", c.ID, "family", rec.FamilyID, "kind", rec.Kind)
	return nil
}
