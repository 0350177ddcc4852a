// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/ledger"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	servercrypto "github.com/stacklok/grantkeeper/pkg/authserver/server/crypto"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Prompt values understood by Authorize.
const (
	PromptNone    = "none"
	PromptConsent = "consent"
)

// AuthorizeRequest is a validated-for-syntax /oauth2/authorize request from
// an authenticated user.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string

	// UserID is the authenticated resource owner.
	UserID string
}

// AuthorizeResult is the outcome of an authorization step. Exactly one of
// Code and ConsentID is set on success. When an error is returned together
// with a result, the error is to be delivered to RedirectURI.
type AuthorizeResult struct {
	RedirectURI string
	State       string
	Code        string
	ConsentID   string
	Scopes      []string
}

// RedirectLocation renders the client redirect carrying either the code or
// the OAuth2 error code errCode.
func (r *AuthorizeResult) RedirectLocation(errCode, errDescription string) (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if errCode != "" {
		q.Set("error", errCode)
		if errDescription != "" {
			q.Set("error_description", errDescription)
		}
	} else {
		q.Set("code", r.Code)
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConsentDecision is the user's answer to a pending consent.
type ConsentDecision struct {
	ConsentID string
	UserID    string
	Approved  bool
}

// ConsentDetails is what the consent page shows.
type ConsentDetails struct {
	ConsentID  string             `json:"consent_id"`
	ClientID   string             `json:"client_id"`
	ClientName string             `json:"client_name"`
	OwnerID    string             `json:"owner_id"`
	Official   bool               `json:"official"`
	Scopes     []scopes.ScopeInfo `json:"scopes"`
	Granted    []string           `json:"already_granted,omitempty"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// resolveRedirect returns the registered redirect URI matching requested.
// An empty request is accepted only when exactly one URI is registered.
func resolveRedirect(c *storage.Client, requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("%w: redirect_uri is required", ErrRedirectMismatch)
	}
	normalized, err := clients.NormalizeURI(requested)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRedirectMismatch, err)
	}
	if !c.AllowsRedirect(normalized) {
		return "", ErrRedirectMismatch
	}
	return normalized, nil
}

func hasPrompt(prompt, value string) bool {
	return slices.Contains(strings.Fields(prompt), value)
}

// Authorize validates an authorization request and either issues a code or
// parks the request for consent.
//
// Official clients and users whose ACTIVE grant already covers the requested
// scopes receive a code directly; prompt=consent always asks.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	c, err := e.clients.GetClientByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	redirect, err := resolveRedirect(c, req.RedirectURI)
	if err != nil {
		logger.Debugw("rejected authorization redirect", "client", c.ID, "redirect_uri", req.RedirectURI)
		return nil, err
	}

	// From here on errors go back to the client.
	res := &AuthorizeResult{RedirectURI: redirect, State: req.State}

	if req.ResponseType != ResponseTypeCode {
		return res, ErrUnsupportedResponseType
	}
	if c.Type == storage.ClientTypeService {
		return res, fmt.Errorf("%w: SERVICE clients use client_credentials", ErrUnauthorizedClient)
	}
	if req.UserID == "" {
		return res, fmt.Errorf("%w: no authenticated user", ErrAccessDenied)
	}

	requested := []string(scopes.Parse(req.Scope))
	if len(requested) == 0 {
		requested = slices.Clone(e.allowedScopes(c))
	}
	if err := e.checkScopes(c, requested); err != nil {
		return res, err
	}

	challenge, method := req.CodeChallenge, req.CodeChallengeMethod
	switch {
	case challenge != "":
		if err := servercrypto.ValidateChallenge(challenge, method); err != nil {
			return res, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		method = servercrypto.PKCEChallengeMethodS256
	case method != "":
		return res, fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
	case c.Type == storage.ClientTypeClient:
		return res, ErrPKCERequired
	}
	res.Scopes = requested

	forceConsent := hasPrompt(req.Prompt, PromptConsent)
	if !forceConsent {
		skip := c.Official
		if !skip {
			active, err := e.ledger.ActiveGrant(ctx, req.UserID, c.ID)
			switch {
			case err == nil:
				skip = scopes.Covers(active.Scopes, requested)
			case !errors.Is(err, ledger.ErrNotFound):
				return nil, fmt.Errorf("failed to load grant: %w", err)
			}
		}
		if skip {
			rec, err := e.recordAuthorization(ctx, c, req.UserID, requested, false)
			if err != nil {
				return nil, err
			}
			return e.issueCode(ctx, c, req.UserID, rec.Grant.ID, res, challenge, method)
		}
	}

	if hasPrompt(req.Prompt, PromptNone) {
		return res, ErrConsentRequired
	}

	now := e.now().UTC()
	pending := &storage.PendingConsent{
		ID:                  uuid.NewString(),
		ClientID:            c.ClientID,
		ClientRef:           c.ID,
		UserID:              req.UserID,
		RedirectURI:         redirect,
		Scopes:              requested,
		State:               req.State,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ForceNew:            forceConsent,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.cfg.ConsentTTL),
	}
	if err := e.tokens.StorePendingConsent(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to store consent request: %w", err)
	}
	logger.Debugw("consent required", "consent", pending.ID, "client", c.ID, "user", req.UserID)

	res.ConsentID = pending.ID
	return res, nil
}

// recordAuthorization records the grant in the ledger, then checks that the
// client was not deleted meanwhile. A grant recorded for a deleted client is
// revoked again and ErrUnknownClient returned.
func (e *Engine) recordAuthorization(
	ctx context.Context, c *storage.Client, userID string, granted []string, forceNew bool,
) (*ledger.Recorded, error) {
	meta := metadataFrom(ctx)
	rec, err := e.ledger.RecordAuthorization(ctx, userID, c.ID, granted, meta, forceNew)
	if err != nil {
		return nil, fmt.Errorf("failed to record authorization: %w", err)
	}

	_, err = e.clients.GetClient(ctx, c.ID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, storage.ErrNotFound):
		logger.Warnw("client deleted during authorization", "client", c.ID, "grant", rec.Grant.ID)
		if _, err := e.ledger.Revoke(ctx, rec.Grant.ID, meta); err != nil && !errors.Is(err, ledger.ErrGrantNotActive) {
			return nil, fmt.Errorf("failed to revoke grant of deleted client: %w", err)
		}
		return nil, ErrUnknownClient
	default:
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
}

// issueCode stores a new authorization code and completes res with it.
func (e *Engine) issueCode(
	ctx context.Context, c *storage.Client, userID, grantID string, res *AuthorizeResult, challenge, method string,
) (*AuthorizeResult, error) {
	code, sig, err := newOpaqueToken(codePrefix)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if err := e.tokens.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Signature:           sig,
		ClientID:            c.ClientID,
		ClientRef:           c.ID,
		UserID:              userID,
		GrantID:             grantID,
		RedirectURI:         res.RedirectURI,
		Scopes:              res.Scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		IssuedAt:            now,
		ExpiresAt:           now.Add(e.cfg.AuthorizationCodeTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	logger.Infow("authorization code issued", "client", c.ID, "user", userID, "grant", grantID)
	res.Code = code
	return res, nil
}

// pendingFor loads a pending consent of userID.
func (e *Engine) pendingFor(ctx context.Context, consentID, userID string) (*storage.PendingConsent, error) {
	pending, err := e.tokens.GetPendingConsent(ctx, consentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to load consent request: %w", err)
	}
	if pending.UserID != userID || !e.now().Before(pending.ExpiresAt) {
		return nil, ErrConsentNotFound
	}
	return pending, nil
}

// ConsentDetails returns what the consent page shows for a pending consent.
func (e *Engine) ConsentDetails(ctx context.Context, consentID, userID string) (*ConsentDetails, error) {
	pending, err := e.pendingFor(ctx, consentID, userID)
	if err != nil {
		return nil, err
	}
	c, err := e.clients.GetClient(ctx, pending.ClientRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	details := &ConsentDetails{
		ConsentID:  pending.ID,
		ClientID:   c.ClientID,
		ClientName: c.Name,
		OwnerID:    c.OwnerID,
		Official:   c.Official,
		Scopes:     e.scopes.Describe(pending.Scopes),
		ExpiresAt:  pending.ExpiresAt,
	}
	if active, err := e.ledger.ActiveGrant(ctx, userID, c.ID); err == nil && !pending.ForceNew {
		details.Granted = active.Scopes
	}
	return details, nil
}

// Consent applies the user's decision on a pending consent. Approval records
// the grant and issues a code; denial returns ErrAccessDenied with a result
// to redirect it to.
func (e *Engine) Consent(ctx context.Context, d ConsentDecision) (*AuthorizeResult, error) {
	if _, err := e.pendingFor(ctx, d.ConsentID, d.UserID); err != nil {
		return nil, err
	}
	pending, err := e.tokens.TakePendingConsent(ctx, d.ConsentID)
	if err != nil {
		// Lost a race with another decision on the same consent.
		return nil, ErrConsentNotFound
	}

	c, err := e.clients.GetClient(ctx, pending.ClientRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	// The client may have been reconfigured while the user was deciding.
	if !c.AllowsRedirect(pending.RedirectURI) {
		return nil, ErrRedirectMismatch
	}
	res := &AuthorizeResult{
		RedirectURI: pending.RedirectURI,
		State:       pending.State,
		Scopes:      pending.Scopes,
	}
	if pending.ClientID != c.ClientID {
		return res, fmt.Errorf("%w: client_id changed", ErrAccessDenied)
	}

	if !d.Approved {
		logger.Infow("consent denied", "client", c.ID, "user", d.UserID)
		return res, ErrAccessDenied
	}
	if err := e.checkScopes(c, pending.Scopes); err != nil {
		return res, err
	}

	rec, err := e.recordAuthorization(ctx, c, d.UserID, pending.Scopes, pending.ForceNew)
	if err != nil {
		return nil, err
	}
	if rec.Superseded != nil {
		n, err := e.tokens.RevokeFamiliesByGrant(ctx, rec.Superseded.ID)
		if err != nil {
			logger.Errorw("failed to revoke tokens of superseded grant", "grant", rec.Superseded.ID, "error", err)
		}
		e.metrics.FamiliesRevoked(ctx, causeSuperseded, n)
	}
	return e.issueCode(ctx, c, d.UserID, rec.Grant.ID, res, pending.CodeChallenge, pending.CodeChallengeMethod)
}
