// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/grantkeeper/pkg/api/errors"
	"github.com/stacklok/grantkeeper/pkg/authserver/grants"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Consent decisions accepted by ConsentHandler.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// errLoginRequired is the OAuth2 error for requests without a signed-in user.
const errLoginRequired = "login_required"

// AuthorizeHandler handles GET /oauth2/authorize requests.
// It validates the client's authorization request and either redirects back
// with a code or sends the user to the consent page.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	user, err := h.users.ResolveUser(req)
	if err != nil {
		h.requireLogin(w, req, err)
		return
	}

	res, err := h.engine.Authorize(ctx, grants.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompt:              q.Get("prompt"),
		UserID:              user,
	})
	if err != nil {
		h.writeAuthorizeError(w, req, res, err)
		return
	}

	if res.ConsentID != "" {
		http.Redirect(w, req, h.consentPage(res.ConsentID), http.StatusFound)
		return
	}
	h.redirectWithCode(w, req, res)
}

// ConsentDetailsHandler handles GET /oauth2/consent/{id} requests.
// It returns what the consent page shows the user.
func (h *Handler) ConsentDetailsHandler(w http.ResponseWriter, req *http.Request) {
	user, err := h.users.ResolveUser(req)
	if err != nil {
		h.requireLogin(w, req, err)
		return
	}

	details, err := h.engine.ConsentDetails(req.Context(), chi.URLParam(req, "id"), user)
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, details)
}

// ConsentHandler handles POST /oauth2/consent/{id} requests.
// The form field decision is approve or deny; either way the user is
// redirected back to the client.
func (h *Handler) ConsentHandler(w http.ResponseWriter, req *http.Request) {
	user, err := h.users.ResolveUser(req)
	if err != nil {
		h.requireLogin(w, req, err)
		return
	}
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, req, grants.ErrInvalidRequest)
		return
	}

	var approved bool
	switch req.PostForm.Get("decision") {
	case DecisionApprove:
		approved = true
	case DecisionDeny:
	default:
		writeOAuthError(w, req, grants.ErrInvalidRequest)
		return
	}

	res, err := h.engine.Consent(req.Context(), grants.ConsentDecision{
		ConsentID: chi.URLParam(req, "id"),
		UserID:    user,
		Approved:  approved,
	})
	if err != nil {
		h.writeAuthorizeError(w, req, res, err)
		return
	}
	h.redirectWithCode(w, req, res)
}

func (h *Handler) redirectWithCode(w http.ResponseWriter, req *http.Request, res *grants.AuthorizeResult) {
	location, err := res.RedirectLocation("", "")
	if err != nil {
		writeOAuthError(w, req, err)
		return
	}
	http.Redirect(w, req, location, http.StatusFound)
}

// writeAuthorizeError delivers err to the client's redirect URI when the
// request identified one that may receive it, and shows it to the user
// otherwise.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, req *http.Request, res *grants.AuthorizeResult, err error) {
	if res == nil || !grants.Redirectable(err) {
		writeOAuthError(w, req, err)
		return
	}

	rfcErr := toRFC6749(err)
	logger.Debugw("authorization request rejected", "error", err)
	location, lerr := res.RedirectLocation(rfcErr.ErrorField, rfcErr.GetDescription())
	if lerr != nil {
		writeOAuthError(w, req, err)
		return
	}
	http.Redirect(w, req, location, http.StatusFound)
}

func (h *Handler) requireLogin(w http.ResponseWriter, req *http.Request, err error) {
	if !errors.Is(err, ErrNoUser) {
		logger.Errorw("failed to resolve user", "error", err)
		writeOAuthError(w, req, err)
		return
	}
	if h.cfg.LoginURL == "" {
		apierrors.WriteJSON(w, http.StatusUnauthorized, oauthError{
			Error:            errLoginRequired,
			ErrorDescription: "The user must sign in first.",
		})
		return
	}

	u, perr := url.Parse(h.cfg.LoginURL)
	if perr != nil {
		writeOAuthError(w, req, perr)
		return
	}
	q := u.Query()
	q.Set("return_to", h.endpoint(req.URL.RequestURI()))
	u.RawQuery = q.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

func (h *Handler) consentPage(consentID string) string {
	if h.cfg.ConsentPageURL == "" {
		return h.endpoint("/oauth2/consent/" + url.PathEscape(consentID))
	}
	u, err := url.Parse(h.cfg.ConsentPageURL)
	if err != nil {
		return h.endpoint("/oauth2/consent/" + url.PathEscape(consentID))
	}
	q := u.Query()
	q.Set("consent_id", consentID)
	u.RawQuery = q.Encode()
	return u.String()
}
