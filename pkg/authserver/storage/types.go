// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the records of the authorization server and the
// store interfaces the engine is written against, together with the
// in-memory and Redis backends. The SQLite backend lives in storage/sqlite.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrConflict is returned when an optimistic update lost a race.
	ErrConflict = errors.New("storage: conflicting update")

	// ErrExpired is returned when a record exists but its TTL has passed.
	ErrExpired = errors.New("storage: expired")

	// ErrCodeConsumed is returned by RedeemAuthorizationCode for a code that
	// was already exchanged. The stored code is returned alongside it.
	ErrCodeConsumed = errors.New("storage: authorization code already consumed")

	// ErrTokenRotated is returned by RotateRefreshToken for a refresh token
	// that was already rotated away. The stored record is returned alongside it.
	ErrTokenRotated = errors.New("storage: refresh token already rotated")
)

// -----------------------
// Clients
// -----------------------

// ClientType governs the grant types, PKCE requirement and CORS behavior of a client.
type ClientType string

const (
	// ClientTypeClient is a public client (browser or native app). No secret, PKCE required.
	ClientTypeClient ClientType = "CLIENT"

	// ClientTypeServer is a confidential client authenticating users server-side.
	ClientTypeServer ClientType = "SERVER"

	// ClientTypeService is a confidential client without users (client credentials only).
	ClientTypeService ClientType = "SERVICE"
)

// Valid reports whether t is a known client type.
func (t ClientType) Valid() bool {
	switch t {
	case ClientTypeClient, ClientTypeServer, ClientTypeService:
		return true
	}
	return false
}

// Confidential reports whether clients of this type hold a secret.
func (t ClientType) Confidential() bool {
	return t == ClientTypeServer || t == ClientTypeService
}

// Client is a registered OAuth2 client.
type Client struct {
	// ID is the internal identifier. It never changes; grants reference it.
	ID string

	// ClientID is the public identifier presented on the wire. Regenerating
	// it invalidates every token bound to the previous value.
	ClientID         string
	ClientIDIssuedAt time.Time

	// SecretHash is the bcrypt hash of the secret, empty for CLIENT type.
	SecretHash     string
	SecretIssuedAt time.Time

	Name         string
	Type         ClientType
	RedirectURIs []string
	CORSOrigins  []string
	Scopes       []string

	// Official clients skip the consent page.
	Official bool

	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by every successful UpdateClient.
	Version int64
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.CORSOrigins = slices.Clone(c.CORSOrigins)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// HasSecret reports whether a secret hash is stored.
func (c *Client) HasSecret() bool {
	return c.SecretHash != ""
}

// AllowsRedirect reports whether uri is registered, by exact string match.
func (c *Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsOrigin reports whether origin may make CORS requests for this client.
// Only CLIENT type clients have CORS origins.
func (c *Client) AllowsOrigin(origin string) bool {
	return c.Type == ClientTypeClient && slices.Contains(c.CORSOrigins, origin)
}

// ClientStore persists clients.
type ClientStore interface {
	// CreateClient stores a new client. ErrAlreadyExists when ID or ClientID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient loads a client by internal ID.
	GetClient(ctx context.Context, id string) (*Client, error)

	// GetClientByClientID loads a client by public client ID.
	GetClientByClientID(ctx context.Context, clientID string) (*Client, error)

	// ListClientsByOwner returns the owner's clients, newest first.
	ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error)

	// ListClientsByOrigin returns CLIENT type clients that list origin as a CORS origin.
	ListClientsByOrigin(ctx context.Context, origin string) ([]*Client, error)

	// UpdateClient replaces a client in one step. client.Version must match
	// the stored version (ErrConflict otherwise); it is incremented on success.
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client.
	DeleteClient(ctx context.Context, id string) error
}

// -----------------------
// Authorization ledger
// -----------------------

// GrantState is the lifecycle state of an authorization lineage.
type GrantState string

const (
	// GrantActive grants may be extended and mint tokens.
	GrantActive GrantState = "ACTIVE"

	// GrantRevoked grants ended with a REVOCATION event.
	GrantRevoked GrantState = "REVOKED"

	// GrantSuperseded grants were replaced by a newer lineage for the same user and client.
	GrantSuperseded GrantState = "SUPERSEDED"
)

// EventType is the kind of a ledger event.
type EventType string

const (
	// EventAuthorization opens a lineage.
	EventAuthorization EventType = "AUTHORIZATION"

	// EventScopeAddition records scopes added to an active lineage.
	EventScopeAddition EventType = "SCOPE_ADDITION"

	// EventRevocation closes a lineage. Nothing may follow it.
	EventRevocation EventType = "REVOCATION"
)

// RequestMetadata describes the request that caused a ledger event.
type RequestMetadata struct {
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Grant is one authorization lineage between a user and a client.
type Grant struct {
	ID        string
	UserID    string
	ClientRef string
	Scopes    []string
	State     GrantState
	GrantedAt time.Time
	UpdatedAt time.Time

	// EndedAt is set when the grant leaves ACTIVE.
	EndedAt time.Time

	// RevokedAt is set only for REVOKED grants.
	RevokedAt time.Time

	// Metadata is the request metadata of the most recent event.
	Metadata RequestMetadata
}

// Clone returns a deep copy.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out
}

// Event is an immutable ledger entry.
type Event struct {
	ID        string
	GrantID   string
	Seq       int64
	Type      EventType
	Timestamp time.Time
	Scopes    []string
	Metadata  RequestMetadata
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Scopes = slices.Clone(e.Scopes)
	return &out
}

// LedgerStore persists grants and their events.
//
// At most one grant per (user, client) is ACTIVE; CreateGrant returns
// ErrAlreadyExists when that would be violated.
type LedgerStore interface {
	// CreateGrant stores a new ACTIVE grant together with its first event.
	CreateGrant(ctx context.Context, grant *Grant, first *Event) error

	// SupersedeGrant marks oldID SUPERSEDED and creates next with its first
	// event in one step. ErrConflict when oldID is no longer ACTIVE.
	SupersedeGrant(ctx context.Context, oldID string, endedAt time.Time, next *Grant, first *Event) error

	// AppendEvent stores event and the updated grant in one step. event.Seq
	// must be exactly one past the last stored Seq (ErrConflict otherwise).
	AppendEvent(ctx context.Context, grant *Grant, event *Event) error

	// GetGrant loads a grant by ID.
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// GetActiveGrant loads the ACTIVE grant of a user for a client.
	GetActiveGrant(ctx context.Context, userID, clientRef string) (*Grant, error)

	// ListGrantsByUser returns every grant of a user, newest first.
	ListGrantsByUser(ctx context.Context, userID string) ([]*Grant, error)

	// ListActiveGrantsByClient returns every ACTIVE grant of a client.
	ListActiveGrantsByClient(ctx context.Context, clientRef string) ([]*Grant, error)

	// LastEvent returns the event with the highest Seq of a grant.
	LastEvent(ctx context.Context, grantID string) (*Event, error)

	// ListEvents returns up to limit events with Seq > afterSeq, in Seq order.
	ListEvents(ctx context.Context, grantID string, afterSeq int64, limit int) ([]*Event, error)

	// ListEventsByUser returns the events of all the user's grants, newest
	// first. An empty clientRef means every client.
	ListEventsByUser(ctx context.Context, userID, clientRef string) ([]*Event, error)
}

// -----------------------
// Codes and tokens
// -----------------------

// CodeState is the lifecycle state of an authorization code.
type CodeState string

// Authorization code states.
const (
	CodeIssued   CodeState = "CODE_ISSUED"
	CodeConsumed CodeState = "CONSUMED"
	CodeExpired  CodeState = "EXPIRED"
)

// AuthorizationCode is a short-lived, single-use authorization code. Only
// the SHA-256 signature of the code is stored.
type AuthorizationCode struct {
	Signature           string
	ClientID            string
	ClientRef           string
	UserID              string
	GrantID             string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	IssuedAt            time.Time
	ExpiresAt           time.Time

	// ConsumedAt is set when the code is redeemed.
	ConsumedAt time.Time

	// FamilyID is the token family minted from this code.
	FamilyID string
}

// State reports the code's state at now.
func (c *AuthorizationCode) State(now time.Time) CodeState {
	switch {
	case !c.ConsumedAt.IsZero():
		return CodeConsumed
	case !now.Before(c.ExpiresAt):
		return CodeExpired
	default:
		return CodeIssued
	}
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// TokenKind distinguishes access and refresh token records.
type TokenKind string

// Token kinds.
const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// TokenRecord is the server-side state of an issued token, keyed by the
// SHA-256 signature of the token value.
type TokenRecord struct {
	Signature string
	Kind      TokenKind
	TokenID   string
	FamilyID  string
	ClientID  string
	ClientRef string
	UserID    string
	GrantID   string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// RotatedAt is set on a refresh token once it was exchanged.
	RotatedAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy.
func (t *TokenRecord) Clone() *TokenRecord {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

// Family groups every token descending from one authorization code or
// client credentials request. Revoking a family revokes all its tokens.
type Family struct {
	ID            string
	ClientID      string
	ClientRef     string
	UserID        string
	GrantID       string
	CodeSignature string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// IssuedTokens is the set of records written by one issuance.
type IssuedTokens struct {
	Family  *Family
	Access  *TokenRecord
	Refresh *TokenRecord
}

// records returns the token records in the issuance.
func (i *IssuedTokens) records() []*TokenRecord {
	out := []*TokenRecord{i.Access}
	if i.Refresh != nil {
		out = append(out, i.Refresh)
	}
	return out
}

// PendingConsent is an authorization request waiting for the user's decision.
type PendingConsent struct {
	ID                  string
	ClientID            string
	ClientRef           string
	UserID              string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// ForceNew starts a new lineage instead of extending the active one.
	ForceNew bool

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Clone returns a deep copy of p.
func (p *PendingConsent) Clone() *PendingConsent {
	if p == nil {
		return nil
	}
	out := *p
	out.Scopes = slices.Clone(p.Scopes)
	return &out
}

// TokenStore persists authorization codes, token families and pending consents.
type TokenStore interface {
	// CreateAuthorizationCode stores a new code.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode loads a code by signature, consumed or not.
	GetAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode consumes the code and stores issue in one
	// atomic step. Concurrent callers for the same code see exactly one
	// success; the others get ErrCodeConsumed with the stored code.
	RedeemAuthorizationCode(ctx context.Context, signature string, now time.Time, issue *IssuedTokens) (*AuthorizationCode, error)

	// CreateTokens stores a family and its tokens without a code.
	CreateTokens(ctx context.Context, issue *IssuedTokens) error

	// GetToken loads a token record by signature.
	GetToken(ctx context.Context, signature string) (*TokenRecord, error)

	// GetFamily loads a token family.
	GetFamily(ctx context.Context, id string) (*Family, error)

	// RotateRefreshToken marks the refresh token rotated and stores issue in
	// one atomic step. A token that was already rotated yields
	// ErrTokenRotated with the stored record.
	RotateRefreshToken(ctx context.Context, signature string, now time.Time, issue *IssuedTokens) (*TokenRecord, error)

	// RevokeFamily deletes a family and every token in it.
	RevokeFamily(ctx context.Context, familyID string) error

	// RevokeFamiliesByClient revokes every family of a client (by internal reference).
	RevokeFamiliesByClient(ctx context.Context, clientRef string) (int, error)

	// RevokeFamiliesByGrant revokes every family minted under a grant.
	RevokeFamiliesByGrant(ctx context.Context, grantID string) (int, error)

	// StorePendingConsent stores a consent request until its ExpiresAt.
	StorePendingConsent(ctx context.Context, pending *PendingConsent) error

	// GetPendingConsent loads a consent request.
	GetPendingConsent(ctx context.Context, id string) (*PendingConsent, error)

	// TakePendingConsent loads and deletes a consent request in one step.
	TakePendingConsent(ctx context.Context, id string) (*PendingConsent, error)
}

// Storage is everything the authorization server persists.
type Storage interface {
	ClientStore
	LedgerStore
	TokenStore

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
