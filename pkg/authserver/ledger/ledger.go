// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ledger keeps the authorization history of every (user, client)
// pair: which lineage is ACTIVE, which scopes it holds and the append-only
// trail of AUTHORIZATION, SCOPE_ADDITION and REVOCATION events behind it.
//
// Appends to one grant are serialized in-process by a keyed mutex and across
// processes by the store's sequence check. A lineage always opens with an
// AUTHORIZATION event and nothing follows its REVOCATION event.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/grantkeeper/pkg/authserver/metrics"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Grant is one authorization lineage.
type Grant = storage.Grant

// Event is an immutable ledger entry.
type Event = storage.Event

// Metadata describes the request behind an event.
type Metadata = storage.RequestMetadata

const (
	// DefaultPageSize is the event page size when none is requested.
	DefaultPageSize = 50

	// MaxPageSize caps the event page size.
	MaxPageSize = 200

	// maxRecordAttempts bounds retries when another writer raced us on the
	// same (user, client) pair.
	maxRecordAttempts = 3
)

var (
	// ErrLedgerCorrupted is returned when an append would break a grant's
	// history. It indicates a bug or a concurrent writer outside the ledger.
	ErrLedgerCorrupted = errors.New("authorization ledger corrupted")

	// ErrNotFound is returned for unknown grants.
	ErrNotFound = httperr.WithCode(errors.New("authorization not found"), http.StatusNotFound)

	// ErrGrantNotActive is returned when revoking a grant that already ended.
	ErrGrantNotActive = httperr.WithCode(errors.New("authorization is not active"), http.StatusConflict)
)

// Violation reasons, also used as metric attributes.
const (
	violationMissingOpening        = "missing_authorization_event"
	violationAuthorizationReopened = "authorization_after_first"
	violationAfterRevocation       = "append_after_revocation"
	violationGrantNotActive        = "append_to_inactive_grant"
	violationUnknownType           = "unknown_event_type"
	violationSequenceConflict      = "sequence_conflict"
)

// Page selects a window of a grant's events.
type Page struct {
	// After is the Seq cursor; only events with a larger Seq are returned.
	After int64

	// Limit bounds the page, DefaultPageSize when zero.
	Limit int
}

// Recorded is the outcome of RecordAuthorization.
type Recorded struct {
	// Grant is the ACTIVE grant after the call.
	Grant *Grant

	// Event is the appended event, nil when the grant already held every scope.
	Event *Event

	// Superseded is the grant that was ended to start Grant, if any.
	Superseded *Grant
}

// Ledger records grant transitions.
type Ledger struct {
	store   storage.LedgerStore
	metrics *metrics.Metrics
	now     func() time.Time
	locks   *keyedMutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics records appended events and rejected appends.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger on store.
func New(store storage.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func grantKey(id string) string {
	return "grant:" + id
}

func pairKey(userID, clientRef string) string {
	return "pair:" + userID + "\x00" + clientRef
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (l *Ledger) corrupted(ctx context.Context, grant *Grant, eventType storage.EventType, reason string) error {
	l.metrics.LedgerViolation(ctx, reason)
	logger.Errorw("rejected ledger append",
		"grant", grant.ID,
		"user", grant.UserID,
		"client", grant.ClientRef,
		"state", grant.State,
		"event_type", eventType,
		"reason", reason,
	)
	return fmt.Errorf("%w: %s on grant %s", ErrLedgerCorrupted, reason, grant.ID)
}

func (l *Ledger) newEvent(grantID string, seq int64, t storage.EventType, scopeSet []string, meta Metadata, at time.Time) *Event {
	if scopeSet == nil {
		scopeSet = []string{}
	}
	return &Event{
		ID:        uuid.NewString(),
		GrantID:   grantID,
		Seq:       seq,
		Type:      t,
		Timestamp: at,
		Scopes:    slices.Clone(scopeSet),
		Metadata:  meta,
	}
}

// Append adds an event to a grant. Only ev.GrantID, ev.Type, ev.Scopes and
// ev.Metadata are read; the stored event is returned.
//
// SCOPE_ADDITION extends the grant to the union of its scopes and ev.Scopes
// and records the full set. REVOCATION ends the grant.
func (l *Ledger) Append(ctx context.Context, ev *Event) (*Event, error) {
	unlock := l.locks.lock(grantKey(ev.GrantID))
	defer unlock()

	grant, err := l.store.GetGrant(ctx, ev.GrantID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return l.appendLocked(ctx, grant, ev.Type, ev.Scopes, ev.Metadata)
}

// appendLocked validates and stores one event. The caller holds the grant's lock.
func (l *Ledger) appendLocked(
	ctx context.Context, grant *Grant, t storage.EventType, scopeSet []string, meta Metadata,
) (*Event, error) {
	last, err := l.store.LastEvent(ctx, grant.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		last = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load last event: %w", err)
	}

	switch {
	case last == nil:
		// CreateGrant stores the opening event, so an empty history can
		// only come from a write outside the ledger.
		return nil, l.corrupted(ctx, grant, t, violationMissingOpening)
	case last.Type == storage.EventRevocation:
		return nil, l.corrupted(ctx, grant, t, violationAfterRevocation)
	case grant.State != storage.GrantActive:
		return nil, l.corrupted(ctx, grant, t, violationGrantNotActive)
	}

	now := l.now().UTC()
	next := grant.Clone()
	next.UpdatedAt = now
	next.Metadata = meta

	var snapshot []string
	switch t {
	case storage.EventAuthorization:
		return nil, l.corrupted(ctx, grant, t, violationAuthorizationReopened)
	case storage.EventScopeAddition:
		next.Scopes = scopes.Union(grant.Scopes, scopeSet)
		snapshot = next.Scopes
	case storage.EventRevocation:
		next.State = storage.GrantRevoked
		next.EndedAt = now
		next.RevokedAt = now
	default:
		return nil, l.corrupted(ctx, grant, t, violationUnknownType)
	}

	ev := l.newEvent(grant.ID, last.Seq+1, t, snapshot, meta, now)
	if err := l.store.AppendEvent(ctx, next, ev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, l.corrupted(ctx, grant, t, violationSequenceConflict)
		}
		return nil, fmt.Errorf("failed to append %s event: %w", t, err)
	}

	*grant = *next
	l.metrics.LedgerEvent(ctx, string(t))
	return ev, nil
}

// RecordAuthorization records that userID authorized clientRef for requested.
//
// Without an ACTIVE grant a new lineage starts with an AUTHORIZATION event.
// With one, the grant is extended by a SCOPE_ADDITION event carrying the full
// new set, or left untouched when it already covers requested. forceNew
// supersedes the ACTIVE grant and starts a new lineage instead.
func (l *Ledger) RecordAuthorization(
	ctx context.Context, userID, clientRef string, requested []string, meta Metadata, forceNew bool,
) (*Recorded, error) {
	if userID == "" || clientRef == "" {
		return nil, errors.New("user and client are required")
	}

	unlock := l.locks.lock(pairKey(userID, clientRef))
	defer unlock()

	var lastErr error
	for range maxRecordAttempts {
		rec, err := l.recordOnce(ctx, userID, clientRef, requested, meta, forceNew)
		if err == nil {
			return rec, nil
		}
		// Another process created or ended the pair's grant in between.
		if !errors.Is(err, storage.ErrAlreadyExists) && !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		lastErr = err
		logger.Debugw("retrying authorization record after concurrent update",
			"user", userID, "client", clientRef, "error", err)
	}
	return nil, fmt.Errorf("failed to record authorization: %w", lastErr)
}

func (l *Ledger) recordOnce(
	ctx context.Context, userID, clientRef string, requested []string, meta Metadata, forceNew bool,
) (*Recorded, error) {
	active, err := l.store.GetActiveGrant(ctx, userID, clientRef)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return l.startLineage(ctx, userID, clientRef, requested, meta, nil)
	case err != nil:
		return nil, fmt.Errorf("failed to load active grant: %w", err)
	}

	if forceNew {
		return l.startLineage(ctx, userID, clientRef, requested, meta, active)
	}

	unlock := l.locks.lock(grantKey(active.ID))
	defer unlock()

	if scopes.Covers(active.Scopes, requested) {
		return &Recorded{Grant: active}, nil
	}
	ev, err := l.appendLocked(ctx, active, storage.EventScopeAddition, requested, meta)
	if err != nil {
		return nil, err
	}
	logger.Infow("authorization extended",
		"grant", active.ID,
		"user", userID,
		"client", clientRef,
		"scopes", active.Scopes,
		"ip", meta.IPAddress,
	)
	return &Recorded{Grant: active, Event: ev}, nil
}

// startLineage creates a new ACTIVE grant, superseding prev when set.
func (l *Ledger) startLineage(
	ctx context.Context, userID, clientRef string, requested []string, meta Metadata, prev *Grant,
) (*Recorded, error) {
	now := l.now().UTC()
	granted := scopes.Union(nil, requested)
	grant := &Grant{
		ID:        uuid.NewString(),
		UserID:    userID,
		ClientRef: clientRef,
		Scopes:    granted,
		State:     storage.GrantActive,
		GrantedAt: now,
		UpdatedAt: now,
		Metadata:  meta,
	}
	first := l.newEvent(grant.ID, 1, storage.EventAuthorization, granted, meta, now)

	rec := &Recorded{Grant: grant, Event: first}
	if prev == nil {
		if err := l.store.CreateGrant(ctx, grant, first); err != nil {
			return nil, err
		}
	} else {
		unlock := l.locks.lock(grantKey(prev.ID))
		defer unlock()

		if err := l.store.SupersedeGrant(ctx, prev.ID, now, grant, first); err != nil {
			return nil, err
		}
		ended := prev.Clone()
		ended.State = storage.GrantSuperseded
		ended.EndedAt = now
		ended.UpdatedAt = now
		rec.Superseded = ended
		logger.Infow("authorization superseded", "grant", prev.ID, "next", grant.ID)
	}

	l.metrics.LedgerEvent(ctx, string(storage.EventAuthorization))
	logger.Infow("authorization recorded",
		"grant", grant.ID,
		"user", userID,
		"client", clientRef,
		"scopes", granted,
		"ip", meta.IPAddress,
	)
	return rec, nil
}

// Revoke ends an ACTIVE grant with a REVOCATION event.
func (l *Ledger) Revoke(ctx context.Context, grantID string, meta Metadata) (*Grant, error) {
	unlock := l.locks.lock(grantKey(grantID))
	defer unlock()

	grant, err := l.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if grant.State != storage.GrantActive {
		return nil, fmt.Errorf("%w: grant %s is %s", ErrGrantNotActive, grantID, grant.State)
	}
	if _, err := l.appendLocked(ctx, grant, storage.EventRevocation, nil, meta); err != nil {
		return nil, err
	}

	logger.Infow("authorization revoked",
		"grant", grant.ID,
		"user", grant.UserID,
		"client", grant.ClientRef,
		"ip", meta.IPAddress,
	)
	return grant, nil
}

// RevokeUserClient revokes the ACTIVE grant of userID for clientRef.
func (l *Ledger) RevokeUserClient(ctx context.Context, userID, clientRef string, meta Metadata) (*Grant, error) {
	unlock := l.locks.lock(pairKey(userID, clientRef))
	defer unlock()

	active, err := l.store.GetActiveGrant(ctx, userID, clientRef)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return l.Revoke(ctx, active.ID, meta)
}

// GetGrant loads a grant.
func (l *Ledger) GetGrant(ctx context.Context, grantID string) (*Grant, error) {
	g, err := l.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return g, nil
}

// ActiveGrant returns the ACTIVE grant of userID for clientRef.
func (l *Ledger) ActiveGrant(ctx context.Context, userID, clientRef string) (*Grant, error) {
	g, err := l.store.GetActiveGrant(ctx, userID, clientRef)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return g, nil
}

// ListEvents returns one page of a grant's events in chronological order and
// the cursor of the next page, zero on the last page.
func (l *Ledger) ListEvents(ctx context.Context, grantID string, page Page) ([]*Event, int64, error) {
	if _, err := l.store.GetGrant(ctx, grantID); err != nil {
		return nil, 0, mapStoreErr(err)
	}

	limit := page.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	events, err := l.store.ListEvents(ctx, grantID, page.After, limit+1)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) <= limit {
		return events, 0, nil
	}
	events = events[:limit]
	return events, events[len(events)-1].Seq, nil
}

// ListUserEvents returns the events of every grant of userID, newest first.
// An empty clientRef means every client.
func (l *Ledger) ListUserEvents(ctx context.Context, userID, clientRef string) ([]*Event, error) {
	events, err := l.store.ListEventsByUser(ctx, userID, clientRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ListActiveGrants returns the user's ACTIVE grants, newest first.
func (l *Ledger) ListActiveGrants(ctx context.Context, userID string) ([]*Grant, error) {
	return l.listGrants(ctx, userID, func(g *Grant) bool { return g.State == storage.GrantActive })
}

// ListInactiveGrants returns the user's REVOKED and SUPERSEDED grants, newest first.
func (l *Ledger) ListInactiveGrants(ctx context.Context, userID string) ([]*Grant, error) {
	return l.listGrants(ctx, userID, func(g *Grant) bool { return g.State != storage.GrantActive })
}

// ListActiveGrantsByClient returns every ACTIVE grant of a client.
func (l *Ledger) ListActiveGrantsByClient(ctx context.Context, clientRef string) ([]*Grant, error) {
	grants, err := l.store.ListActiveGrantsByClient(ctx, clientRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

func (l *Ledger) listGrants(ctx context.Context, userID string, keep func(*Grant) bool) ([]*Grant, error) {
	all, err := l.store.ListGrantsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	out := make([]*Grant, 0, len(all))
	for _, g := range all {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out, nil
}
