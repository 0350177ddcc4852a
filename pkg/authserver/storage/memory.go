// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/grantkeeper/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// memFamily is a token family plus the signatures of its tokens.
type memFamily struct {
	family    *Family
	tokens    map[string]struct{}
	expiresAt time.Time
}

// MemoryStorage implements Storage with in-memory maps guarded by a single
// RWMutex. Every multi-record operation (code redemption, refresh rotation,
// grant supersede) runs under the write lock and is therefore atomic.
//
// Clients and the ledger never expire; codes, tokens, families and pending
// consents are dropped by a background cleanup loop after they expire.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps internal ID -> Client; clientIDs maps public client ID -> internal ID.
	clients   map[string]*Client
	clientIDs map[string]string

	// grants maps grant ID -> Grant; events maps grant ID -> events in Seq order.
	grants map[string]*Grant
	events map[string][]*Event

	// codes maps code signature -> code. Consumed codes are kept for
	// invalidatedCodeTTL so replays can be detected.
	codes map[string]*timedEntry[*AuthorizationCode]

	// tokens maps token signature -> record, for both access and refresh tokens.
	tokens map[string]*timedEntry[*TokenRecord]

	families map[string]*memFamily

	consents map[string]*timedEntry[*PendingConsent]

	cleanupInterval    time.Duration
	invalidatedCodeTTL time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithInvalidatedCodeTTL sets how long consumed codes are retained.
func WithInvalidatedCodeTTL(ttl time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.invalidatedCodeTTL = ttl
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:            make(map[string]*Client),
		clientIDs:          make(map[string]string),
		grants:             make(map[string]*Grant),
		events:             make(map[string][]*Event),
		codes:              make(map[string]*timedEntry[*AuthorizationCode]),
		tokens:             make(map[string]*timedEntry[*TokenRecord]),
		families:           make(map[string]*memFamily),
		consents:           make(map[string]*timedEntry[*PendingConsent]),
		cleanupInterval:    DefaultCleanupInterval,
		invalidatedCodeTTL: DefaultInvalidatedCodeTTL,
		stopCleanup:        make(chan struct{}),
		cleanupDone:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired removes entries that expired before now. Expired keys are
// collected under the read lock and deleted under the write lock.
func (s *MemoryStorage) cleanupExpired(now time.Time) {
	s.mu.RLock()
	expiredCodes := expiredKeys(s.codes, now)
	expiredTokens := expiredKeys(s.tokens, now)
	expiredConsents := expiredKeys(s.consents, now)
	var expiredFamilies []string
	for id, f := range s.families {
		if now.After(f.expiresAt) {
			expiredFamilies = append(expiredFamilies, id)
		}
	}
	s.mu.RUnlock()

	if len(expiredCodes)+len(expiredTokens)+len(expiredConsents)+len(expiredFamilies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock: entries may have been extended meanwhile.
	for _, k := range expiredCodes {
		if e, ok := s.codes[k]; ok && now.After(e.expiresAt) {
			delete(s.codes, k)
		}
	}
	for _, k := range expiredTokens {
		if e, ok := s.tokens[k]; ok && now.After(e.expiresAt) {
			s.dropTokenLocked(k)
		}
	}
	for _, k := range expiredConsents {
		if e, ok := s.consents[k]; ok && now.After(e.expiresAt) {
			delete(s.consents, k)
		}
	}
	for _, id := range expiredFamilies {
		if f, ok := s.families[id]; ok && now.After(f.expiresAt) {
			s.revokeFamilyLocked(id)
		}
	}

	logger.Debugw("memory storage cleanup",
		"codes", len(expiredCodes),
		"tokens", len(expiredTokens),
		"consents", len(expiredConsents),
		"families", len(expiredFamilies),
	)
}

func expiredKeys[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var out []string
	for k, v := range m {
		if now.After(v.expiresAt) {
			out = append(out, k)
		}
	}
	return out
}

func notFound(what string) error {
	return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint(what+" not found"))
}

// -----------------------
// ClientStore
// -----------------------

// CreateClient stores a new client and sets its Version to 1.
func (s *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; ok {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	if _, ok := s.clientIDs[client.ClientID]; ok {
		return fmt.Errorf("%w: client_id %s", ErrAlreadyExists, client.ClientID)
	}

	client.Version = 1
	s.clients[client.ID] = client.Clone()
	s.clientIDs[client.ClientID] = client.ID
	return nil
}

// GetClient loads a client by internal ID.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, notFound("Client")
	}
	return c.Clone(), nil
}

// GetClientByClientID loads a client by public client ID.
func (s *MemoryStorage) GetClientByClientID(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.clientIDs[clientID]
	if !ok {
		return nil, notFound("Client")
	}
	return s.clients[id].Clone(), nil
}

// ListClientsByOwner returns the owner's clients, newest first.
func (s *MemoryStorage) ListClientsByOwner(_ context.Context, ownerID string) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Client
	for _, c := range s.clients {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListClientsByOrigin returns CLIENT type clients allowing origin.
func (s *MemoryStorage) ListClientsByOrigin(_ context.Context, origin string) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Client
	for _, c := range s.clients {
		if c.AllowsOrigin(origin) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// UpdateClient replaces a client if its Version matches.
func (s *MemoryStorage) UpdateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.clients[client.ID]
	if !ok {
		return notFound("Client")
	}
	if stored.Version != client.Version {
		return fmt.Errorf("%w: client %s is at version %d, not %d", ErrConflict, client.ID, stored.Version, client.Version)
	}
	if client.ClientID != stored.ClientID {
		if _, taken := s.clientIDs[client.ClientID]; taken {
			return fmt.Errorf("%w: client_id %s", ErrAlreadyExists, client.ClientID)
		}
		delete(s.clientIDs, stored.ClientID)
		s.clientIDs[client.ClientID] = client.ID
	}

	client.Version++
	s.clients[client.ID] = client.Clone()
	return nil
}

// DeleteClient removes a client.
func (s *MemoryStorage) DeleteClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return notFound("Client")
	}
	delete(s.clientIDs, c.ClientID)
	delete(s.clients, id)
	return nil
}

// -----------------------
// LedgerStore
// -----------------------

func (s *MemoryStorage) activeGrantLocked(userID, clientRef string) *Grant {
	for _, g := range s.grants {
		if g.UserID == userID && g.ClientRef == clientRef && g.State == GrantActive {
			return g
		}
	}
	return nil
}

func (s *MemoryStorage) insertGrantLocked(grant *Grant, first *Event) error {
	if _, ok := s.grants[grant.ID]; ok {
		return fmt.Errorf("%w: grant %s", ErrAlreadyExists, grant.ID)
	}
	if s.activeGrantLocked(grant.UserID, grant.ClientRef) != nil {
		return fmt.Errorf("%w: active grant for user and client", ErrAlreadyExists)
	}
	if first.Seq != 1 || first.GrantID != grant.ID {
		return fmt.Errorf("%w: first event must have seq 1 for grant %s", ErrConflict, grant.ID)
	}
	s.grants[grant.ID] = grant.Clone()
	s.events[grant.ID] = []*Event{first.Clone()}
	return nil
}

// CreateGrant stores a new grant and its first event.
func (s *MemoryStorage) CreateGrant(_ context.Context, grant *Grant, first *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertGrantLocked(grant, first)
}

// SupersedeGrant ends oldID and creates next in one step.
func (s *MemoryStorage) SupersedeGrant(_ context.Context, oldID string, endedAt time.Time, next *Grant, first *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.grants[oldID]
	if !ok {
		return notFound("Grant")
	}
	if old.State != GrantActive {
		return fmt.Errorf("%w: grant %s is %s", ErrConflict, oldID, old.State)
	}

	prev := old.Clone()
	old.State = GrantSuperseded
	old.EndedAt = endedAt
	old.UpdatedAt = endedAt
	if err := s.insertGrantLocked(next, first); err != nil {
		s.grants[oldID] = prev
		return err
	}
	return nil
}

// AppendEvent stores event and the updated grant.
func (s *MemoryStorage) AppendEvent(_ context.Context, grant *Grant, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grant.ID]; !ok {
		return notFound("Grant")
	}
	evs := s.events[grant.ID]
	var last int64
	if len(evs) > 0 {
		last = evs[len(evs)-1].Seq
	}
	if event.Seq != last+1 {
		return fmt.Errorf("%w: event seq %d does not follow %d", ErrConflict, event.Seq, last)
	}

	s.events[grant.ID] = append(evs, event.Clone())
	s.grants[grant.ID] = grant.Clone()
	return nil
}

// GetGrant loads a grant.
func (s *MemoryStorage) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, notFound("Grant")
	}
	return g.Clone(), nil
}

// GetActiveGrant loads the active grant of a user for a client.
func (s *MemoryStorage) GetActiveGrant(_ context.Context, userID, clientRef string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.activeGrantLocked(userID, clientRef)
	if g == nil {
		return nil, notFound("Grant")
	}
	return g.Clone(), nil
}

// ListGrantsByUser returns the user's grants, newest first.
func (s *MemoryStorage) ListGrantsByUser(_ context.Context, userID string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Grant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})
	return out, nil
}

// ListActiveGrantsByClient returns a client's active grants.
func (s *MemoryStorage) ListActiveGrantsByClient(_ context.Context, clientRef string) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Grant
	for _, g := range s.grants {
		if g.ClientRef == clientRef && g.State == GrantActive {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

// LastEvent returns the latest event of a grant.
func (s *MemoryStorage) LastEvent(_ context.Context, grantID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[grantID]
	if len(evs) == 0 {
		return nil, notFound("Event")
	}
	return evs[len(evs)-1].Clone(), nil
}

// ListEvents returns a page of a grant's events in Seq order.
func (s *MemoryStorage) ListEvents(_ context.Context, grantID string, afterSeq int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[grantID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListEventsByUser returns events of the user's grants, newest first.
func (s *MemoryStorage) ListEventsByUser(_ context.Context, userID, clientRef string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for id, g := range s.grants {
		if g.UserID != userID || (clientRef != "" && g.ClientRef != clientRef) {
			continue
		}
		for _, e := range s.events[id] {
			out = append(out, e.Clone())
		}
	}
	sortEventsNewestFirst(out)
	return out, nil
}

func sortEventsNewestFirst(evs []*Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.After(evs[j].Timestamp)
		}
		if evs[i].GrantID == evs[j].GrantID {
			return evs[i].Seq > evs[j].Seq
		}
		return evs[i].GrantID > evs[j].GrantID
	})
}

// -----------------------
// TokenStore
// -----------------------

// CreateAuthorizationCode stores a new code.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code.Signature]; ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.codes[code.Signature] = &timedEntry[*AuthorizationCode]{
		value:     code.Clone(),
		createdAt: time.Now(),
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// GetAuthorizationCode loads a code by signature.
func (s *MemoryStorage) GetAuthorizationCode(_ context.Context, signature string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.codes[signature]
	if !ok {
		return nil, notFound("Authorization code")
	}
	return e.value.Clone(), nil
}

// RedeemAuthorizationCode consumes a code and stores the issued tokens.
func (s *MemoryStorage) RedeemAuthorizationCode(
	_ context.Context, signature string, now time.Time, issue *IssuedTokens,
) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[signature]
	if !ok {
		return nil, notFound("Authorization code")
	}
	code := e.value
	if !code.ConsumedAt.IsZero() {
		return code.Clone(), ErrCodeConsumed
	}
	if !now.Before(code.ExpiresAt) {
		return code.Clone(), ErrExpired
	}

	code.ConsumedAt = now
	code.FamilyID = issue.Family.ID
	if retain := now.Add(s.invalidatedCodeTTL); retain.After(e.expiresAt) {
		e.expiresAt = retain
	}
	s.putIssuedLocked(issue)
	return code.Clone(), nil
}

// putIssuedLocked stores the family and tokens of an issuance. A nil Family
// means the tokens join the family named by their FamilyID.
func (s *MemoryStorage) putIssuedLocked(issue *IssuedTokens) {
	var fam *memFamily
	if issue.Family != nil {
		fam = &memFamily{
			family:    cloneFamily(issue.Family),
			tokens:    make(map[string]struct{}),
			expiresAt: issue.Family.ExpiresAt,
		}
		s.families[issue.Family.ID] = fam
	} else {
		fam = s.families[issue.Access.FamilyID]
	}

	for _, rec := range issue.records() {
		s.tokens[rec.Signature] = &timedEntry[*TokenRecord]{
			value:     rec.Clone(),
			createdAt: rec.IssuedAt,
			expiresAt: rec.ExpiresAt,
		}
		fam.tokens[rec.Signature] = struct{}{}
		if rec.ExpiresAt.After(fam.expiresAt) {
			fam.expiresAt = rec.ExpiresAt
			fam.family.ExpiresAt = rec.ExpiresAt
		}
	}
}

func cloneFamily(f *Family) *Family {
	out := *f
	return &out
}

// CreateTokens stores a new family and its tokens.
func (s *MemoryStorage) CreateTokens(_ context.Context, issue *IssuedTokens) error {
	if issue.Family == nil {
		return fosite.ErrInvalidRequest.WithHint("token family cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.families[issue.Family.ID]; ok {
		return fmt.Errorf("%w: token family %s", ErrAlreadyExists, issue.Family.ID)
	}
	s.putIssuedLocked(issue)
	return nil
}

// GetToken loads a token record.
func (s *MemoryStorage) GetToken(_ context.Context, signature string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tokens[signature]
	if !ok {
		return nil, notFound("Token")
	}
	return e.value.Clone(), nil
}

// GetFamily loads a token family.
func (s *MemoryStorage) GetFamily(_ context.Context, id string) (*Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.families[id]
	if !ok {
		return nil, notFound("Token family")
	}
	return cloneFamily(f.family), nil
}

// RotateRefreshToken marks a refresh token rotated and stores its successors.
func (s *MemoryStorage) RotateRefreshToken(
	_ context.Context, signature string, now time.Time, issue *IssuedTokens,
) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[signature]
	if !ok || e.value.Kind != TokenRefresh {
		return nil, notFound("Refresh token")
	}
	rec := e.value
	if !rec.RotatedAt.IsZero() {
		return rec.Clone(), ErrTokenRotated
	}
	if rec.Expired(now) {
		return rec.Clone(), ErrExpired
	}
	if _, ok := s.families[rec.FamilyID]; !ok {
		return nil, notFound("Token family")
	}

	rec.RotatedAt = now
	s.putIssuedLocked(&IssuedTokens{Access: issue.Access, Refresh: issue.Refresh})
	return rec.Clone(), nil
}

func (s *MemoryStorage) dropTokenLocked(signature string) {
	e, ok := s.tokens[signature]
	if !ok {
		return
	}
	if f, ok := s.families[e.value.FamilyID]; ok {
		delete(f.tokens, signature)
	}
	delete(s.tokens, signature)
}

func (s *MemoryStorage) revokeFamilyLocked(id string) bool {
	f, ok := s.families[id]
	if !ok {
		return false
	}
	for sig := range f.tokens {
		delete(s.tokens, sig)
	}
	delete(s.families, id)
	return true
}

// RevokeFamily deletes a family and its tokens. Revoking an unknown family is not an error.
func (s *MemoryStorage) RevokeFamily(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeFamilyLocked(familyID)
	return nil
}

func (s *MemoryStorage) revokeFamiliesWhere(match func(*Family) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, f := range s.families {
		if match(f.family) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.revokeFamilyLocked(id)
	}
	return len(ids)
}

// RevokeFamiliesByClient revokes every family of a client.
func (s *MemoryStorage) RevokeFamiliesByClient(_ context.Context, clientRef string) (int, error) {
	return s.revokeFamiliesWhere(func(f *Family) bool { return f.ClientRef == clientRef }), nil
}

// RevokeFamiliesByGrant revokes every family of a grant.
func (s *MemoryStorage) RevokeFamiliesByGrant(_ context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, nil
	}
	return s.revokeFamiliesWhere(func(f *Family) bool { return f.GrantID == grantID }), nil
}

// StorePendingConsent stores a consent request.
func (s *MemoryStorage) StorePendingConsent(_ context.Context, pending *PendingConsent) error {
	if pending.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("consent id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[pending.ID] = &timedEntry[*PendingConsent]{
		value:     pending.Clone(),
		createdAt: pending.CreatedAt,
		expiresAt: pending.ExpiresAt,
	}
	return nil
}

// GetPendingConsent loads a consent request.
func (s *MemoryStorage) GetPendingConsent(_ context.Context, id string) (*PendingConsent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.consents[id]
	if !ok {
		return nil, notFound("Consent request")
	}
	return e.value.Clone(), nil
}

// TakePendingConsent loads and deletes a consent request.
func (s *MemoryStorage) TakePendingConsent(_ context.Context, id string) (*PendingConsent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.consents[id]
	if !ok {
		return nil, notFound("Consent request")
	}
	delete(s.consents, id)
	return e.value.Clone(), nil
}

// Stats reports entry counts, for tests and debugging.
type Stats struct {
	Clients  int
	Grants   int
	Events   int
	Codes    int
	Tokens   int
	Families int
	Consents int
}

// Stats returns current entry counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events int
	for _, evs := range s.events {
		events += len(evs)
	}
	return Stats{
		Clients:  len(s.clients),
		Grants:   len(s.grants),
		Events:   events,
		Codes:    len(s.codes),
		Tokens:   len(s.tokens),
		Families: len(s.families),
		Consents: len(s.consents),
	}
}

var _ Storage = (*MemoryStorage)(nil)
