// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the withStorage helper which calls t.Parallel() internally,
// making all subtests parallel despite not having explicit t.Parallel() calls.
//
//nolint:paralleltest // parallel execution handled by withStorage helper
package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func withStorage(t *testing.T, fn func(context.Context, *MemoryStorage)) {
	t.Helper()
	t.Parallel()
	storage := NewMemoryStorage()
	defer storage.Close()
	fn(context.Background(), storage)
}

func requireNotFoundError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound, "should match storage.ErrNotFound")
	assert.ErrorIs(t, err, fosite.ErrNotFound, "should match fosite.ErrNotFound")
}

func testClientRecord(id string) *Client {
	return &Client{
		ID:           id,
		ClientID:     "gk_" + id,
		SecretHash:   "$2a$04$hash",
		Name:         "Client " + id,
		Type:         ClientTypeServer,
		RedirectURIs: []string{"https://app.example.com/callback"},
		OwnerID:      "owner-1",
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func testCode(sig string) *AuthorizationCode {
	return &AuthorizationCode{
		Signature:   sig,
		ClientID:    "gk_c1",
		ClientRef:   "c1",
		UserID:      "user-1",
		GrantID:     "grant-1",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"profile"},
		IssuedAt:    testNow,
		ExpiresAt:   testNow.Add(5 * time.Minute),
	}
}

func testIssue(familyID, clientRef, grantID string) *IssuedTokens {
	base := TokenRecord{
		FamilyID:  familyID,
		ClientID:  "gk_" + clientRef,
		ClientRef: clientRef,
		UserID:    "user-1",
		GrantID:   grantID,
		Scopes:    []string{"profile"},
		IssuedAt:  testNow,
	}
	access := base
	access.Kind = TokenAccess
	access.Signature = familyID + "-access"
	access.TokenID = familyID + "-jti"
	access.ExpiresAt = testNow.Add(30 * time.Minute)
	refresh := base
	refresh.Kind = TokenRefresh
	refresh.Signature = familyID + "-refresh"
	refresh.ExpiresAt = testNow.Add(30 * 24 * time.Hour)

	return &IssuedTokens{
		Family: &Family{
			ID:        familyID,
			ClientID:  base.ClientID,
			ClientRef: clientRef,
			UserID:    base.UserID,
			GrantID:   grantID,
			CreatedAt: testNow,
			ExpiresAt: refresh.ExpiresAt,
		},
		Access:  &access,
		Refresh: &refresh,
	}
}

// rotation returns successor tokens for an existing family.
func rotation(familyID, suffix string) *IssuedTokens {
	issue := testIssue(familyID, "c1", "grant-1")
	issue.Family = nil
	issue.Access.Signature += suffix
	issue.Refresh.Signature += suffix
	return issue
}

func testGrant(id, userID, clientRef string) (*Grant, *Event) {
	g := &Grant{
		ID:        id,
		UserID:    userID,
		ClientRef: clientRef,
		Scopes:    []string{"profile"},
		State:     GrantActive,
		GrantedAt: testNow,
		UpdatedAt: testNow,
	}
	e := &Event{
		ID:        id + "-1",
		GrantID:   id,
		Seq:       1,
		Type:      EventAuthorization,
		Timestamp: testNow,
		Scopes:    []string{"profile"},
	}
	return g, e
}

// --- Basic Tests ---

func TestNewMemoryStorage(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	defer storage.Close()

	require.NotNil(t, storage)
	assert.NotNil(t, storage.clients)
	assert.NotNil(t, storage.grants)
	assert.NotNil(t, storage.codes)
	assert.NotNil(t, storage.tokens)
	assert.NotNil(t, storage.families)
	assert.NotNil(t, storage.consents)
	assert.Equal(t, DefaultCleanupInterval, storage.cleanupInterval)
	assert.Equal(t, DefaultInvalidatedCodeTTL, storage.invalidatedCodeTTL)
}

func TestNewMemoryStorage_Options(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage(WithCleanupInterval(time.Minute), WithInvalidatedCodeTTL(time.Hour))
	defer storage.Close()
	assert.Equal(t, time.Minute, storage.cleanupInterval)
	assert.Equal(t, time.Hour, storage.invalidatedCodeTTL)
}

func TestMemoryStorage_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Health(context.Background()))
}

// --- Client Tests ---

func TestMemoryStorage_Clients(t *testing.T) {
	t.Run("create and get", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			c := testClientRecord("c1")
			require.NoError(t, s.CreateClient(ctx, c))
			assert.Equal(t, int64(1), c.Version)

			got, err := s.GetClient(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, c, got)

			got, err = s.GetClientByClientID(ctx, "gk_c1")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ID)
		})
	})

	t.Run("returned copies are isolated", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateClient(ctx, testClientRecord("c1")))
			got, err := s.GetClient(ctx, "c1")
			require.NoError(t, err)
			got.RedirectURIs[0] = "https://evil.example.com"

			again, err := s.GetClient(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "https://app.example.com/callback", again.RedirectURIs[0])
		})
	})

	t.Run("duplicate ids", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateClient(ctx, testClientRecord("c1")))
			assert.ErrorIs(t, s.CreateClient(ctx, testClientRecord("c1")), ErrAlreadyExists)

			other := testClientRecord("c2")
			other.ClientID = "gk_c1"
			assert.ErrorIs(t, s.CreateClient(ctx, other), ErrAlreadyExists)
		})
	})

	t.Run("not found", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			_, err := s.GetClient(ctx, "missing")
			requireNotFoundError(t, err)
			_, err = s.GetClientByClientID(ctx, "missing")
			requireNotFoundError(t, err)
			requireNotFoundError(t, s.DeleteClient(ctx, "missing"))
		})
	})

	t.Run("update checks version and reindexes client id", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateClient(ctx, testClientRecord("c1")))

			c, err := s.GetClient(ctx, "c1")
			require.NoError(t, err)
			stale := c.Clone()

			c.ClientID = "gk_rotated"
			require.NoError(t, s.UpdateClient(ctx, c))
			assert.Equal(t, int64(2), c.Version)

			stale.Name = "stale write"
			assert.ErrorIs(t, s.UpdateClient(ctx, stale), ErrConflict)

			_, err = s.GetClientByClientID(ctx, "gk_c1")
			requireNotFoundError(t, err)
			got, err := s.GetClientByClientID(ctx, "gk_rotated")
			require.NoError(t, err)
			assert.Equal(t, "Client c1", got.Name)
		})
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			for i := range 3 {
				c := testClientRecord(fmt.Sprintf("c%d", i))
				c.CreatedAt = testNow.Add(time.Duration(i) * time.Hour)
				require.NoError(t, s.CreateClient(ctx, c))
			}
			foreign := testClientRecord("foreign")
			foreign.OwnerID = "owner-2"
			require.NoError(t, s.CreateClient(ctx, foreign))

			list, err := s.ListClientsByOwner(ctx, "owner-1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "c2", list[0].ID)
			assert.Equal(t, "c0", list[2].ID)
		})
	})

	t.Run("list by origin only returns CLIENT type", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			spa := testClientRecord("spa")
			spa.Type = ClientTypeClient
			spa.SecretHash = ""
			spa.CORSOrigins = []string{"https://spa.example.com"}
			require.NoError(t, s.CreateClient(ctx, spa))

			server := testClientRecord("server")
			server.CORSOrigins = []string{"https://spa.example.com"}
			require.NoError(t, s.CreateClient(ctx, server))

			list, err := s.ListClientsByOrigin(ctx, "https://spa.example.com")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "spa", list[0].ID)
		})
	})

	t.Run("delete", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateClient(ctx, testClientRecord("c1")))
			require.NoError(t, s.DeleteClient(ctx, "c1"))
			_, err := s.GetClientByClientID(ctx, "gk_c1")
			requireNotFoundError(t, err)
			assert.Equal(t, 0, s.Stats().Clients)
		})
	})
}

// --- Ledger Tests ---

func TestMemoryStorage_Ledger(t *testing.T) {
	t.Run("one active grant per user and client", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g, e := testGrant("g1", "u1", "c1")
			require.NoError(t, s.CreateGrant(ctx, g, e))

			g2, e2 := testGrant("g2", "u1", "c1")
			assert.ErrorIs(t, s.CreateGrant(ctx, g2, e2), ErrAlreadyExists)

			g3, e3 := testGrant("g3", "u1", "c2")
			require.NoError(t, s.CreateGrant(ctx, g3, e3))

			active, err := s.GetActiveGrant(ctx, "u1", "c1")
			require.NoError(t, err)
			assert.Equal(t, "g1", active.ID)
		})
	})

	t.Run("first event must have seq 1", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g, e := testGrant("g1", "u1", "c1")
			e.Seq = 2
			assert.ErrorIs(t, s.CreateGrant(ctx, g, e), ErrConflict)
		})
	})

	t.Run("append enforces contiguous seq", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g, e := testGrant("g1", "u1", "c1")
			require.NoError(t, s.CreateGrant(ctx, g, e))

			g.Scopes = []string{"profile", "api_access"}
			next := &Event{ID: "g1-2", GrantID: "g1", Seq: 2, Type: EventScopeAddition, Timestamp: testNow, Scopes: g.Scopes}
			require.NoError(t, s.AppendEvent(ctx, g, next))
			assert.ErrorIs(t, s.AppendEvent(ctx, g, next), ErrConflict)

			stored, err := s.GetGrant(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, []string{"profile", "api_access"}, stored.Scopes)

			last, err := s.LastEvent(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), last.Seq)
		})
	})

	t.Run("supersede swaps the active grant", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g, e := testGrant("g1", "u1", "c1")
			require.NoError(t, s.CreateGrant(ctx, g, e))

			next, first := testGrant("g2", "u1", "c1")
			require.NoError(t, s.SupersedeGrant(ctx, "g1", testNow.Add(time.Hour), next, first))

			old, err := s.GetGrant(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, GrantSuperseded, old.State)
			assert.Equal(t, testNow.Add(time.Hour), old.EndedAt)

			active, err := s.GetActiveGrant(ctx, "u1", "c1")
			require.NoError(t, err)
			assert.Equal(t, "g2", active.ID)

			again, againFirst := testGrant("g3", "u1", "c1")
			assert.ErrorIs(t, s.SupersedeGrant(ctx, "g1", testNow, again, againFirst), ErrConflict)
		})
	})

	t.Run("list events pages by seq", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g, e := testGrant("g1", "u1", "c1")
			require.NoError(t, s.CreateGrant(ctx, g, e))
			for seq := int64(2); seq <= 5; seq++ {
				ev := &Event{ID: fmt.Sprintf("g1-%d", seq), GrantID: "g1", Seq: seq, Type: EventScopeAddition, Timestamp: testNow}
				require.NoError(t, s.AppendEvent(ctx, g, ev))
			}

			page, err := s.ListEvents(ctx, "g1", 0, 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, int64(1), page[0].Seq)

			page, err = s.ListEvents(ctx, "g1", 2, 0)
			require.NoError(t, err)
			require.Len(t, page, 3)
			assert.Equal(t, int64(3), page[0].Seq)
		})
	})

	t.Run("user events newest first", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			g1, e1 := testGrant("g1", "u1", "c1")
			require.NoError(t, s.CreateGrant(ctx, g1, e1))
			g2, e2 := testGrant("g2", "u1", "c2")
			e2.Timestamp = testNow.Add(time.Minute)
			require.NoError(t, s.CreateGrant(ctx, g2, e2))

			evs, err := s.ListEventsByUser(ctx, "u1", "")
			require.NoError(t, err)
			require.Len(t, evs, 2)
			assert.Equal(t, "g2", evs[0].GrantID)

			evs, err = s.ListEventsByUser(ctx, "u1", "c1")
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Equal(t, "g1", evs[0].GrantID)
		})
	})
}

// --- Code and Token Tests ---

func TestMemoryStorage_RedeemAuthorizationCode(t *testing.T) {
	t.Run("single use", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("code-1")))

			code, err := s.RedeemAuthorizationCode(ctx, "code-1", testNow.Add(time.Minute), testIssue("f1", "c1", "grant-1"))
			require.NoError(t, err)
			assert.Equal(t, "f1", code.FamilyID)

			code, err = s.RedeemAuthorizationCode(ctx, "code-1", testNow.Add(2*time.Minute), testIssue("f2", "c1", "grant-1"))
			assert.ErrorIs(t, err, ErrCodeConsumed)
			require.NotNil(t, code)
			assert.Equal(t, "f1", code.FamilyID)
			assert.Equal(t, CodeConsumed, code.State(testNow))

			_, err = s.GetFamily(ctx, "f2")
			requireNotFoundError(t, err)
		})
	})

	t.Run("expired", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("code-1")))
			_, err := s.RedeemAuthorizationCode(ctx, "code-1", testNow.Add(5*time.Minute), testIssue("f1", "c1", "grant-1"))
			assert.ErrorIs(t, err, ErrExpired)
		})
	})

	t.Run("unknown", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			_, err := s.RedeemAuthorizationCode(ctx, "nope", testNow, testIssue("f1", "c1", "grant-1"))
			requireNotFoundError(t, err)
		})
	})

	t.Run("concurrent redemption has exactly one winner", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("code-1")))

			const workers = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.RedeemAuthorizationCode(ctx, "code-1", testNow, testIssue(fmt.Sprintf("f%d", i), "c1", "grant-1"))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
			assert.Equal(t, 1, s.Stats().Families)
		})
	})
}

func TestMemoryStorage_RotateRefreshToken(t *testing.T) {
	t.Run("rotation keeps the family and flags reuse", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateTokens(ctx, testIssue("f1", "c1", "grant-1")))

			old, err := s.RotateRefreshToken(ctx, "f1-refresh", testNow.Add(time.Minute), rotation("f1", "-2"))
			require.NoError(t, err)
			assert.Equal(t, testNow.Add(time.Minute), old.RotatedAt)

			next, err := s.GetToken(ctx, "f1-refresh-2")
			require.NoError(t, err)
			assert.Equal(t, "f1", next.FamilyID)

			_, err = s.RotateRefreshToken(ctx, "f1-refresh", testNow.Add(2*time.Minute), rotation("f1", "-3"))
			assert.ErrorIs(t, err, ErrTokenRotated)
			assert.Equal(t, 4, s.Stats().Tokens)
		})
	})

	t.Run("access tokens cannot be rotated", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateTokens(ctx, testIssue("f1", "c1", "grant-1")))
			_, err := s.RotateRefreshToken(ctx, "f1-access", testNow, rotation("f1", "-2"))
			requireNotFoundError(t, err)
		})
	})

	t.Run("expired refresh token", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateTokens(ctx, testIssue("f1", "c1", "grant-1")))
			_, err := s.RotateRefreshToken(ctx, "f1-refresh", testNow.Add(31*24*time.Hour), rotation("f1", "-2"))
			assert.ErrorIs(t, err, ErrExpired)
		})
	})

	t.Run("revoked family", func(t *testing.T) {
		withStorage(t, func(ctx context.Context, s *MemoryStorage) {
			require.NoError(t, s.CreateTokens(ctx, testIssue("f1", "c1", "grant-1")))
			require.NoError(t, s.RevokeFamily(ctx, "f1"))
			_, err := s.RotateRefreshToken(ctx, "f1-refresh", testNow, rotation("f1", "-2"))
			requireNotFoundError(t, err)
		})
	})
}

func TestMemoryStorage_RevokeFamilies(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateTokens(ctx, testIssue("f1", "c1", "grant-1")))
		require.NoError(t, s.CreateTokens(ctx, testIssue("f2", "c1", "grant-2")))
		require.NoError(t, s.CreateTokens(ctx, testIssue("f3", "c2", "grant-3")))
		assert.ErrorIs(t, s.CreateTokens(ctx, testIssue("f3", "c2", "grant-3")), ErrAlreadyExists)

		n, err := s.RevokeFamiliesByGrant(ctx, "grant-2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.RevokeFamiliesByClient(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.GetToken(ctx, "f1-access")
		requireNotFoundError(t, err)
		_, err = s.GetToken(ctx, "f3-access")
		require.NoError(t, err)

		n, err = s.RevokeFamiliesByGrant(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, s.RevokeFamily(ctx, "unknown"))
	})
}

func TestMemoryStorage_PendingConsent(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		pending := &PendingConsent{
			ID:        "consent-1",
			ClientID:  "gk_c1",
			ClientRef: "c1",
			UserID:    "u1",
			Scopes:    []string{"profile"},
			CreatedAt: testNow,
			ExpiresAt: testNow.Add(DefaultPendingConsentTTL),
		}
		require.NoError(t, s.StorePendingConsent(ctx, pending))

		got, err := s.GetPendingConsent(ctx, "consent-1")
		require.NoError(t, err)
		assert.Equal(t, pending, got)

		// Returned values are copies of the stored record.
		got.Scopes[0] = "mutated"
		again, err := s.GetPendingConsent(ctx, "consent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"profile"}, again.Scopes)
		pending.Scopes[0] = "mutated"

		taken, err := s.TakePendingConsent(ctx, "consent-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", taken.UserID)
		assert.Equal(t, []string{"profile"}, taken.Scopes)
		assert.NotSame(t, again, taken)

		_, err = s.TakePendingConsent(ctx, "consent-1")
		requireNotFoundError(t, err)
	})
}

// --- Cleanup Tests ---

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	withStorage(t, func(ctx context.Context, s *MemoryStorage) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("stale")))
		require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("consumed")))
		_, err := s.RedeemAuthorizationCode(ctx, "consumed", testNow, testIssue("f1", "c1", "grant-1"))
		require.NoError(t, err)

		// Past the code TTL but inside the retention window for consumed codes.
		s.cleanupExpired(testNow.Add(10 * time.Minute))
		_, err = s.GetAuthorizationCode(ctx, "stale")
		requireNotFoundError(t, err)
		_, err = s.GetAuthorizationCode(ctx, "consumed")
		require.NoError(t, err)

		// Access token expired, refresh token keeps the family alive.
		s.cleanupExpired(testNow.Add(time.Hour))
		_, err = s.GetToken(ctx, "f1-access")
		requireNotFoundError(t, err)
		_, err = s.GetToken(ctx, "f1-refresh")
		require.NoError(t, err)
		_, err = s.GetAuthorizationCode(ctx, "consumed")
		requireNotFoundError(t, err)

		s.cleanupExpired(testNow.Add(31 * 24 * time.Hour))
		stats := s.Stats()
		assert.Zero(t, stats.Tokens)
		assert.Zero(t, stats.Families)
	})
}
