// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
	"github.com/stacklok/grantkeeper/pkg/authserver/vault"
)

const owner = "owner-1"

type recordingRevoker struct {
	mu      sync.Mutex
	clients []string
	tokens  []string
}

func (r *recordingRevoker) RevokeClient(_ context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, c.ID)
	return nil
}

func (r *recordingRevoker) RevokeClientTokens(_ context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, c.ID)
	return nil
}

type fixture struct {
	reg     *Registry
	store   *storage.MemoryStorage
	vault   *vault.Vault
	revoker *recordingRevoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := scopes.NewRegistry()
	require.NoError(t, err)

	v := vault.New(vault.WithBcryptCost(bcrypt.MinCost))
	rev := &recordingRevoker{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(store, v, catalog, WithRevoker(rev), WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	return &fixture{reg: reg, store: store, vault: v, revoker: rev}
}

// requireSecretInvariant checks CLIENT <=> no secret on the stored record.
func requireSecretInvariant(t *testing.T, f *fixture, id string) *Client {
	t.Helper()
	c, err := f.store.GetClient(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, c.Type == storage.ClientTypeClient, !c.HasSecret(), "type %s with secret=%v", c.Type, c.HasSecret())
	return c
}

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "  Foo  ")
	require.NoError(t, err)
	assert.Equal(t, "Foo", c.Name)
	assert.Equal(t, storage.ClientTypeClient, c.Type)
	assert.Contains(t, c.ClientID, vault.ClientIDPrefix)
	assert.Empty(t, c.RedirectURIs)
	assert.Empty(t, c.Scopes)
	assert.False(t, c.Official)
	requireSecretInvariant(t, f, c.ID)

	_, err = f.reg.Create(ctx, owner, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Fields[0].Field)
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := f.reg.Create(ctx, owner, name)
		require.NoError(t, err)
	}
	_, err := f.reg.Create(ctx, "someone-else", "theirs")
	require.NoError(t, err)

	list, err := f.reg.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].Name)
	assert.Equal(t, "first", list[2].Name)
}

func TestRegistry_Ownership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "Foo")
	require.NoError(t, err)

	_, err = f.reg.Get(ctx, "intruder", c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.reg.Update(ctx, "intruder", c.ID, Configuration{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.reg.RegenerateClientID(ctx, "intruder", c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.reg.Delete(ctx, "intruder", c.ID), ErrForbidden)

	_, err = f.reg.Get(ctx, owner, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.reg.RegenerateClientSecret(ctx, owner, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Update(t *testing.T) {
	t.Parallel()

	t.Run("normalizes and applies", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		c, err := f.reg.Create(ctx, owner, "Foo")
		require.NoError(t, err)

		res, err := f.reg.Update(ctx, owner, c.ID, Configuration{
			Name:         "Foo app",
			RedirectURIs: []string{"http://127.0.0.1:3000/", "http://localhost:3000", "https://foo.test/cb"},
			CORSOrigins:  []string{"https://foo.test/"},
			Scopes:       []string{scopes.Profile, scopes.Profile},
		})
		require.NoError(t, err)
		assert.Empty(t, res.ClientSecret)
		assert.Equal(t, []string{"http://localhost:3000", "https://foo.test/cb"}, res.Client.RedirectURIs)
		assert.Equal(t, []string{"https://foo.test"}, res.Client.CORSOrigins)
		assert.Equal(t, []string{scopes.Profile}, res.Client.Scopes)

		stored, err := f.reg.Get(ctx, owner, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Foo app", stored.Name)
	})

	t.Run("reports every invalid field and applies nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		c, err := f.reg.Create(ctx, owner, "Foo")
		require.NoError(t, err)

		_, err = f.reg.Update(ctx, owner, c.ID, Configuration{
			Name:         "",
			Type:         "ROBOT",
			RedirectURIs: []string{"https://ok.test/cb", "https://*.test"},
			CORSOrigins:  []string{"not a url"},
			Scopes:       []string{"admin"},
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)

		fields := make([]string, 0, len(verr.Fields))
		for _, fe := range verr.Fields {
			fields = append(fields, fe.Field)
		}
		assert.ElementsMatch(t, []string{"name", "type", "redirect_uris", "cors_origins", "scopes"}, fields)

		stored, err := f.reg.Get(ctx, owner, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Foo", stored.Name)
		assert.Empty(t, stored.RedirectURIs)
	})

	t.Run("type change through update issues a secret", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		c, err := f.reg.Create(ctx, owner, "Foo")
		require.NoError(t, err)

		res, err := f.reg.Update(ctx, owner, c.ID, Configuration{Name: "Foo", Type: storage.ClientTypeServer})
		require.NoError(t, err)
		require.NotEmpty(t, res.ClientSecret)
		stored := requireSecretInvariant(t, f, c.ID)
		require.NoError(t, f.vault.VerifySecret(stored.SecretHash, res.ClientSecret))
	})

	t.Run("official flag is not owner modifiable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		c, err := f.reg.Create(ctx, owner, "Foo")
		require.NoError(t, err)
		_, err = f.reg.SetOfficial(ctx, c.ID, true)
		require.NoError(t, err)

		res, err := f.reg.Update(ctx, owner, c.ID, Configuration{Name: "Renamed"})
		require.NoError(t, err)
		assert.True(t, res.Client.Official)
	})
}

func TestRegistry_ChangeType_SecretInvariant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "Foo")
	require.NoError(t, err)

	steps := []struct {
		to         storage.ClientType
		wantSecret bool
	}{
		{to: storage.ClientTypeServer, wantSecret: true},
		{to: storage.ClientTypeService, wantSecret: false},
		{to: storage.ClientTypeClient, wantSecret: false},
		{to: storage.ClientTypeClient, wantSecret: false},
		{to: storage.ClientTypeService, wantSecret: true},
	}

	var lastHash string
	for _, step := range steps {
		res, err := f.reg.ChangeType(ctx, owner, c.ID, step.to)
		require.NoError(t, err)
		assert.Equal(t, step.wantSecret, res.ClientSecret != "", "change to %s", step.to)

		stored := requireSecretInvariant(t, f, c.ID)
		assert.Equal(t, step.to, stored.Type)
		if step.to == storage.ClientTypeService && !step.wantSecret {
			assert.Equal(t, lastHash, stored.SecretHash, "moving between confidential types keeps the secret")
		}
		lastHash = stored.SecretHash
	}

	_, err = f.reg.ChangeType(ctx, owner, c.ID, "ROBOT")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRegistry_RegenerateClientSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "Foo")
	require.NoError(t, err)

	_, err = f.reg.RegenerateClientSecret(ctx, owner, c.ID)
	require.ErrorIs(t, err, ErrInvalidClientType)

	res, err := f.reg.ChangeType(ctx, owner, c.ID, storage.ClientTypeService)
	require.NoError(t, err)

	secret, err := f.reg.RegenerateClientSecret(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.ClientSecret, secret)

	stored := requireSecretInvariant(t, f, c.ID)
	require.NoError(t, f.vault.VerifySecret(stored.SecretHash, secret))
	require.Error(t, f.vault.VerifySecret(stored.SecretHash, res.ClientSecret))
}

func TestRegistry_RegenerateClientID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "Foo")
	require.NoError(t, err)

	newID, err := f.reg.RegenerateClientID(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ClientID, newID)

	_, err = f.reg.GetByClientID(ctx, c.ClientID)
	require.ErrorIs(t, err, ErrNotFound)
	got, err := f.reg.GetByClientID(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, []string{c.ID}, f.revoker.tokens)
}

func TestRegistry_DeleteCascades(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.reg.Create(ctx, owner, "Foo")
	require.NoError(t, err)

	require.NoError(t, f.reg.Delete(ctx, owner, c.ID))
	// Once before the client is removed and once after.
	assert.Equal(t, []string{c.ID, c.ID}, f.revoker.clients)

	_, err = f.reg.Get(ctx, owner, c.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
