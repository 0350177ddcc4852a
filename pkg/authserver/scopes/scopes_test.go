// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		r, err := NewRegistry()
		require.NoError(t, err)

		list := r.List()
		require.Len(t, list, 2)
		assert.Equal(t, APIAccess, list[0].Name)
		assert.Equal(t, Profile, list[1].Name)
		assert.True(t, list[0].AlwaysGranted)
	})

	t.Run("extra scopes and override", func(t *testing.T) {
		t.Parallel()
		r, err := NewRegistry(
			ScopeInfo{Name: "admin", Description: "Administer the server"},
			ScopeInfo{Name: Profile, Description: "Read your profile", AlwaysGranted: true},
		)
		require.NoError(t, err)

		list := r.List()
		require.Len(t, list, 3)
		assert.Equal(t, "admin", list[0].Name)
		assert.Equal(t, "Read your profile", r.Describe([]string{Profile})[0].Description)
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Parallel()
		_, err := NewRegistry(ScopeInfo{Name: "has space"})
		require.Error(t, err)

		_, err = NewRegistry(ScopeInfo{Name: ""})
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Validate([]string{Profile, APIAccess}))
	require.NoError(t, r.Validate(nil))

	err = r.Validate([]string{Profile, "admin"})
	require.ErrorIs(t, err, ErrUnknownScope)
	assert.Contains(t, err.Error(), "admin")
}

func TestFilterGranted(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(ScopeInfo{Name: "admin", Description: "Administer"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested []string
		extra     []string
		want      []string
	}{
		{"always granted pass", []string{Profile, APIAccess}, nil, []string{Profile, APIAccess}},
		{"restricted dropped", []string{Profile, "admin"}, nil, []string{Profile}},
		{"restricted kept with permission", []string{"admin"}, []string{"admin"}, []string{"admin"}},
		{"unknown dropped", []string{"nope"}, []string{"nope"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.FilterGranted(tt.requested, tt.extra))
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"profile", "api_access"}, []string(Parse("  profile api_access profile ")))
	assert.Empty(t, Parse(""))
	assert.Equal(t, "profile api_access", Join([]string{"profile", "api_access"}))
}

func TestSetHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b", "c"}, Union([]string{"c", "a"}, []string{"b", "a"}))
	assert.True(t, Covers([]string{"a", "b"}, []string{"b"}))
	assert.True(t, Covers([]string{"a"}, nil))
	assert.False(t, Covers([]string{"a"}, []string{"a", "b"}))
}
