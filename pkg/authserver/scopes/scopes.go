// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scopes holds the catalog of grantable OAuth2 scopes.
//
// The catalog is read-only once built. Grant-type specific restrictions (for
// example SERVICE clients being limited to ServiceScope) are enforced by the
// grants package, not here.
package scopes

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ory/fosite"
)

const (
	// Profile grants read access to the user's name.
	Profile = "profile"

	// APIAccess grants API calls on the user's behalf. It is also the only
	// scope a SERVICE client may obtain through client credentials.
	APIAccess = "api_access"

	// ServiceScope is the fixed scope of client-credentials tokens.
	ServiceScope = APIAccess
)

// ErrUnknownScope is returned when a scope is not in the catalog.
var ErrUnknownScope = errors.New("unknown scope")

// ScopeInfo describes one grantable scope.
type ScopeInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// AlwaysGranted scopes are held by every user; others must be listed in
	// the user's extra permissions to survive token scope filtering.
	AlwaysGranted bool `json:"always_granted" yaml:"always_granted"`
}

// Defaults returns the built-in catalog.
func Defaults() []ScopeInfo {
	return []ScopeInfo{
		{Name: Profile, Description: "Obtain your username", AlwaysGranted: true},
		{Name: APIAccess, Description: "Perform API requests on your behalf", AlwaysGranted: true},
	}
}

// Registry is an immutable scope catalog.
type Registry struct {
	byName map[string]ScopeInfo
	names  []string
}

// NewRegistry builds a registry from the built-in catalog plus extra entries.
// Extra entries override built-ins with the same name.
func NewRegistry(extra ...ScopeInfo) (*Registry, error) {
	r := &Registry{byName: make(map[string]ScopeInfo)}
	for _, s := range append(Defaults(), extra...) {
		if err := validateName(s.Name); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; !dup {
			r.names = append(r.names, s.Name)
		}
		r.byName[s.Name] = s
	}
	sort.Strings(r.names)
	return r, nil
}

// validateName enforces the RFC 6749 scope-token grammar.
func validateName(name string) error {
	if name == "" {
		return errors.New("scope name cannot be empty")
	}
	for _, c := range name {
		if c <= 0x20 || c == '"' || c == '\\' || c > 0x7e {
			return fmt.Errorf("scope %q contains an invalid character", name)
		}
	}
	return nil
}

// List returns every scope, sorted by name.
func (r *Registry) List() []ScopeInfo {
	out := make([]ScopeInfo, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// Has reports whether name is in the catalog.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Validate returns ErrUnknownScope naming the first scope missing from the catalog.
func (r *Registry) Validate(names []string) error {
	for _, n := range names {
		if !r.Has(n) {
			return fmt.Errorf("%w: %s", ErrUnknownScope, n)
		}
	}
	return nil
}

// Describe returns catalog entries for names, skipping unknown ones.
func (r *Registry) Describe(names []string) []ScopeInfo {
	out := make([]ScopeInfo, 0, len(names))
	for _, n := range names {
		if s, ok := r.byName[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FilterGranted keeps the requested scopes the user actually holds: the
// always-granted ones plus anything in extra.
func (r *Registry) FilterGranted(requested []string, extra []string) []string {
	out := make([]string, 0, len(requested))
	for _, n := range requested {
		s, ok := r.byName[n]
		if !ok {
			continue
		}
		if s.AlwaysGranted || slices.Contains(extra, n) {
			out = append(out, n)
		}
	}
	return out
}

// Parse splits a space-delimited scope parameter, dropping empty entries
// and duplicates while keeping first-seen order.
func Parse(raw string) fosite.Arguments {
	parts := fosite.RemoveEmpty(strings.Split(raw, " "))
	out := make(fosite.Arguments, 0, len(parts))
	for _, p := range parts {
		if !out.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Join renders scopes as a space-delimited parameter.
func Join(names []string) string {
	return strings.Join(names, " ")
}

// Union returns a ∪ b without duplicates, sorted.
func Union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(slices.Clone(a), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Covers reports whether every element of requested is in granted.
func Covers(granted, requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
