// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestClientLimiter_Allow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newClientLimiter(rate.Limit(1), 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"), "bucket refills over time")
}

func TestClientLimiter_NilAllowsEverything(t *testing.T) {
	t.Parallel()

	var l *clientLimiter
	assert.True(t, l.Allow("anything"))
}

func TestClientLimiter_BoundedEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newClientLimiter(rate.Limit(1), 1)
	l.now = func() time.Time { return now }
	l.maxEntries = 3

	for i := range 1000 {
		now = now.Add(time.Millisecond)
		l.Allow(fmt.Sprintf("junk-%d", i))
	}
	assert.Equal(t, 3, l.size())
}

func TestClientLimiter_EvictsLeastRecentlySeen(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newClientLimiter(rate.Limit(0.0001), 1)
	l.now = func() time.Time { return now }
	l.maxEntries = 3

	for _, key := range []string{"a", "b", "c"} {
		now = now.Add(time.Second)
		assert.True(t, l.Allow(key))
	}

	// Touch a so that b is the oldest.
	now = now.Add(time.Second)
	assert.False(t, l.Allow("a"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("d"))
	assert.Equal(t, 3, l.size())

	l.mu.Lock()
	_, hasA := l.entries["a"]
	_, hasB := l.entries["b"]
	l.mu.Unlock()
	assert.True(t, hasA, "recently seen bucket is kept")
	assert.False(t, hasB, "oldest bucket is evicted")
}
