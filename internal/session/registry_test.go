//nolint:all // test package
package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReuseWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	r := newRegistryWithClock(func() time.Time { return now })

	uid := [7]byte{1}
	r.Store(uid, &TokenSession{ID: "s-1"})

	got, ok := r.Lookup(uid)
	require.True(t, ok)
	assert.Equal(t, "s-1", got.ID)

	// Still inside the window.
	now = now.Add(reuseTTL - time.Second)
	_, ok = r.Lookup(uid)
	assert.True(t, ok)

	// Past the window the entry is dropped.
	now = now.Add(2 * time.Second)
	_, ok = r.Lookup(uid)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	r := newRegistryWithClock(func() time.Time { return now })

	var first [7]byte
	for i := 0; i < maxCachedSessions; i++ {
		uid := [7]byte{byte(i)}
		if i == 0 {
			first = uid
		}
		r.Store(uid, &TokenSession{ID: fmt.Sprintf("s-%d", i)})
		now = now.Add(time.Second)
	}
	require.Equal(t, maxCachedSessions, r.Len())

	r.Store([7]byte{0xff}, &TokenSession{ID: "s-new"})

	assert.Equal(t, maxCachedSessions, r.Len())
	_, ok := r.Lookup(first)
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = r.Lookup([7]byte{0xff})
	assert.True(t, ok)
}

func TestRegistryStoreRefreshesExistingEntry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	r := newRegistryWithClock(func() time.Time { return now })

	uid := [7]byte{1}
	r.Store(uid, &TokenSession{ID: "s-1"})
	now = now.Add(reuseTTL - time.Second)
	r.Store(uid, &TokenSession{ID: "s-2"})

	now = now.Add(2 * time.Second)
	got, ok := r.Lookup(uid)
	require.True(t, ok, "refreshed entry must still be valid")
	assert.Equal(t, "s-2", got.ID)
}
