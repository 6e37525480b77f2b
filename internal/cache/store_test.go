package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

func newTestStore() *Store {
	return NewStore(config.CacheConfig{
		ContactTTL: time.Hour,
		GroupTTL:   30 * time.Minute,
		MessageTTL: 50 * time.Millisecond,
		MemberTTL:  30 * time.Minute,
	})
}

func TestStoreGetSet(t *testing.T) {
	store := newTestStore()

	_, found := store.Get(1, model.ResourceContacts, "page=0")
	assert.False(t, found)

	store.Set(1, model.ResourceContacts, "page=0", []string{"alice"})
	v, found := store.Get(1, model.ResourceContacts, "page=0")
	require.True(t, found)
	assert.Equal(t, []string{"alice"}, v)

	// Different signature misses.
	_, found = store.Get(1, model.ResourceContacts, "page=1")
	assert.False(t, found)

	// Different configuration misses.
	_, found = store.Get(2, model.ResourceContacts, "page=0")
	assert.False(t, found)
}

func TestStoreExpiry(t *testing.T) {
	store := newTestStore()

	store.Set(1, model.ResourceMessages, "chat=c1", "page")
	_, found := store.Get(1, model.ResourceMessages, "chat=c1")
	require.True(t, found)

	time.Sleep(80 * time.Millisecond)
	_, found = store.Get(1, model.ResourceMessages, "chat=c1")
	assert.False(t, found, "entry expires after its resource TTL")
}

func TestStoreInvalidateResource(t *testing.T) {
	store := newTestStore()

	store.Set(1, model.ResourceGroups, "page=0", "a")
	store.Set(1, model.ResourceGroups, "page=1", "b")
	store.Set(1, model.ResourceContacts, "page=0", "c")
	store.Set(2, model.ResourceGroups, "page=0", "d")

	store.InvalidateResource(1, model.ResourceGroups)

	_, found := store.Get(1, model.ResourceGroups, "page=0")
	assert.False(t, found)
	_, found = store.Get(1, model.ResourceGroups, "page=1")
	assert.False(t, found)

	// Other resource and other configuration survive.
	_, found = store.Get(1, model.ResourceContacts, "page=0")
	assert.True(t, found)
	_, found = store.Get(2, model.ResourceGroups, "page=0")
	assert.True(t, found)
}

func TestStoreInvalidateConfiguration(t *testing.T) {
	store := newTestStore()

	store.Set(1, model.ResourceGroups, "page=0", "a")
	store.Set(1, model.ResourceContacts, "page=0", "b")
	store.Set(2, model.ResourceGroups, "page=0", "c")

	store.InvalidateConfiguration(1)

	assert.Equal(t, 1, store.Len())
	_, found := store.Get(2, model.ResourceGroups, "page=0")
	assert.True(t, found)
}

func TestStoreSkipsZeroTTLResource(t *testing.T) {
	store := NewStore(config.CacheConfig{ContactTTL: time.Hour})

	store.Set(1, model.ResourceMessages, "chat=c1", "v")
	_, found := store.Get(1, model.ResourceMessages, "chat=c1")
	assert.False(t, found, "zero-TTL resources bypass the cache")
}
