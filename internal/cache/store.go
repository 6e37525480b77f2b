package cache

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/observer"
)

// Store is the read-through cache for provider list responses, keyed by
// (configuration id, resource type, query signature). Entries expire per
// resource TTL; any successful write to a resource wipes every entry of
// that (configuration, resource) pair.
//
// The cache is advisory. Callers treat a miss and an expired entry the
// same way: fall through to the provider.
type Store struct {
	c    *gocache.Cache
	ttls map[model.ResourceType]time.Duration
}

// NewStore creates a store with per-resource TTLs from conf.
func NewStore(conf config.CacheConfig) *Store {
	ttls := map[model.ResourceType]time.Duration{
		model.ResourceContacts: conf.ContactTTL,
		model.ResourceGroups:   conf.GroupTTL,
		model.ResourceMessages: conf.MessageTTL,
		model.ResourceMembers:  conf.MemberTTL,
	}

	// Sweep interval tied to the shortest TTL keeps expired entries from
	// lingering much past their deadline.
	sweep := conf.MessageTTL
	for _, ttl := range ttls {
		if ttl > 0 && (sweep <= 0 || ttl < sweep) {
			sweep = ttl
		}
	}
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}

	return &Store{
		c:    gocache.New(gocache.NoExpiration, sweep),
		ttls: ttls,
	}
}

func entryKey(configID int64, resource model.ResourceType, signature string) string {
	return fmt.Sprintf("%d|%s|%s", configID, resource, signature)
}

func resourcePrefix(configID int64, resource model.ResourceType) string {
	return fmt.Sprintf("%d|%s|", configID, resource)
}

// Get returns the cached value for the query signature, if present and
// unexpired.
func (s *Store) Get(configID int64, resource model.ResourceType, signature string) (interface{}, bool) {
	v, found := s.c.Get(entryKey(configID, resource, signature))
	if found {
		observer.IncCacheCheck(string(resource), "hit")
	} else {
		observer.IncCacheCheck(string(resource), "miss")
	}
	return v, found
}

// Set stores a value under the query signature with the resource TTL.
// Resources configured with a non-positive TTL are not cached.
func (s *Store) Set(configID int64, resource model.ResourceType, signature string, value interface{}) {
	ttl := s.ttls[resource]
	if ttl <= 0 {
		return
	}
	s.c.Set(entryKey(configID, resource, signature), value, ttl)
}

// InvalidateResource removes every entry of one (configuration, resource)
// pair. Called after any successful write affecting the resource.
func (s *Store) InvalidateResource(configID int64, resource model.ResourceType) {
	prefix := resourcePrefix(configID, resource)
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
		}
	}
	observer.IncCacheInvalidation(string(resource))
}

// InvalidateConfiguration removes every entry owned by one configuration,
// across all resource types. Used when a configuration is deactivated.
func (s *Store) InvalidateConfiguration(configID int64) {
	prefix := fmt.Sprintf("%d|", configID)
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
		}
	}
}

// Flush drops the whole cache.
func (s *Store) Flush() {
	s.c.Flush()
}

// Len reports the number of live entries, expired included until sweep.
func (s *Store) Len() int {
	return s.c.ItemCount()
}
