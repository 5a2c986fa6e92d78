package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Keys used by the arbitrator and device provider.
const (
	KeyDeviceID  = "device_id"
	KeySessionID = "session_id"
)

// InstanceStore is storage scoped to one client instance (one tab, one
// process). Nothing written here survives a restart.
type InstanceStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Clear()
}

// MemoryInstanceStore implements InstanceStore using ttlcache. Entries never
// expire unless a TTL is configured.
type MemoryInstanceStore struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryInstanceStore creates an instance store. A ttl of zero keeps
// values for the lifetime of the process.
func NewMemoryInstanceStore(ttl time.Duration) *MemoryInstanceStore {
	opts := []ttlcache.Option[string, string]{
		ttlcache.WithDisableTouchOnHit[string, string](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, string](ttl))
	}
	return &MemoryInstanceStore{cache: ttlcache.New(opts...)}
}

// Get implements InstanceStore.Get.
func (s *MemoryInstanceStore) Get(key string) (string, bool) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

// Set implements InstanceStore.Set.
func (s *MemoryInstanceStore) Set(key, value string) {
	s.cache.Set(key, value, ttlcache.DefaultTTL)
}

// Delete implements InstanceStore.Delete.
func (s *MemoryInstanceStore) Delete(key string) {
	s.cache.Delete(key)
}

// Clear implements InstanceStore.Clear.
func (s *MemoryInstanceStore) Clear() {
	s.cache.DeleteAll()
}

var _ InstanceStore = (*MemoryInstanceStore)(nil)
