package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryInstanceStore(t *testing.T) {
	s := NewMemoryInstanceStore(0)

	_, ok := s.Get(KeyDeviceID)
	assert.False(t, ok)

	s.Set(KeyDeviceID, "dev-1")
	v, ok := s.Get(KeyDeviceID)
	assert.True(t, ok)
	assert.Equal(t, "dev-1", v)

	s.Set(KeyDeviceID, "dev-2")
	v, _ = s.Get(KeyDeviceID)
	assert.Equal(t, "dev-2", v, "Set should overwrite")

	s.Set(KeySessionID, "sess")
	s.Delete(KeyDeviceID)
	_, ok = s.Get(KeyDeviceID)
	assert.False(t, ok)

	s.Clear()
	_, ok = s.Get(KeySessionID)
	assert.False(t, ok)
}

func TestMemoryInstanceStore_TTL(t *testing.T) {
	s := NewMemoryInstanceStore(20 * time.Millisecond)
	s.Set(KeySessionID, "sess")

	v, ok := s.Get(KeySessionID)
	assert.True(t, ok)
	assert.Equal(t, "sess", v)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Get(KeySessionID)
	assert.False(t, ok, "value should expire after ttl")
}
