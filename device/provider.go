// Package device derives stable per-instance device identifiers.
//
// An identifier is a blake2b digest over the components reported by a set of
// fingerprint sources, mixed with time-based entropy and a random salt. It is
// cached in the instance store for the lifetime of the client instance and
// regenerated whenever a login asks for a fresh one. The identifier is a
// liveness aid, not a security boundary.
package device

import (
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.pilab.hu/sessionguard/cache"
	"go.pilab.hu/sessionguard/domain"
	"golang.org/x/crypto/blake2b"
)

// IDPrefix is prepended to every derived device id.
const IDPrefix = "dev_"

// Provider issues device identifiers for the current client instance.
type Provider interface {
	// Issue returns the cached id unless forceNew is set or nothing is cached,
	// in which case a new id is derived and replaces the cached one.
	Issue(forceNew bool) string
	// Metadata describes the device for display purposes.
	Metadata() domain.DeviceMetadata
}

// Source contributes fingerprint components.
type Source interface {
	Name() string
	Collect() map[string]string
}

// Describer is implemented by sources that can fill display metadata.
type Describer interface {
	Describe(m *domain.DeviceMetadata)
}

// Option configures a FingerprintProvider.
type Option func(*FingerprintProvider)

// WithClock overrides the time source used for entropy.
func WithClock(now func() time.Time) Option {
	return func(p *FingerprintProvider) { p.now = now }
}

// WithSalt overrides the random salt generator.
func WithSalt(salt func() string) Option {
	return func(p *FingerprintProvider) { p.salt = salt }
}

// FingerprintProvider implements Provider over pluggable sources.
type FingerprintProvider struct {
	mu      sync.Mutex
	sources []Source
	store   cache.InstanceStore
	now     func() time.Time
	salt    func() string
}

// NewFingerprintProvider creates a provider caching its id in store.
func NewFingerprintProvider(store cache.InstanceStore, sources []Source, opts ...Option) *FingerprintProvider {
	p := &FingerprintProvider{
		sources: sources,
		store:   store,
		now:     time.Now,
		salt:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Issue implements Provider.Issue.
func (p *FingerprintProvider) Issue(forceNew bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !forceNew {
		if id, ok := p.store.Get(cache.KeyDeviceID); ok && id != "" {
			return id
		}
	}

	p.store.Delete(cache.KeyDeviceID)
	id := p.derive()
	p.store.Set(cache.KeyDeviceID, id)
	return id
}

// Metadata implements Provider.Metadata.
func (p *FingerprintProvider) Metadata() domain.DeviceMetadata {
	var m domain.DeviceMetadata
	for _, s := range p.sources {
		if d, ok := s.(Describer); ok {
			d.Describe(&m)
		}
	}
	return m
}

func (p *FingerprintProvider) derive() string {
	// blake2b.New256 only fails for oversized keys.
	h, _ := blake2b.New256(nil)

	for _, s := range p.sources {
		components := s.Collect()
		keys := make([]string, 0, len(components))
		for k := range components {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(s.Name() + "." + k + "=" + components[k] + "\n"))
		}
	}
	h.Write([]byte("t=" + strconv.FormatInt(p.now().UnixNano(), 10) + "\n"))
	h.Write([]byte("salt=" + p.salt() + "\n"))

	sum := h.Sum(nil)
	return IDPrefix + hex.EncodeToString(sum[:16])
}

var _ Provider = (*FingerprintProvider)(nil)
