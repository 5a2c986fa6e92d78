package device

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/cache"
)

var testHints = ClientHints{
	CanvasHash:   "c4nv45",
	UserAgent:    "Mozilla/5.0 (X11; Linux x86_64)",
	Platform:     "Linux x86_64",
	ScreenWidth:  1920,
	ScreenHeight: 1080,
	ColorDepth:   24,
	Browser:      "Firefox 131",
	OS:           "Linux",
}

func fixed() []Option {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []Option{
		WithClock(func() time.Time { return at }),
		WithSalt(func() string { return "salt" }),
	}
}

func TestIssue_CachesForInstance(t *testing.T) {
	p := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints})

	first := p.Issue(false)
	require.True(t, strings.HasPrefix(first, IDPrefix))
	assert.Equal(t, first, p.Issue(false), "cached id should be reused")
}

func TestIssue_ForceNewRegenerates(t *testing.T) {
	store := cache.NewMemoryInstanceStore(0)
	p := NewFingerprintProvider(store, []Source{testHints})

	first := p.Issue(false)
	second := p.Issue(true)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, p.Issue(false), "new id replaces the cached one")

	cached, ok := store.Get(cache.KeyDeviceID)
	require.True(t, ok)
	assert.Equal(t, second, cached)
}

func TestIssue_DistinctAcrossInstances(t *testing.T) {
	a := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints})
	b := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints})
	assert.NotEqual(t, a.Issue(false), b.Issue(false), "same device, different instances")
}

func TestDerive_DependsOnComponents(t *testing.T) {
	a := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints}, fixed()...)
	b := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints}, fixed()...)
	assert.Equal(t, a.Issue(true), b.Issue(true), "identical inputs give identical ids")

	other := testHints
	other.CanvasHash = "different"
	c := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{other}, fixed()...)
	assert.NotEqual(t, a.Issue(true), c.Issue(true))
}

func TestIssue_Headless(t *testing.T) {
	p := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), nil)
	id := p.Issue(true)
	assert.True(t, strings.HasPrefix(id, IDPrefix))
	assert.Len(t, id, len(IDPrefix)+32)

	empty := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{ClientHints{}})
	assert.NotEmpty(t, empty.Issue(true))
}

func TestMetadata(t *testing.T) {
	p := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{testHints})
	m := p.Metadata()
	assert.Equal(t, "Linux x86_64 1920x1080", m.DeviceInfo)
	assert.Equal(t, "Firefox 131", m.BrowserInfo)
	assert.Equal(t, "Linux", m.OSInfo)

	host := NewFingerprintProvider(cache.NewMemoryInstanceStore(0), []Source{HostSource{Agent: "agent/1"}})
	hm := host.Metadata()
	assert.Equal(t, "agent/1", hm.BrowserInfo)
	assert.Contains(t, hm.OSInfo, "/")
}

func TestHostSource_Collect(t *testing.T) {
	c := HostSource{Agent: "agent/1"}.Collect()
	assert.NotEmpty(t, c["os"])
	assert.NotEmpty(t, c["arch"])
	assert.Equal(t, "agent/1", c["agent"])
}
