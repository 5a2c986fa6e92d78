// Package recordstoretest holds the behavioural suite every session record
// store backend must pass.
package recordstoretest

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/domain"
)

// StoreFactory creates a backend for one test.
type StoreFactory func(t *testing.T) domain.RecordBackend

// deliveryTimeout bounds how long the suite waits for a subscription delivery.
const deliveryTimeout = 5 * time.Second

// RunRecordStoreTests runs the complete suite against factory.
func RunRecordStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Put_OverwritesRecord", func(t *testing.T) { testPutOverwrites(t, factory) })
	t.Run("Put_ConcurrentConverges", func(t *testing.T) { testPutConcurrentConverges(t, factory) })
	t.Run("Version_MonotonicAcrossDelete", func(t *testing.T) { testVersionMonotonicAcrossDelete(t, factory) })
	t.Run("Get_MissingRecord", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("MergeActivity_LeavesIdentityFields", func(t *testing.T) { testMergeNonInterference(t, factory) })
	t.Run("MergeActivity_RejectsStaleSession", func(t *testing.T) { testMergeRejectsStale(t, factory) })
	t.Run("Delete_ConditionalOnSession", func(t *testing.T) { testDeleteConditional(t, factory) })
	t.Run("Revoke_KeepsSessionID", func(t *testing.T) { testRevoke(t, factory) })
	t.Run("DeleteInactiveSince_RemovesIdleRecords", func(t *testing.T) { testDeleteInactive(t, factory) })
	t.Run("Subscribe_InitialSnapshot", func(t *testing.T) { testSubscribeInitial(t, factory) })
	t.Run("Subscribe_DeliversVersionsInOrder", func(t *testing.T) { testSubscribeOrder(t, factory) })
	t.Run("Subscribe_IsolatedPerUser", func(t *testing.T) { testSubscribeIsolation(t, factory) })
	t.Run("Subscribe_CancelStopsDelivery", func(t *testing.T) { testSubscribeCancel(t, factory) })
}

func newUserID() string { return "user-" + uuid.NewString() }

func newRecord(userID, sessionID string) *domain.SessionRecord {
	return &domain.SessionRecord{
		UserID:      userID,
		SessionID:   sessionID,
		DeviceID:    "dev-" + sessionID,
		DeviceInfo:  "test device",
		BrowserInfo: "test browser",
		OSInfo:      "test os",
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Collector records committed snapshots delivered to a subscription.
type Collector struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
	errs  []error
}

// Handle is a domain.SnapshotHandler.
func (c *Collector) Handle(snap domain.Snapshot, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	if snap.Pending {
		return
	}
	c.snaps = append(c.snaps, snap)
}

// Snapshots returns a copy of the collected snapshots.
func (c *Collector) Snapshots() []domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Snapshot(nil), c.snaps...)
}

// Last returns the most recent snapshot.
func (c *Collector) Last() (domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return domain.Snapshot{}, false
	}
	return c.snaps[len(c.snaps)-1], true
}

// Errors returns the channel errors reported so far.
func (c *Collector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func testPutOverwrites(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	written := newRecord(userID, "S1")
	require.NoError(t, s.Put(ctx, written))
	first, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, written.Version, "Put reports the assigned version")
	assert.Equal(t, "S1", first.SessionID)
	assert.True(t, first.IsActive)
	assert.False(t, first.LoginTime.IsZero(), "store assigns login time")
	assert.False(t, first.LastActivity.IsZero(), "store assigns last activity")

	require.NoError(t, s.Put(ctx, newRecord(userID, "S2")))
	second, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "S2", second.SessionID)
	assert.Equal(t, "dev-S2", second.DeviceID)
	assert.Greater(t, second.Version, first.Version)
}

func testPutConcurrentConverges(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	var c Collector
	cancel, err := s.Subscribe(ctx, userID, c.Handle)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(c.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)

	const writers = 8
	written := make([]*domain.SessionRecord, writers)
	var wg sync.WaitGroup
	for i := range written {
		written[i] = newRecord(userID, "S"+strconv.Itoa(i))
		wg.Add(1)
		go func(rec *domain.SessionRecord) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, rec))
		}(written[i])
	}
	wg.Wait()

	final, err := s.Get(ctx, userID)
	require.NoError(t, err)
	var newest *domain.SessionRecord
	for _, rec := range written {
		if newest == nil || rec.Version > newest.Version {
			newest = rec
		}
	}
	assert.Equal(t, newest.Version, final.Version, "the stored record carries the highest version")
	assert.Equal(t, newest.SessionID, final.SessionID, "the highest version names the surviving session")

	require.Eventually(t, func() bool {
		last, ok := c.Last()
		return ok && last.Exists() && last.Record.Version == final.Version
	}, deliveryTimeout, 10*time.Millisecond, "subscribers converge on the stored record")
	last, _ := c.Last()
	assert.Equal(t, final.SessionID, last.Record.SessionID)
}

func testVersionMonotonicAcrossDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	first := newRecord(userID, "S1")
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Delete(ctx, userID, "S1"))

	var c Collector
	cancel, err := s.Subscribe(ctx, userID, c.Handle)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(c.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)
	gone := c.Snapshots()[0]
	require.False(t, gone.Exists())
	assert.Greater(t, gone.StoreVersion(), first.Version, "an absent record reports the delete's version")

	second := newRecord(userID, "S2")
	require.NoError(t, s.Put(ctx, second))
	assert.Greater(t, second.Version, gone.StoreVersion(), "a recreated record continues above the delete")

	n, err := s.DeleteInactiveSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))
	third := newRecord(userID, "S3")
	require.NoError(t, s.Put(ctx, third))
	assert.Greater(t, third.Version, second.Version+1, "a sweep counts as a delete")

	require.Eventually(t, func() bool {
		last, ok := c.Last()
		return ok && last.Exists() && last.Record.SessionID == "S3"
	}, deliveryTimeout, 10*time.Millisecond)
	var prev int64
	for _, snap := range c.Snapshots() {
		assert.Greater(t, snap.StoreVersion(), prev, "deliveries never repeat or go backwards")
		prev = snap.StoreVersion()
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Get(testCtx(t), newUserID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func testMergeNonInterference(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))
	before, err := s.Get(ctx, userID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.MergeActivity(ctx, userID, "S1"))
	}

	after, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.Equal(t, before.IsActive, after.IsActive)
	assert.False(t, after.LastActivity.Before(before.LastActivity))
	assert.Equal(t, before.Version+3, after.Version)
}

func testMergeRejectsStale(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	assert.ErrorIs(t, s.MergeActivity(ctx, userID, "S1"), domain.ErrStaleSession, "missing record")

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))
	require.NoError(t, s.Put(ctx, newRecord(userID, "S2")))
	assert.ErrorIs(t, s.MergeActivity(ctx, userID, "S1"), domain.ErrStaleSession, "superseded session")
	require.NoError(t, s.MergeActivity(ctx, userID, "S2"))

	_, err := s.Revoke(ctx, userID, "policy")
	require.NoError(t, err)
	assert.ErrorIs(t, s.MergeActivity(ctx, userID, "S2"), domain.ErrStaleSession, "revoked session")
}

func testDeleteConditional(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	assert.ErrorIs(t, s.Delete(ctx, userID, "S1"), domain.ErrRecordNotFound)

	require.NoError(t, s.Put(ctx, newRecord(userID, "S2")))
	assert.ErrorIs(t, s.Delete(ctx, userID, "S1"), domain.ErrStaleSession)

	rec, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "S2", rec.SessionID, "foreign delete must not free the slot")

	require.NoError(t, s.Delete(ctx, userID, "S2"))
	_, err = s.Get(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func testRevoke(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	_, err := s.Revoke(ctx, userID, "policy violation")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	require.NoError(t, s.Put(ctx, newRecord(userID, "S2")))
	rec, err := s.Revoke(ctx, userID, "policy violation")
	require.NoError(t, err)
	assert.Equal(t, "S2", rec.SessionID)
	assert.False(t, rec.IsActive)
	assert.Equal(t, "policy violation", rec.TerminatedReason)
	require.NotNil(t, rec.TerminatedAt)

	require.NoError(t, s.Put(ctx, newRecord(userID, "S3")))
	fresh, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
	assert.Nil(t, fresh.TerminatedAt, "a new login clears termination fields")
	assert.Empty(t, fresh.TerminatedReason)
}

func testDeleteInactive(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))

	n, err := s.DeleteInactiveSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Get(ctx, userID)
	require.NoError(t, err, "fresh record survives")

	n, err = s.DeleteInactiveSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = s.Get(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func testSubscribeInitial(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	var absent Collector
	cancel, err := s.Subscribe(ctx, userID, absent.Handle)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(absent.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)
	assert.False(t, absent.Snapshots()[0].Exists())

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))

	var present Collector
	cancel2, err := s.Subscribe(ctx, userID, present.Handle)
	require.NoError(t, err)
	defer cancel2()
	require.Eventually(t, func() bool { return len(present.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)
	first := present.Snapshots()[0]
	require.True(t, first.Exists())
	assert.Equal(t, "S1", first.Record.SessionID)
}

func testSubscribeOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	var c Collector
	cancel, err := s.Subscribe(ctx, userID, c.Handle)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(c.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))
	require.NoError(t, s.MergeActivity(ctx, userID, "S1"))
	require.NoError(t, s.Put(ctx, newRecord(userID, "S2")))
	_, err = s.Revoke(ctx, userID, "policy")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, userID, "S2"))

	require.Eventually(t, func() bool {
		last, ok := c.Last()
		return ok && !last.Exists() && len(c.Snapshots()) > 1
	}, deliveryTimeout, 10*time.Millisecond, "delete should be delivered last")

	var (
		lastVersion int64
		seenS2      bool
	)
	for _, snap := range c.Snapshots() {
		if !snap.Exists() {
			continue
		}
		assert.GreaterOrEqual(t, snap.Record.Version, lastVersion, "versions never go backwards")
		lastVersion = snap.Record.Version
		if snap.Record.SessionID == "S2" {
			seenS2 = true
		}
		if seenS2 {
			assert.NotEqual(t, "S1", snap.Record.SessionID, "S1 must not reappear after S2")
		}
	}
	assert.True(t, seenS2)
	assert.Empty(t, c.Errors())
}

func testSubscribeIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	alice, bob := newUserID(), newUserID()

	var c Collector
	cancel, err := s.Subscribe(ctx, alice, c.Handle)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(c.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)

	require.NoError(t, s.Put(ctx, newRecord(bob, "B1")))
	require.NoError(t, s.Put(ctx, newRecord(alice, "A1")))

	require.Eventually(t, func() bool {
		last, ok := c.Last()
		return ok && last.Exists() && last.Record.SessionID == "A1"
	}, deliveryTimeout, 10*time.Millisecond)
	for _, snap := range c.Snapshots() {
		assert.Equal(t, alice, snap.UserID)
		if snap.Exists() {
			assert.Equal(t, alice, snap.Record.UserID)
		}
	}
}

func testSubscribeCancel(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)
	userID := newUserID()

	var c Collector
	cancel, err := s.Subscribe(ctx, userID, c.Handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Snapshots()) > 0 }, deliveryTimeout, 10*time.Millisecond)

	cancel()
	cancel()
	before := len(c.Snapshots())

	require.NoError(t, s.Put(ctx, newRecord(userID, "S1")))
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, c.Snapshots(), before)
}
