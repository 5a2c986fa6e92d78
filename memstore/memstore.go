// Package memstore provides an in-process implementation of the session
// record store. Writes to one record are applied in a single total order and
// every subscriber observes every version in that order.
//
// Store clients (see Client) add latency-compensated pending echoes and the
// ability to hold deliveries, which lets tests reproduce the timing windows a
// networked document store exhibits. Fault injection hooks make transient
// failures and broken subscription channels reproducible.
package memstore

import (
	"context"
	"sync"
	"time"

	"go.pilab.hu/sessionguard/domain"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpPut       Op = "put"
	OpMerge     Op = "merge"
	OpGet       Op = "get"
	OpDelete    Op = "delete"
	OpSubscribe Op = "subscribe"
	OpRevoke    Op = "revoke"
	OpSweep     Op = "sweep"
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements domain.RecordBackend in memory.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	records  map[string]*domain.SessionRecord
	versions map[string]int64
	subs     map[string]map[*subscription]struct{}
	faults   map[Op][]error
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		records:  make(map[string]*domain.SessionRecord),
		versions: make(map[string]int64),
		subs:     make(map[string]map[*subscription]struct{}),
		faults:   make(map[Op][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next call of op return err without side effects.
// Calls queue up: FailNext twice fails the next two calls.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], err)
	s.mu.Unlock()
}

// BreakSubscriptions reports err to every open subscription on userID and
// closes them, simulating a failed watch channel.
func (s *Store) BreakSubscriptions(userID string, err error) {
	s.mu.Lock()
	subs := s.subs[userID]
	delete(s.subs, userID)
	for sub := range subs {
		sub.push(event{err: err})
	}
	s.mu.Unlock()
}

// SubscriberCount returns the number of open subscriptions on userID.
func (s *Store) SubscriberCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[userID])
}

// Client returns a view of the store that echoes its own writes as pending
// snapshots to its own subscriptions before committing them.
func (s *Store) Client() *Client {
	return &Client{store: s, lastSeen: make(map[string]*domain.SessionRecord)}
}

func (s *Store) fault(op Op) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// Put implements domain.SessionRecordStore.Put.
func (s *Store) Put(ctx context.Context, rec *domain.SessionRecord) error {
	return s.put(ctx, rec, nil)
}

func (s *Store) put(ctx context.Context, rec *domain.SessionRecord, origin *Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.UserID == "" || rec.SessionID == "" {
		return domain.ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPut); err != nil {
		return err
	}

	now := s.now().UTC()
	stored := rec.Clone()
	stored.LoginTime = now
	stored.LastActivity = now
	stored.IsActive = true
	stored.TerminatedAt = nil
	stored.TerminatedReason = ""
	if origin != nil {
		origin.echoLocked(stored)
	}
	s.commitLocked(stored)
	rec.LoginTime, rec.LastActivity = stored.LoginTime, stored.LastActivity
	rec.IsActive, rec.TerminatedAt, rec.TerminatedReason = true, nil, ""
	rec.Version = stored.Version
	return nil
}

// MergeActivity implements domain.SessionRecordStore.MergeActivity.
func (s *Store) MergeActivity(ctx context.Context, userID, sessionID string) error {
	return s.merge(ctx, userID, sessionID, nil)
}

func (s *Store) merge(ctx context.Context, userID, sessionID string, origin *Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpMerge); err != nil {
		return err
	}

	now := s.now().UTC()
	if origin != nil {
		if seen := origin.lastSeen[userID]; seen != nil {
			echo := seen.Clone()
			echo.LastActivity = now
			origin.echoLocked(echo)
		}
	}

	cur := s.records[userID]
	if !cur.Authorizes(sessionID) {
		return domain.ErrStaleSession
	}
	next := cur.Clone()
	next.LastActivity = now
	s.commitLocked(next)
	return nil
}

// Get implements domain.SessionRecordStore.Get.
func (s *Store) Get(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGet); err != nil {
		return nil, err
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Delete implements domain.SessionRecordStore.Delete.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDelete); err != nil {
		return err
	}
	cur, ok := s.records[userID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if cur.SessionID != sessionID {
		return domain.ErrStaleSession
	}
	s.removeLocked(userID)
	return nil
}

// Revoke implements domain.AdminStore.Revoke.
func (s *Store) Revoke(ctx context.Context, userID, reason string) (*domain.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRevoke); err != nil {
		return nil, err
	}
	cur, ok := s.records[userID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	now := s.now().UTC()
	next := cur.Clone()
	next.IsActive = false
	next.TerminatedAt = &now
	next.TerminatedReason = reason
	s.commitLocked(next)
	return next.Clone(), nil
}

// DeleteInactiveSince implements domain.AdminStore.DeleteInactiveSince.
func (s *Store) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpSweep); err != nil {
		return 0, err
	}
	var n int64
	for userID, rec := range s.records {
		if rec.LastActivity.Before(cutoff) {
			s.removeLocked(userID)
			n++
		}
	}
	return n, nil
}

// Subscribe implements domain.RecordSubscriber.Subscribe.
func (s *Store) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	return s.subscribe(ctx, userID, handler, nil)
}

func (s *Store) subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler, origin *Client) (domain.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.fault(OpSubscribe); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := newSubscription(s, userID, handler, origin)
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[*subscription]struct{})
	}
	s.subs[userID][sub] = struct{}{}
	initial := s.snapshotLocked(userID, s.records[userID])
	if origin != nil {
		origin.lastSeen[userID] = initial.Record.Clone()
	}
	sub.push(event{snap: initial})
	s.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.cancel()
		case <-sub.done:
		}
	}()
	return sub.cancel, nil
}

func (s *Store) commitLocked(rec *domain.SessionRecord) {
	s.versions[rec.UserID]++
	rec.Version = s.versions[rec.UserID]
	s.records[rec.UserID] = rec
	s.fanoutLocked(rec.UserID, rec)
}

func (s *Store) removeLocked(userID string) {
	delete(s.records, userID)
	s.versions[userID]++
	s.fanoutLocked(userID, nil)
}

func (s *Store) fanoutLocked(userID string, rec *domain.SessionRecord) {
	for sub := range s.subs[userID] {
		if sub.origin != nil {
			sub.origin.lastSeen[userID] = rec.Clone()
		}
		sub.push(event{snap: s.snapshotLocked(userID, rec)})
	}
}

func (s *Store) snapshotLocked(userID string, rec *domain.SessionRecord) domain.Snapshot {
	snap := domain.Snapshot{UserID: userID, Record: rec.Clone()}
	if rec == nil {
		snap.Version = s.versions[userID]
	}
	return snap
}

func (s *Store) unregister(sub *subscription) {
	s.mu.Lock()
	if set := s.subs[sub.userID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, sub.userID)
		}
	}
	s.mu.Unlock()
}

var _ domain.RecordBackend = (*Store)(nil)
