package memstore

import (
	"context"
	"sync"
	"time"

	"go.pilab.hu/sessionguard/domain"
)

// Client is one connection to a Store. Its own writes are echoed to its own
// subscriptions as Pending snapshots before the store commits them, the way
// a document store SDK applies optimistic local updates.
type Client struct {
	store *Store

	// guarded by store.mu
	lastSeen map[string]*domain.SessionRecord

	holdMu sync.Mutex
	held   bool
	heldCh chan struct{}
}

// Hold suspends delivery to this client's subscriptions. Deliveries queue up
// in order and flow again once the returned release func is called.
func (c *Client) Hold() (release func()) {
	c.holdMu.Lock()
	if !c.held {
		c.held = true
		c.heldCh = make(chan struct{})
	}
	ch := c.heldCh
	c.holdMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.holdMu.Lock()
			if c.held && c.heldCh == ch {
				c.held = false
				close(ch)
			}
			c.holdMu.Unlock()
		})
	}
}

// waitRelease returns a channel closed when the current hold ends, or nil.
func (c *Client) waitRelease() <-chan struct{} {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	if !c.held {
		return nil
	}
	return c.heldCh
}

func (c *Client) echoLocked(rec *domain.SessionRecord) {
	for sub := range c.store.subs[rec.UserID] {
		if sub.origin == c {
			sub.push(event{snap: domain.Snapshot{UserID: rec.UserID, Record: rec.Clone(), Pending: true}})
		}
	}
}

// Put implements domain.SessionRecordStore.Put.
func (c *Client) Put(ctx context.Context, rec *domain.SessionRecord) error {
	return c.store.put(ctx, rec, c)
}

// MergeActivity implements domain.SessionRecordStore.MergeActivity.
func (c *Client) MergeActivity(ctx context.Context, userID, sessionID string) error {
	return c.store.merge(ctx, userID, sessionID, c)
}

// Get implements domain.SessionRecordStore.Get.
func (c *Client) Get(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	return c.store.Get(ctx, userID)
}

// Delete implements domain.SessionRecordStore.Delete.
func (c *Client) Delete(ctx context.Context, userID, sessionID string) error {
	return c.store.Delete(ctx, userID, sessionID)
}

// Revoke implements domain.AdminStore.Revoke.
func (c *Client) Revoke(ctx context.Context, userID, reason string) (*domain.SessionRecord, error) {
	return c.store.Revoke(ctx, userID, reason)
}

// DeleteInactiveSince implements domain.AdminStore.DeleteInactiveSince.
func (c *Client) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.store.DeleteInactiveSince(ctx, cutoff)
}

// Subscribe implements domain.RecordSubscriber.Subscribe.
func (c *Client) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	return c.store.subscribe(ctx, userID, handler, c)
}

var _ domain.RecordBackend = (*Client)(nil)
