package services

import (
	"context"
	"sync"
	"sync/atomic"

	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/log"
)

// SubscriptionMux shares one store subscription per user id between any
// number of in-process consumers. Late joiners are replayed the last
// committed snapshot, redundant deliveries are dropped by Version and the
// underlying subscription is closed when its last consumer cancels.
type SubscriptionMux struct {
	source domain.RecordSubscriber
	logger log.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	userID string

	// deliver serialises fan-out and late-join replay so each consumer sees
	// snapshots in store order.
	deliver sync.Mutex

	// guarded by SubscriptionMux.mu
	handlers map[uint64]*muxHandler
	nextID   uint64
	closed   bool
	cancel   domain.CancelFunc
	stop     context.CancelFunc

	// guarded by deliver
	last    *domain.Snapshot
	version int64
}

type muxHandler struct {
	fn        domain.SnapshotHandler
	cancelled atomic.Bool
}

// NewSubscriptionMux creates a mux on top of source.
func NewSubscriptionMux(source domain.RecordSubscriber, logger log.Logger) *SubscriptionMux {
	return &SubscriptionMux{
		source: source,
		logger: logger,
		feeds:  make(map[string]*feed),
	}
}

// Subscribe implements domain.RecordSubscriber. The handler may be called
// from the caller's goroutine before Subscribe returns when a snapshot is
// already cached. Handlers must not subscribe to the same user from inside a
// delivery.
func (m *SubscriptionMux) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" || handler == nil {
		return nil, domain.ErrInvalidArgument
	}

	h := &muxHandler{fn: handler}
	var (
		f  *feed
		id uint64
	)
	for {
		m.mu.Lock()
		existing, ok := m.feeds[userID]
		if !ok {
			f = &feed{userID: userID, handlers: make(map[uint64]*muxHandler)}
			m.feeds[userID] = f
			id = f.register(h)
			m.mu.Unlock()
			if err := m.open(ctx, f); err != nil {
				return nil, err
			}
			break
		}
		m.mu.Unlock()

		// Joining an open feed happens under the delivery lock so the replay
		// cannot interleave with a concurrent dispatch.
		existing.deliver.Lock()
		m.mu.Lock()
		if existing.closed {
			m.mu.Unlock()
			existing.deliver.Unlock()
			continue
		}
		f = existing
		id = f.register(h)
		m.mu.Unlock()
		if f.last != nil {
			h.fn(*f.last, nil)
		}
		f.deliver.Unlock()
		break
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.cancelled.Store(true)
			m.release(f, id)
		})
	}

	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// Consumers reports the number of handlers attached for userID.
func (m *SubscriptionMux) Consumers(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[userID]; ok {
		return len(f.handlers)
	}
	return 0
}

func (f *feed) register(h *muxHandler) uint64 {
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	return id
}

func (m *SubscriptionMux) open(ctx context.Context, f *feed) error {
	// The feed outlives the context of whichever consumer opened it.
	fctx, stop := context.WithCancel(context.WithoutCancel(ctx))

	cancel, err := m.source.Subscribe(fctx, f.userID, func(snap domain.Snapshot, err error) {
		m.dispatch(f, snap, err)
	})
	if err != nil {
		stop()
		m.mu.Lock()
		f.closed = true
		handlers := f.handlers
		f.handlers = nil
		if m.feeds[f.userID] == f {
			delete(m.feeds, f.userID)
		}
		m.mu.Unlock()

		// Consumers that joined while the feed was opening learn about the
		// failure through their handler; the opener gets the error back.
		for id, h := range handlers {
			if id != 0 && !h.cancelled.Load() {
				h.fn(domain.Snapshot{UserID: f.userID}, err)
			}
		}
		return err
	}

	m.mu.Lock()
	if f.closed {
		m.mu.Unlock()
		cancel()
		stop()
		return nil
	}
	f.cancel = cancel
	f.stop = stop
	m.mu.Unlock()
	return nil
}

func (m *SubscriptionMux) dispatch(f *feed, snap domain.Snapshot, err error) {
	f.deliver.Lock()
	defer f.deliver.Unlock()

	if err != nil {
		m.mu.Lock()
		f.closed = true
		handlers := f.handlers
		f.handlers = nil
		if m.feeds[f.userID] == f {
			delete(m.feeds, f.userID)
		}
		stop := f.stop
		m.mu.Unlock()
		if stop != nil {
			stop()
		}

		m.logger.Warn(context.Background(), "Shared record subscription failed", log.Fields{
			"user_id":   f.userID,
			"consumers": len(handlers),
			"error":     err.Error(),
		})
		for _, h := range handlers {
			if !h.cancelled.Load() {
				h.fn(domain.Snapshot{UserID: f.userID}, err)
			}
		}
		return
	}

	if !snap.Pending {
		if !f.accept(snap) {
			return
		}
		s := snap
		f.last = &s
	}

	m.mu.Lock()
	handlers := make([]*muxHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if !h.cancelled.Load() {
			h.fn(snap, nil)
		}
	}
}

// accept reports whether a committed snapshot is newer than the last one.
func (f *feed) accept(snap domain.Snapshot) bool {
	v := snap.StoreVersion()
	if f.last != nil && v <= f.version {
		return false
	}
	f.version = v
	return true
}

func (m *SubscriptionMux) release(f *feed, id uint64) {
	m.mu.Lock()
	if _, ok := f.handlers[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(f.handlers, id)
	if len(f.handlers) > 0 || f.closed {
		m.mu.Unlock()
		return
	}
	f.closed = true
	if m.feeds[f.userID] == f {
		delete(m.feeds, f.userID)
	}
	cancel, stop := f.cancel, f.stop
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
}

var _ domain.RecordSubscriber = (*SubscriptionMux)(nil)
