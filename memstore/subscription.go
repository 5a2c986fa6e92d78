package memstore

import (
	"sync"

	"go.pilab.hu/sessionguard/domain"
)

type event struct {
	snap domain.Snapshot
	err  error
}

// subscription delivers queued events to its handler from a dedicated
// goroutine, preserving enqueue order. The queue is unbounded so a slow
// handler never makes the store drop a version.
type subscription struct {
	store   *Store
	userID  string
	handler domain.SnapshotHandler
	origin  *Client

	mu     sync.Mutex
	queue  []event
	closed bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(s *Store, userID string, handler domain.SnapshotHandler, origin *Client) *subscription {
	return &subscription{
		store:   s,
		userID:  userID,
		handler: handler,
		origin:  origin,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) push(ev event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			if s.origin != nil {
				if ch := s.origin.waitRelease(); ch != nil {
					select {
					case <-ch:
					case <-s.done:
						return
					}
				}
			}

			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if ev.err != nil {
				s.handler(domain.Snapshot{UserID: s.userID}, ev.err)
				s.stop()
				return
			}
			s.handler(ev.snap, nil)
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) cancel() {
	s.store.unregister(s)
	s.stop()
}
