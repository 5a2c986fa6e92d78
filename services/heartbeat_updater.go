package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/metrics"
	"go.pilab.hu/sessionguard/log"
)

// HeartbeatUpdater refreshes LastActivity on the record while a session is
// active. A rejected write is reported once through the fenced callback and
// never retried.
type HeartbeatUpdater struct {
	store     domain.SessionRecordStore
	userID    string
	sessionID string
	onFenced  func(error)
	logger    log.Logger

	minSpacing time.Duration
	now        func() time.Time

	mu        sync.Mutex
	stopped   bool
	lastWrite time.Time
	stopCtx   context.Context
	stopFn    context.CancelFunc
	fenced    sync.Once
}

// HeartbeatOption configures a HeartbeatUpdater.
type HeartbeatOption func(*HeartbeatUpdater)

// WithActivitySpacing sets the minimum time between activity-driven writes.
func WithActivitySpacing(d time.Duration) HeartbeatOption {
	return func(h *HeartbeatUpdater) { h.minSpacing = d }
}

// WithHeartbeatClock overrides the clock used for throttling.
func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *HeartbeatUpdater) { h.now = now }
}

// NewHeartbeatUpdater creates an updater for one session of userID.
func NewHeartbeatUpdater(
	store domain.SessionRecordStore,
	userID, sessionID string,
	onFenced func(error),
	logger log.Logger,
	opts ...HeartbeatOption,
) *HeartbeatUpdater {
	h := &HeartbeatUpdater{
		store:      store,
		userID:     userID,
		sessionID:  sessionID,
		onFenced:   onFenced,
		logger:     logger.With(log.Fields{"user_id": userID, "session_id": sessionID}),
		minSpacing: 30 * time.Second,
		now:        time.Now,
	}
	h.stopCtx, h.stopFn = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Beat performs one synchronous activity write.
func (h *HeartbeatUpdater) Beat(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return domain.ErrNotActive
	}
	h.lastWrite = h.now()
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.stopCtx, cancel)
	defer stop()

	err := h.store.MergeActivity(ctx, h.userID, h.sessionID)
	switch {
	case err == nil:
		metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
		h.logger.Debug(ctx, "Heartbeat written")
	case errors.Is(err, domain.ErrStaleSession):
		metrics.HeartbeatsTotal.WithLabelValues("fenced").Inc()
		h.logger.Warn(ctx, "Heartbeat rejected, session superseded")
		h.fenced.Do(func() {
			if h.onFenced != nil {
				h.onFenced(err)
			}
		})
	case h.isStopped() && errors.Is(err, context.Canceled):
		// torn down mid-write
	default:
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		h.logger.Error(ctx, "Heartbeat write failed", err)
	}
	return err
}

// Tick writes a heartbeat in the background.
func (h *HeartbeatUpdater) Tick(ctx context.Context) {
	if h.isStopped() {
		return
	}
	go func() { _ = h.Beat(ctx) }()
}

// Activity records user activity, writing at most once per spacing window.
// It reports whether a write was started.
func (h *HeartbeatUpdater) Activity(ctx context.Context) bool {
	h.mu.Lock()
	due := !h.stopped && (h.lastWrite.IsZero() || h.now().Sub(h.lastWrite) >= h.minSpacing)
	if due {
		h.lastWrite = h.now()
	}
	h.mu.Unlock()
	if !due {
		return false
	}
	h.Tick(ctx)
	return true
}

// Run ticks every interval until ctx is done or Stop is called.
func (h *HeartbeatUpdater) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCtx.Done():
			return
		case <-ticker.C:
			_ = h.Beat(ctx)
		}
	}
}

// Stop ends the updater. Writes already in flight are cancelled and no new
// write starts afterwards. Stop is idempotent.
func (h *HeartbeatUpdater) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.stopFn()
}

func (h *HeartbeatUpdater) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
