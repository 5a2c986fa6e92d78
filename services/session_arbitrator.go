package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.pilab.hu/sessionguard/cache"
	"go.pilab.hu/sessionguard/device"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/metrics"
	"go.pilab.hu/sessionguard/internal/telemetry"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/tracing"
)

// State is the arbitrator's lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FailurePolicy decides what happens when the record subscription fails.
type FailurePolicy int

const (
	// FailurePolicyTerminate treats channel loss as a fencing violation.
	FailurePolicyTerminate FailurePolicy = iota
	// FailurePolicyResubscribe reopens the subscription and re-checks the
	// fresh initial snapshot before trusting the session again.
	FailurePolicyResubscribe
)

// ParseFailurePolicy maps a configuration value to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "terminate":
		return FailurePolicyTerminate, nil
	case "resubscribe":
		return FailurePolicyResubscribe, nil
	default:
		return FailurePolicyTerminate, fmt.Errorf("%w: unknown subscription failure policy %q", domain.ErrInvalidArgument, s)
	}
}

// ArbitratorConfig tunes a SessionArbitrator.
type ArbitratorConfig struct {
	// HeartbeatInterval is the periodic heartbeat spacing. Zero disables the
	// periodic loop; Activity still writes.
	HeartbeatInterval time.Duration
	// ActivitySpacing throttles activity-driven heartbeats.
	ActivitySpacing     time.Duration
	FailurePolicy       FailurePolicy
	ResubscribeAttempts int
	ResubscribeBackoff  time.Duration
	// LookupTimeout bounds the read used to explain a rejected heartbeat.
	LookupTimeout time.Duration
}

// DefaultArbitratorConfig returns the production defaults.
func DefaultArbitratorConfig() ArbitratorConfig {
	return ArbitratorConfig{
		HeartbeatInterval:   time.Minute,
		ActivitySpacing:     30 * time.Second,
		FailurePolicy:       FailurePolicyTerminate,
		ResubscribeAttempts: 3,
		ResubscribeBackoff:  time.Second,
		LookupTimeout:       2 * time.Second,
	}
}

// ArbitratorOption configures a SessionArbitrator.
type ArbitratorOption func(*SessionArbitrator)

// WithArbitratorConfig replaces the default configuration.
func WithArbitratorConfig(cfg ArbitratorConfig) ArbitratorOption {
	return func(a *SessionArbitrator) { a.cfg = cfg }
}

// WithSubscriber routes record subscriptions through sub, typically a
// SubscriptionMux shared by several consumers.
func WithSubscriber(sub domain.RecordSubscriber) ArbitratorOption {
	return func(a *SessionArbitrator) { a.subscriber = sub }
}

// WithSessionIDGenerator overrides session id minting.
func WithSessionIDGenerator(gen func() string) ArbitratorOption {
	return func(a *SessionArbitrator) { a.newSessionID = gen }
}

// SessionArbitrator enforces a single live session per user for one client
// instance. It writes the user's record at login, then watches it and signs
// the client out as soon as the record stops naming its session.
type SessionArbitrator struct {
	store      domain.SessionRecordStore
	subscriber domain.RecordSubscriber
	idp        domain.IdentityProvider
	devices    device.Provider
	instance   cache.InstanceStore
	nav        domain.NavigationPort
	logger     log.Logger

	cfg          ArbitratorConfig
	newSessionID func() string

	// login serialises Login, Logout and Close.
	login sync.Mutex

	mu          sync.Mutex
	state       State
	current     *activeSession
	termination *domain.Termination
}

// activeSession is everything owned by one successful login.
type activeSession struct {
	userID    string
	sessionID string
	deviceID  string
	// version is the store version of the login write.
	version int64

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by SessionArbitrator.mu
	unsubscribe domain.CancelFunc
	heartbeat   *HeartbeatUpdater
	ended       bool
	// armed is set once a delivery at or past version has been seen.
	// Earlier deliveries may predate the login write and are ignored.
	armed bool

	done chan struct{}
}

// NewSessionArbitrator creates an arbitrator in the Unauthenticated state.
func NewSessionArbitrator(
	store domain.SessionRecordStore,
	idp domain.IdentityProvider,
	devices device.Provider,
	instance cache.InstanceStore,
	nav domain.NavigationPort,
	logger log.Logger,
	opts ...ArbitratorOption,
) *SessionArbitrator {
	a := &SessionArbitrator{
		store:        store,
		subscriber:   store,
		idp:          idp,
		devices:      devices,
		instance:     instance,
		nav:          nav,
		logger:       logger,
		cfg:          DefaultArbitratorConfig(),
		newSessionID: func() string { return ulid.Make().String() },
		state:        StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current state.
func (a *SessionArbitrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID returns the locally held session id while Active.
func (a *SessionArbitrator) SessionID() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateActive || a.current == nil {
		return "", false
	}
	return a.current.sessionID, true
}

// Termination returns why the last session ended.
func (a *SessionArbitrator) Termination() (domain.Termination, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.termination == nil {
		return domain.Termination{}, false
	}
	return *a.termination, true
}

// Done returns a channel closed when the current session ends. It returns a
// closed channel when no session is active.
func (a *SessionArbitrator) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.current.done
}

// Heartbeat returns the running heartbeat updater, if any.
func (a *SessionArbitrator) Heartbeat() *HeartbeatUpdater {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.current.heartbeat
}

// Activity forwards observed user activity to the heartbeat. The write runs
// on the session's context, so it outlives the request that reported it;
// only the trace of ctx is carried over.
func (a *SessionArbitrator) Activity(ctx context.Context) {
	a.mu.Lock()
	s := a.current
	var hb *HeartbeatUpdater
	if s != nil {
		hb = s.heartbeat
	}
	a.mu.Unlock()
	if hb == nil {
		return
	}
	hb.Activity(trace.ContextWithSpanContext(s.ctx, trace.SpanContextFromContext(ctx)))
}

// Login authenticates with the identity provider and makes this instance
// the user's authoritative session. On error no record of this login is
// left behind and the arbitrator is not Active. A login superseded before its
// subscription delivered the first snapshot returns nil and ends Terminated.
func (a *SessionArbitrator) Login(ctx context.Context, creds domain.Credentials) (err error) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "SessionArbitrator.Login")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.ObserveLogin(ctx, start, outcome)
		span.End()
	}()

	a.login.Lock()
	defer a.login.Unlock()

	if a.State() == StateActive {
		return domain.ErrAlreadyActive
	}

	userID, err := a.idp.Login(ctx, creds)
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("auth_failed").Inc()
		return fmt.Errorf("authenticate: %w", err)
	}

	deviceID := a.devices.Issue(true)
	meta := a.devices.Metadata()
	sessionID := a.newSessionID()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("session.id", sessionID),
	)
	logger := a.logger.With(log.Fields{"user_id": userID, "session_id": sessionID, "device_id": deviceID})

	rec := &domain.SessionRecord{
		UserID:      userID,
		SessionID:   sessionID,
		DeviceID:    deviceID,
		DeviceInfo:  meta.DeviceInfo,
		BrowserInfo: meta.BrowserInfo,
		OSInfo:      meta.OSInfo,
		IsActive:    true,
	}
	if err := a.store.Put(ctx, rec); err != nil {
		metrics.LoginsTotal.WithLabelValues("store_failed").Inc()
		logger.Error(ctx, "Failed to write session record", err)
		a.signOutQuietly(ctx)
		return fmt.Errorf("write session record: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &activeSession{
		userID:    userID,
		sessionID: sessionID,
		deviceID:  deviceID,
		version:   rec.Version,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	a.mu.Lock()
	a.state = StateActive
	a.current = s
	a.termination = nil
	a.mu.Unlock()
	a.instance.Set(cache.KeySessionID, sessionID)

	unsubscribe, err := a.subscriber.Subscribe(sctx, userID, a.snapshotHandler(s))
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("subscribe_failed").Inc()
		logger.Error(ctx, "Failed to subscribe to session record", err)
		a.abandon(ctx, s)
		return fmt.Errorf("subscribe to session record: %w", err)
	}

	hb := NewHeartbeatUpdater(a.store, userID, sessionID, a.heartbeatFenced(s), a.logger,
		WithActivitySpacing(a.cfg.ActivitySpacing))

	a.mu.Lock()
	if s.ended {
		// The initial snapshot already showed the session superseded.
		a.mu.Unlock()
		unsubscribe()
		metrics.LoginsTotal.WithLabelValues("superseded").Inc()
		return nil
	}
	s.unsubscribe = unsubscribe
	s.heartbeat = hb
	a.mu.Unlock()

	if a.cfg.HeartbeatInterval > 0 {
		go hb.Run(sctx, a.cfg.HeartbeatInterval)
	}

	metrics.LoginsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveSessionsGauge.Inc()
	logger.Info(ctx, "Session established")
	return nil
}

// Logout voluntarily ends the active session and frees the user's record.
func (a *SessionArbitrator) Logout(ctx context.Context) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "SessionArbitrator.Logout")
	defer span.End()

	a.login.Lock()
	defer a.login.Unlock()

	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil {
		return domain.ErrNotActive
	}

	t := domain.Termination{Reason: domain.ReasonUserInitiated}
	if !a.end(s, t) {
		return domain.ErrNotActive
	}

	// Only our own session may be removed. Someone else's record, or none,
	// means the slot is already free of us.
	if err := a.store.Delete(ctx, s.userID, s.sessionID); err != nil &&
		!errors.Is(err, domain.ErrStaleSession) && !errors.Is(err, domain.ErrRecordNotFound) {
		a.logger.Error(ctx, "Failed to delete session record on logout", err,
			log.Fields{"user_id": s.userID, "session_id": s.sessionID})
		span.RecordError(err)
		a.signOff(ctx, s, t)
		return fmt.Errorf("delete session record: %w", err)
	}

	a.signOff(ctx, s, t)
	return nil
}

// Close tears the instance down without signing the user out, as on process
// exit. The session id is discarded, so a restarted instance must log in
// again.
func (a *SessionArbitrator) Close() {
	a.login.Lock()
	defer a.login.Unlock()

	a.mu.Lock()
	s := a.current
	if s == nil || s.ended {
		a.mu.Unlock()
		return
	}
	s.ended = true
	a.state = StateUnauthenticated
	a.current = nil
	unsubscribe, hb := s.unsubscribe, s.heartbeat
	a.mu.Unlock()

	a.teardown(s, unsubscribe, hb)
	metrics.ActiveSessionsGauge.Dec()
}

func (a *SessionArbitrator) snapshotHandler(s *activeSession) domain.SnapshotHandler {
	return func(snap domain.Snapshot, err error) {
		if err != nil {
			a.subscriptionFailed(s, err)
			return
		}
		// Optimistic echoes of our own writes prove nothing.
		if snap.Pending || !a.arm(s, snap) {
			return
		}
		if snap.Record.Authorizes(s.sessionID) {
			return
		}
		a.terminate(s, classify(snap.Record, s.sessionID))
	}
}

// arm reports whether snap is recent enough to judge the session by. A
// shared subscription can replay a snapshot cached before the login write
// landed. Deletes carry their own version, so an absent record committed
// after the login arms like any other write.
func (a *SessionArbitrator) arm(s *activeSession, snap domain.Snapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.armed {
		return true
	}
	if snap.StoreVersion() < s.version {
		return false
	}
	s.armed = true
	return true
}

// classify names the reason a record no longer authorizes sessionID.
func classify(rec *domain.SessionRecord, sessionID string) domain.Termination {
	switch {
	case rec == nil:
		return domain.Termination{Reason: domain.ReasonRecordDeleted}
	case rec.SessionID != sessionID:
		return domain.Termination{Reason: domain.ReasonSignedInElsewhere}
	default:
		return domain.Termination{Reason: domain.ReasonRevoked, Detail: rec.TerminatedReason}
	}
}

func (a *SessionArbitrator) heartbeatFenced(s *activeSession) func(error) {
	return func(error) {
		t := domain.Termination{Reason: domain.ReasonStaleHeartbeat}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), a.cfg.LookupTimeout)
		defer cancel()
		rec, err := a.store.Get(ctx, s.userID)
		switch {
		case err == nil && !rec.Authorizes(s.sessionID):
			t = classify(rec, s.sessionID)
		case errors.Is(err, domain.ErrRecordNotFound):
			t = classify(nil, s.sessionID)
		}
		a.terminate(s, t)
	}
}

func (a *SessionArbitrator) subscriptionFailed(s *activeSession, err error) {
	metrics.SubscriptionFailuresTotal.Inc()
	a.logger.Error(s.ctx, "Session record subscription failed", err,
		log.Fields{"user_id": s.userID, "session_id": s.sessionID})

	if a.cfg.FailurePolicy != FailurePolicyResubscribe || a.cfg.ResubscribeAttempts <= 0 {
		a.terminate(s, domain.Termination{Reason: domain.ReasonSubscriptionLost})
		return
	}
	go a.resubscribe(s)
}

func (a *SessionArbitrator) resubscribe(s *activeSession) {
	for attempt := 1; attempt <= a.cfg.ResubscribeAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * a.cfg.ResubscribeBackoff):
		}

		unsubscribe, err := a.subscriber.Subscribe(s.ctx, s.userID, a.snapshotHandler(s))
		if err != nil {
			a.logger.Warn(s.ctx, "Resubscribe attempt failed", log.Fields{
				"user_id": s.userID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		a.mu.Lock()
		if s.ended {
			a.mu.Unlock()
			unsubscribe()
			return
		}
		s.unsubscribe = unsubscribe
		a.mu.Unlock()
		a.logger.Info(s.ctx, "Session record subscription restored", log.Fields{"user_id": s.userID, "attempt": attempt})
		return
	}
	a.terminate(s, domain.Termination{Reason: domain.ReasonSubscriptionLost})
}

// terminate ends s for a forced reason. Only the first call per session has
// any effect.
func (a *SessionArbitrator) terminate(s *activeSession, t domain.Termination) {
	if !a.end(s, t) {
		return
	}
	a.signOff(s.ctx, s, t)
}

// end moves s to Terminated and releases its subscription and heartbeat. It
// reports false when s had already ended.
func (a *SessionArbitrator) end(s *activeSession, t domain.Termination) bool {
	a.mu.Lock()
	if s.ended {
		a.mu.Unlock()
		return false
	}
	s.ended = true
	if a.current == s {
		a.state = StateTerminated
		a.termination = &t
	}
	unsubscribe, hb := s.unsubscribe, s.heartbeat
	a.mu.Unlock()

	a.teardown(s, unsubscribe, hb)
	metrics.TerminationsTotal.WithLabelValues(string(t.Reason)).Inc()
	if hb != nil {
		metrics.ActiveSessionsGauge.Dec()
	}
	a.logger.Info(s.ctx, "Session terminated", log.Fields{
		"user_id":    s.userID,
		"session_id": s.sessionID,
		"reason":     string(t.Reason),
		"detail":     t.Detail,
	})
	return true
}

func (a *SessionArbitrator) teardown(s *activeSession, unsubscribe domain.CancelFunc, hb *HeartbeatUpdater) {
	if hb != nil {
		hb.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	a.instance.Delete(cache.KeySessionID)
	s.cancel()
	close(s.done)
}

// signOff runs the user-visible part of a termination.
func (a *SessionArbitrator) signOff(ctx context.Context, s *activeSession, t domain.Termination) {
	ctx = context.WithoutCancel(ctx)
	a.signOutQuietly(ctx)
	a.nav.ForceSignOutAndRedirect(ctx, t)
}

// abandon rolls back a login whose record was written but could not be
// watched.
func (a *SessionArbitrator) abandon(ctx context.Context, s *activeSession) {
	a.mu.Lock()
	s.ended = true
	if a.current == s {
		a.state = StateUnauthenticated
		a.current = nil
	}
	a.mu.Unlock()
	a.teardown(s, nil, nil)

	if err := a.store.Delete(ctx, s.userID, s.sessionID); err != nil && !errors.Is(err, domain.ErrStaleSession) {
		a.logger.Warn(ctx, "Failed to roll back session record", log.Fields{"user_id": s.userID, "error": err.Error()})
	}
	a.signOutQuietly(ctx)
}

func (a *SessionArbitrator) signOutQuietly(ctx context.Context) {
	if err := a.idp.SignOut(ctx); err != nil {
		a.logger.Warn(ctx, "Identity provider sign-out failed", log.Fields{"error": err.Error()})
	}
}
