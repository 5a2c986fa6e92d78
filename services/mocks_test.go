package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.pilab.hu/sessionguard/domain"
)

// MockIdentityProvider is a testify mock of domain.IdentityProvider.
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) Login(ctx context.Context, creds domain.Credentials) (string, error) {
	args := m.Called(ctx, creds)
	return args.String(0), args.Error(1)
}

func (m *MockIdentityProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fixedIdentity authenticates every login as the same user.
type fixedIdentity struct {
	userID string

	mu       sync.Mutex
	signOuts int
}

func (f *fixedIdentity) Login(context.Context, domain.Credentials) (string, error) {
	return f.userID, nil
}

func (f *fixedIdentity) SignOut(context.Context) error {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
	return nil
}

// recordingNavigator records every sign-out it is asked to perform.
type recordingNavigator struct {
	mu    sync.Mutex
	calls []domain.Termination
}

func (n *recordingNavigator) ForceSignOutAndRedirect(_ context.Context, t domain.Termination) {
	n.mu.Lock()
	n.calls = append(n.calls, t)
	n.mu.Unlock()
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *recordingNavigator) last() domain.Termination {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return domain.Termination{}
	}
	return n.calls[len(n.calls)-1]
}

// manualSource is a RecordSubscriber driven explicitly by tests.
type manualSource struct {
	mu         sync.Mutex
	handlers   map[string][]domain.SnapshotHandler
	subscribes int
	cancels    int
	failWith   error
}

func newManualSource() *manualSource {
	return &manualSource{handlers: make(map[string][]domain.SnapshotHandler)}
}

func (s *manualSource) Subscribe(_ context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.subscribes++
	s.handlers[userID] = append(s.handlers[userID], handler)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.cancels++
			s.mu.Unlock()
		})
	}, nil
}

func (s *manualSource) emit(userID string, snap domain.Snapshot, err error) {
	s.mu.Lock()
	hs := append([]domain.SnapshotHandler(nil), s.handlers[userID]...)
	s.mu.Unlock()
	snap.UserID = userID
	for _, h := range hs {
		h(snap, err)
	}
}

func (s *manualSource) counts() (subscribes, cancels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.cancels
}

// snapshotSink collects deliveries from a subscription.
type snapshotSink struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
	errs  []error
}

func (s *snapshotSink) handle(snap domain.Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errs = append(s.errs, err)
		return
	}
	s.snaps = append(s.snaps, snap)
}

func (s *snapshotSink) versions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap.StoreVersion())
	}
	return out
}

func (s *snapshotSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func rec(sessionID string, version int64) *domain.SessionRecord {
	return &domain.SessionRecord{SessionID: sessionID, IsActive: true, Version: version}
}
