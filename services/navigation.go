package services

import (
	"context"
	"sync"

	"go.pilab.hu/sessionguard/domain"
)

// FuncNavigator adapts a plain function to domain.NavigationPort.
type FuncNavigator func(ctx context.Context, t domain.Termination)

// ForceSignOutAndRedirect implements domain.NavigationPort.
func (f FuncNavigator) ForceSignOutAndRedirect(ctx context.Context, t domain.Termination) {
	f(ctx, t)
}

// OnceNavigator forwards only the first sign-out to the wrapped port.
type OnceNavigator struct {
	next domain.NavigationPort
	once sync.Once
}

// NewOnceNavigator wraps next so that it runs at most once.
func NewOnceNavigator(next domain.NavigationPort) *OnceNavigator {
	return &OnceNavigator{next: next}
}

// ForceSignOutAndRedirect implements domain.NavigationPort.
func (n *OnceNavigator) ForceSignOutAndRedirect(ctx context.Context, t domain.Termination) {
	n.once.Do(func() {
		n.next.ForceSignOutAndRedirect(ctx, t)
	})
}

var (
	_ domain.NavigationPort = FuncNavigator(nil)
	_ domain.NavigationPort = (*OnceNavigator)(nil)
)
