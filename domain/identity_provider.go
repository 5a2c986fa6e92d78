package domain

import "context"

// Credentials are passed through to the identity provider untouched.
type Credentials struct {
	Username string
	Password string
}

// IdentityProvider authenticates users. The arbitrator only reacts to its
// success.
type IdentityProvider interface {
	Login(ctx context.Context, creds Credentials) (userID string, err error)
	SignOut(ctx context.Context) error
}

// NavigationPort performs the user-visible sign-out once a session ends.
type NavigationPort interface {
	ForceSignOutAndRedirect(ctx context.Context, t Termination)
}
