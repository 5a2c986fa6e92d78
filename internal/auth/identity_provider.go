package auth

import (
	"context"
	"fmt"
	"sync"

	"go.pilab.hu/sessionguard/domain"
)

// Account is one statically configured user.
type Account struct {
	UserID       string `mapstructure:"user_id" yaml:"user_id"`
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
}

// StaticIdentityProvider authenticates against a fixed set of bcrypt hashed
// accounts. Agents and tests use it in place of a real identity service.
type StaticIdentityProvider struct {
	hasher *BcryptPasswordHasher

	mu       sync.RWMutex
	accounts map[string]Account
	signedIn string
}

// NewStaticIdentityProvider indexes accounts by username.
func NewStaticIdentityProvider(hasher *BcryptPasswordHasher, accounts ...Account) (*StaticIdentityProvider, error) {
	if hasher == nil {
		hasher = NewBcryptPasswordHasher(0)
	}
	p := &StaticIdentityProvider{
		hasher:   hasher,
		accounts: make(map[string]Account, len(accounts)),
	}
	for _, a := range accounts {
		if err := p.Add(a); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add registers or replaces an account.
func (p *StaticIdentityProvider) Add(a Account) error {
	if a.Username == "" || a.UserID == "" || a.PasswordHash == "" {
		return fmt.Errorf("%w: account needs user id, username and password hash", domain.ErrInvalidArgument)
	}
	if err := p.hasher.CheckHash(a.PasswordHash); err != nil {
		return fmt.Errorf("account %q: %w", a.Username, err)
	}

	p.mu.Lock()
	p.accounts[a.Username] = a
	p.mu.Unlock()
	return nil
}

// Register hashes password and adds the account.
func (p *StaticIdentityProvider) Register(userID, username, password string) error {
	hash, err := p.hasher.Hash(password)
	if err != nil {
		return err
	}
	return p.Add(Account{UserID: userID, Username: username, PasswordHash: hash})
}

// Login implements domain.IdentityProvider.
func (p *StaticIdentityProvider) Login(_ context.Context, creds domain.Credentials) (string, error) {
	p.mu.RLock()
	acc, ok := p.accounts[creds.Username]
	p.mu.RUnlock()
	if !ok {
		return "", domain.ErrInvalidCredentials
	}

	if err := p.hasher.Verify(acc.PasswordHash, creds.Password); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.signedIn = acc.UserID
	p.mu.Unlock()
	return acc.UserID, nil
}

// SignOut implements domain.IdentityProvider.
func (p *StaticIdentityProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.signedIn = ""
	p.mu.Unlock()
	return nil
}

// SignedIn returns the user id of the current identity, if any.
func (p *StaticIdentityProvider) SignedIn() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signedIn
}

var _ domain.IdentityProvider = (*StaticIdentityProvider)(nil)
