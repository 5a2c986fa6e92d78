package auth

import (
	"errors"
	"fmt"

	"go.pilab.hu/sessionguard/domain"
	"golang.org/x/crypto/bcrypt"
)

// BcryptPasswordHasher produces and checks the password hashes stored in
// static agent accounts.
type BcryptPasswordHasher struct {
	Cost int
}

// NewBcryptPasswordHasher uses bcrypt.DefaultCost when cost <= 0.
func NewBcryptPasswordHasher(cost int) *BcryptPasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordHasher{Cost: cost}
}

// Hash turns a plain account password into the form kept in configuration.
func (h *BcryptPasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("hash account password: %w", err)
	}
	return string(hashed), nil
}

// Verify checks a login attempt against an account hash. A wrong password is
// reported as domain.ErrInvalidCredentials.
func (h *BcryptPasswordHasher) Verify(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return domain.ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("verify account password: %w", err)
	}
	return nil
}

// CheckHash rejects configured hashes that Verify could never match, such as
// plain text passwords pasted into the account list.
func (h *BcryptPasswordHasher) CheckHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("%w: not a bcrypt hash: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
