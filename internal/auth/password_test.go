package auth_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("password")
	require.NoError(t, err)
	assert.NoError(t, hasher.Verify(hash, "password"))
	assert.ErrorIs(t, hasher.Verify(hash, "other"), domain.ErrInvalidCredentials)
	assert.NoError(t, hasher.CheckHash(hash))
	assert.ErrorIs(t, hasher.CheckHash("password"), domain.ErrInvalidArgument)

	err = hasher.Verify("not-a-hash", "password")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidCredentials, "corrupt hashes are not a wrong password")

	t.Run("TestTooLongPassword", func(t *testing.T) {
		tooLongPass := make([]byte, 73)
		_, _ = rand.Read(tooLongPass)

		_, err := hasher.Hash(string(tooLongPass))
		assert.Error(t, err)
	})
}

func TestStaticIdentityProvider(t *testing.T) {
	ctx := context.Background()
	p, err := auth.NewStaticIdentityProvider(auth.NewBcryptPasswordHasher(bcrypt.MinCost))
	require.NoError(t, err)
	require.NoError(t, p.Register("u-1", "alice", "s3cret"))

	userID, err := p.Login(ctx, domain.Credentials{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)
	assert.Equal(t, "u-1", p.SignedIn())

	_, err = p.Login(ctx, domain.Credentials{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = p.Login(ctx, domain.Credentials{Username: "bob", Password: "s3cret"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	require.NoError(t, p.SignOut(ctx))
	assert.Empty(t, p.SignedIn())
}

func TestStaticIdentityProviderRejectsBadAccounts(t *testing.T) {
	_, err := auth.NewStaticIdentityProvider(nil, auth.Account{UserID: "u", Username: "a", PasswordHash: "plain"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = auth.NewStaticIdentityProvider(nil, auth.Account{Username: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
