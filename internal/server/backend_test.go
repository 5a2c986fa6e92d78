package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/config"
	"go.pilab.hu/sessionguard/domain"
)

func TestOpenBackendMemory(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBackend(ctx, config.StoreConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer func() { _ = b.Close(ctx) }()

	assert.Equal(t, config.BackendMemory, b.Name)
	require.NoError(t, b.Ping(ctx))

	rec := &domain.SessionRecord{UserID: "u1", SessionID: "S1"}
	require.NoError(t, b.Store.Put(ctx, rec))
	got, err := b.Store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.SessionID)
}

func TestOpenBackendUnknown(t *testing.T) {
	_, err := OpenBackend(context.Background(), config.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(config.ServerConfig{Addr: ":9999"}, nil)
	assert.Equal(t, ":9999", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
