package client

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiecho "go.pilab.hu/sessionguard/api/echo"
	"go.pilab.hu/sessionguard/domain"
	apierrors "go.pilab.hu/sessionguard/errors"
	"go.pilab.hu/sessionguard/internal/audit"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/memstore"
	"go.pilab.hu/sessionguard/services"
)

func newServer(t *testing.T) (*memstore.Store, *httptest.Server) {
	t.Helper()
	audit.SetOutput(io.Discard)

	store := memstore.New()
	logger := log.NewNopLogger()
	api := apiecho.NewAdminAPI(services.NewAdminOverride(store, logger), map[string]string{"k": "ops"}, logger,
		apiecho.WithSweeper(services.NewStaleRecordSweeper(store, time.Hour, logger)),
		apiecho.WithGatherer(prometheus.NewRegistry()))
	srv := httptest.NewServer(api.NewServer(""))
	t.Cleanup(srv.Close)
	return store, srv
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, srv := newServer(t)
	require.NoError(t, store.Put(ctx, &domain.SessionRecord{UserID: "user-1", SessionID: "S1"}))

	c, err := New(srv.URL+"/", "k")
	require.NoError(t, err)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	got, err := c.GetSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.SessionID)
	assert.True(t, got.IsActive)

	revoked, err := c.Revoke(ctx, "user-1", "lost laptop")
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	assert.Equal(t, "lost laptop", revoked.TerminatedReason)

	swept, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept.Removed)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t)

	c, err := New(srv.URL, "k")
	require.NoError(t, err)
	_, err = c.GetSession(ctx, "nobody")
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.NotFound, apiErr.Code)

	anon, err := New(srv.URL, "")
	require.NoError(t, err)
	_, err = anon.Revoke(ctx, "nobody", "x")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.Unauthorized, apiErr.Code)

	_, err = New("", "k")
	assert.Error(t, err)
}
