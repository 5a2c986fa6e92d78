package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiecho "go.pilab.hu/sessionguard/api/echo"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/dto"
	"go.pilab.hu/sessionguard/internal/audit"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/memstore"
	"go.pilab.hu/sessionguard/services"
	"gopkg.in/yaml.v3"
)

func startAPI(t *testing.T) (*memstore.Store, string) {
	t.Helper()
	audit.SetOutput(io.Discard)

	store := memstore.New()
	logger := log.NewNopLogger()
	api := apiecho.NewAdminAPI(services.NewAdminOverride(store, logger), map[string]string{"op-key": "ops"}, logger,
		apiecho.WithSweeper(services.NewStaleRecordSweeper(store, time.Hour, logger)),
		apiecho.WithGatherer(prometheus.NewRegistry()))
	srv := httptest.NewServer(api.NewServer(""))
	t.Cleanup(srv.Close)
	return store, srv.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	output = "yaml"
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionGetAndRevoke(t *testing.T) {
	store, url := startAPI(t)
	require.NoError(t, store.Put(context.Background(), &domain.SessionRecord{UserID: "user-1", SessionID: "S1"}))

	out, err := runCLI(t, "session", "get", "user-1", "--endpoint", url, "--api-key", "op-key")
	require.NoError(t, err)
	var rec dto.SessionRecordResponse
	require.NoError(t, yaml.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "S1", rec.SessionID)

	out, err = runCLI(t, "session", "revoke", "user-1", "-r", "policy violation", "-o", "json",
		"--endpoint", url, "--api-key", "op-key")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.False(t, rec.IsActive)
	assert.Equal(t, "policy violation", rec.TerminatedReason)
}

func TestSessionRevokeRequiresReason(t *testing.T) {
	_, url := startAPI(t)
	_, err := runCLI(t, "session", "revoke", "user-1", "--endpoint", url, "--api-key", "op-key")
	assert.ErrorContains(t, err, "--reason")
}

func TestSweepAndHealth(t *testing.T) {
	_, url := startAPI(t)

	out, err := runCLI(t, "sweep", "--endpoint", url, "--api-key", "op-key")
	require.NoError(t, err)
	assert.Contains(t, out, "removed: 0")

	out, err = runCLI(t, "health", "--endpoint", url)
	require.NoError(t, err)
	assert.Contains(t, out, "status: ok")
}

func TestUnauthorized(t *testing.T) {
	_, url := startAPI(t)
	_, err := runCLI(t, "session", "get", "user-1", "--endpoint", url, "--api-key", "bad")
	assert.ErrorContains(t, err, "unauthorized")
}
