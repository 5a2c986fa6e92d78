package echo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/dto"
	apierrors "go.pilab.hu/sessionguard/errors"
	"go.pilab.hu/sessionguard/internal/audit"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/memstore"
	"go.pilab.hu/sessionguard/services"
)

const testKey = "test-key"

type fixture struct {
	store *memstore.Store
	e     *echo.Echo
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	audit.SetOutput(io.Discard)

	store := memstore.New()
	logger := log.NewNopLogger()
	override := services.NewAdminOverride(store, logger)
	sweeper := services.NewStaleRecordSweeper(store, time.Hour, logger)

	opts = append([]Option{WithSweeper(sweeper), WithGatherer(prometheus.NewRegistry())}, opts...)
	api := NewAdminAPI(override, map[string]string{testKey: "ops@example.com"}, logger, opts...)
	return &fixture{store: store, e: api.NewServer("/metrics")}
}

func (f *fixture) do(method, path, body, key string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if key != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, userID, sessionID string) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), &domain.SessionRecord{
		UserID: userID, SessionID: sessionID, DeviceID: "dev-" + sessionID,
	}))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierrors.APIError {
	t.Helper()
	var body apierrors.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	down := newFixture(t, WithPinger(func(context.Context) error { return errors.New("no route") }))
	rec = down.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", "S1")

	rec := f.do(http.MethodGet, "/api/v1/sessions/user-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/sessions/user-1", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apierrors.Unauthorized, decodeError(t, rec).Code)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", "S1")

	rec := f.do(http.MethodGet, "/api/v1/sessions/user-1", "", testKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var body dto.SessionRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "S1", body.SessionID)
	assert.True(t, body.IsActive)

	rec = f.do(http.MethodGet, "/api/v1/sessions/nobody", "", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierrors.NotFound, decodeError(t, rec).Code)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", "S2")

	rec := f.do(http.MethodPost, "/api/v1/sessions/user-1/revoke", `{"reason":"policy violation"}`, testKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body dto.SessionRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "S2", body.SessionID)
	assert.False(t, body.IsActive)
	assert.Equal(t, "policy violation", body.TerminatedReason)

	stored, err := f.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestRevokeValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "user-1", "S1")

	rec := f.do(http.MethodPost, "/api/v1/sessions/user-1/revoke", `{"reason":"  "}`, testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/user-1/revoke", `{"reason":`, testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/nobody/revoke", `{"reason":"x"}`, testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweep(t *testing.T) {
	now := time.Now()
	store := memstore.New(memstore.WithClock(func() time.Time { return now.Add(-2 * time.Hour) }))
	require.NoError(t, store.Put(context.Background(), &domain.SessionRecord{UserID: "old", SessionID: "S1"}))

	logger := log.NewNopLogger()
	api := NewAdminAPI(services.NewAdminOverride(store, logger), map[string]string{testKey: "ops"}, logger,
		WithSweeper(services.NewStaleRecordSweeper(store, time.Hour, logger)),
		WithGatherer(prometheus.NewRegistry()))
	f := &fixture{store: store, e: api.NewServer("")}

	rec := f.do(http.MethodPost, "/api/v1/sweeps", "", testKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body dto.SweepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Removed)
	assert.Equal(t, time.Hour, body.Retention)
}

func TestSweepDisabled(t *testing.T) {
	logger := log.NewNopLogger()
	api := NewAdminAPI(services.NewAdminOverride(memstore.New(), logger), map[string]string{testKey: "ops"}, logger)
	f := &fixture{e: api.NewServer("")}

	rec := f.do(http.MethodPost, "/api/v1/sweeps", "", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
