package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/domain/recordstoretest"
)

// Integration tests are enabled when TEST_POSTGRES_DSN is set.

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 16)
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	defer pool.Close()
	require.NoError(t, EnsureSchema(ctx, pool))
	require.NoError(t, EnsureSchema(ctx, pool), "schema creation is idempotent")

	store := NewStore(pool)
	recordstoretest.RunRecordStoreTests(t, func(t *testing.T) domain.RecordBackend {
		return store
	})
}

func TestNotificationPayload(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := notification{UserID: "u1", Version: 3, Record: &domain.SessionRecord{UserID: "u1", SessionID: "S1", LoginTime: at, Version: 3}}

	raw, err := jsonRoundTrip(n)
	require.NoError(t, err)
	assert.Equal(t, "S1", raw.Record.SessionID)
	assert.Equal(t, at, raw.Record.LoginTime)

	deleted, err := jsonRoundTrip(notification{UserID: "u1", Version: 4})
	require.NoError(t, err)
	assert.Nil(t, deleted.Record)
	assert.Equal(t, int64(4), deleted.Version)
}

func TestNotificationSnapshot_CarriesDeleteVersion(t *testing.T) {
	deleted := notification{UserID: "u1", Version: 7}.snapshot()
	assert.False(t, deleted.Exists())
	assert.Equal(t, int64(7), deleted.StoreVersion())

	live := notification{UserID: "u1", Version: 8, Record: &domain.SessionRecord{UserID: "u1", Version: 8}}.snapshot()
	assert.True(t, live.Exists())
	assert.Equal(t, int64(8), live.StoreVersion())
}

func jsonRoundTrip(n notification) (notification, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return notification{}, err
	}
	var out notification
	err = json.Unmarshal(b, &out)
	return out, err
}
