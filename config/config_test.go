package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/services"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessionguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, 720*time.Hour, cfg.Sweeper.Retention)
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval)

	arb, err := cfg.Arbitrator.Services()
	require.NoError(t, err)
	assert.Equal(t, services.DefaultArbitratorConfig(), arb)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  redis:
    addr: cache:6379
server:
  api_keys:
    k1: alice
arbitrator:
  failure_policy: resubscribe
  resubscribe_attempts: 5
agent:
  accounts:
    - user_id: u-1
      username: alice
      password_hash: "$2a$04$abcdefghijklmnopqrstuuQ9yrmpWnUKhZ1ZZX8rxM3XWT7GaC1/e"
`)
	t.Setenv("SGUARD_ARBITRATOR_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("SGUARD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "alice", cfg.Server.APIKeys["k1"])
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Agent.Accounts, 1)
	assert.Equal(t, "u-1", cfg.Agent.Accounts[0].UserID)

	arb, err := cfg.Arbitrator.Services()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, arb.HeartbeatInterval)
	assert.Equal(t, services.FailurePolicyResubscribe, arb.FailurePolicy)
	assert.Equal(t, 5, arb.ResubscribeAttempts)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"bad failure policy", "arbitrator:\n  failure_policy: retry-forever\n"},
		{"zero sweep interval", "sweeper:\n  interval: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "store: [unterminated\n"))
	assert.Error(t, err)
}

func TestWatchAppliesLogLevel(t *testing.T) {
	t.Cleanup(func() { log.SetLevel(zerolog.TraceLevel) })

	path := writeConfig(t, "log:\n  level: info\n")
	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	log.SetLevel(log.ParseLevel(cfg.Log.Level))
	var buf bytes.Buffer
	logger := log.FromZerolog(zerolog.New(&buf))
	ctx := context.Background()

	reloaded := make(chan string, 8)
	loader.Watch(func(next *Config) {
		log.SetLevel(log.ParseLevel(next.Log.Level))
		select {
		case reloaded <- next.Log.Level:
		default:
		}
	}, func(error) {})

	logger.Debug(ctx, "before reload")
	assert.Zero(t, buf.Len())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	// a rewrite can surface as several events, the first on a truncated file
	deadline := time.After(5 * time.Second)
	for level := ""; level != "debug"; {
		select {
		case level = <-reloaded:
		case <-deadline:
			t.Fatal("configuration change was not picked up")
		}
	}

	logger.Debug(ctx, "after reload")
	assert.Contains(t, buf.String(), "after reload")
	assert.NotContains(t, buf.String(), "before reload")
}
