// Package redis implements the session record store on Redis. Each record
// is a hash written only through Lua scripts, so a conditional check and the
// write it guards are atomic. Every write publishes the new state on a
// per-user channel, which backs subscriptions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/sessionguard/domain"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SGUARD_REDIS_KEY_PREFIX
	KeyPrefix string `env:"SGUARD_REDIS_KEY_PREFIX,default=sguard:"`
}

// RecordStore implements domain.RecordBackend using Redis.
type RecordStore struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRecordStore(cl, cfg.KeyPrefix), nil
}

// NewFromEnv builds a store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*RecordStore, error) {
	var cfg Config
	// Defaults come from the struct tags; a decode error only means nothing
	// was set in the environment.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// NewRecordStore wraps an existing client.
func NewRecordStore(client *redis.Client, prefix string) *RecordStore {
	if prefix == "" {
		prefix = "sguard:"
	}
	return &RecordStore{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *RecordStore) Close() error { return s.client.Close() }

// Ping checks the connection.
func (s *RecordStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// --- Key helpers ---

func (s *RecordStore) recordKey(userID string) string  { return s.prefix + "record:" + userID }
func (s *RecordStore) versionKey(userID string) string { return s.prefix + "version:" + userID }
func (s *RecordStore) activityKey() string             { return s.prefix + "activity" }
func (s *RecordStore) channelKey(userID string) string { return s.prefix + "events:" + userID }

func (s *RecordStore) keys(userID string) []string {
	return []string{s.recordKey(userID), s.versionKey(userID), s.activityKey(), s.channelKey(userID)}
}

// Put implements domain.SessionRecordStore.Put.
func (s *RecordStore) Put(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.UserID == "" || rec.SessionID == "" {
		return domain.ErrInvalidArgument
	}
	body, err := putScript.Run(ctx, s.client, s.keys(rec.UserID),
		rec.UserID, rec.SessionID, rec.DeviceID, rec.DeviceInfo, rec.BrowserInfo, rec.OSInfo).Text()
	if err != nil {
		return fmt.Errorf("failed to put session record: %w", err)
	}
	stored, _, err := decodeEvent(body)
	if err != nil {
		return err
	}
	*rec = *stored
	return nil
}

// MergeActivity implements domain.SessionRecordStore.MergeActivity.
func (s *RecordStore) MergeActivity(ctx context.Context, userID, sessionID string) error {
	n, err := mergeScript.Run(ctx, s.client, s.keys(userID), userID, sessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to merge activity: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleSession
	}
	return nil
}

// Get implements domain.SessionRecordStore.Get.
func (s *RecordStore) Get(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrRecordNotFound
	}
	return decodeRecord(fields)
}

// Delete implements domain.SessionRecordStore.Delete.
func (s *RecordStore) Delete(ctx context.Context, userID, sessionID string) error {
	n, err := deleteScript.Run(ctx, s.client, s.keys(userID), userID, sessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	switch n {
	case -1:
		return domain.ErrRecordNotFound
	case 0:
		return domain.ErrStaleSession
	}
	return nil
}

// Revoke implements domain.AdminStore.Revoke.
func (s *RecordStore) Revoke(ctx context.Context, userID, reason string) (*domain.SessionRecord, error) {
	body, err := revokeScript.Run(ctx, s.client, s.keys(userID), userID, reason).Text()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session record: %w", err)
	}
	rec, _, err := decodeEvent(body)
	return rec, err
}

// DeleteInactiveSince implements domain.AdminStore.DeleteInactiveSince.
func (s *RecordStore) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	micros := strconv.FormatInt(cutoff.UnixMicro(), 10)
	userIDs, err := s.client.ZRangeByScore(ctx, s.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + micros,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list idle session records: %w", err)
	}

	var removed int64
	for _, userID := range userIDs {
		n, err := sweepScript.Run(ctx, s.client, s.keys(userID), userID, micros).Int64()
		if err != nil {
			return removed, fmt.Errorf("failed to sweep session record %s: %w", userID, err)
		}
		removed += n
	}
	return removed, nil
}

// Subscribe implements domain.RecordSubscriber.Subscribe. The channel is
// joined before the initial read and every event carries the record's
// version, so events already covered by the read are skipped.
func (s *RecordStore) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := s.client.Subscribe(ctx, s.channelKey(userID))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to session record: %w", err)
	}

	rec, version, err := s.snapshot(ctx, userID)
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	go func() {
		defer ps.Close()
		if ctx.Err() != nil {
			return
		}
		handler(snapshotOf(userID, rec, version), nil)

		last := version
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("user_id", userID).Msg("Redis record subscription failed")
				handler(domain.Snapshot{UserID: userID}, fmt.Errorf("%w: %v", domain.ErrSubscriptionClosed, err))
				return
			}
			rec, v, err := decodeEvent(msg.Payload)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Dropping undecodable record event")
				continue
			}
			if v <= last {
				continue
			}
			last = v
			if ctx.Err() != nil {
				return
			}
			handler(snapshotOf(userID, rec, v), nil)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// snapshot reads the record together with the version counter.
func (s *RecordStore) snapshot(ctx context.Context, userID string) (*domain.SessionRecord, int64, error) {
	var (
		fields  *redis.MapStringStringCmd
		version *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, s.recordKey(userID))
		version = p.Get(ctx, s.versionKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("failed to read session record: %w", err)
	}

	var v int64
	if version.Err() == nil {
		if v, err = version.Int64(); err != nil {
			return nil, 0, fmt.Errorf("invalid version counter: %w", err)
		}
	}
	if len(fields.Val()) == 0 {
		return nil, v, nil
	}
	rec, err := decodeRecord(fields.Val())
	if err != nil {
		return nil, 0, err
	}
	return rec, v, nil
}

var _ domain.RecordBackend = (*RecordStore)(nil)
