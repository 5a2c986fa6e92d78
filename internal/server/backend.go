package server

import (
	"context"
	"fmt"

	"go.pilab.hu/sessionguard/cache/redis"
	"go.pilab.hu/sessionguard/config"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/memstore"
	"go.pilab.hu/sessionguard/mongodb"
	"go.pilab.hu/sessionguard/postgres"
)

// Backend is an opened session record store with its lifecycle hooks.
type Backend struct {
	Name  string
	Store domain.RecordBackend
	Ping  func(ctx context.Context) error
	Close func(ctx context.Context) error
}

func noop(context.Context) error { return nil }

// OpenBackend connects to the configured store.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return &Backend{Name: config.BackendMemory, Store: memstore.New(), Ping: noop, Close: noop}, nil

	case config.BackendMongo:
		db, err := mongodb.InitMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		store, err := mongodb.NewSessionRecordStore(ctx, db)
		if err != nil {
			mongodb.CloseMongoDB(ctx)
			return nil, err
		}
		return &Backend{
			Name:  config.BackendMongo,
			Store: store,
			Ping:  mongodb.Ping,
			Close: func(ctx context.Context) error {
				mongodb.CloseMongoDB(ctx)
				return nil
			},
		}, nil

	case config.BackendRedis:
		store, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{
			Name:  config.BackendRedis,
			Store: store,
			Ping:  store.Ping,
			Close: func(context.Context) error { return store.Close() },
		}, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &Backend{
			Name:  config.BackendPostgres,
			Store: postgres.NewStore(pool),
			Ping:  pool.Ping,
			Close: func(context.Context) error {
				pool.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
