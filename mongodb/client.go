package mongodb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

var (
	mu             sync.Mutex
	clientInstance *mongo.Client
	dbInstance     *mongo.Database
)

// ErrNotInitialized is returned when the client is used before InitMongoDB.
var ErrNotInitialized = errors.New("mongodb client is not initialized, call InitMongoDB first")

// InitMongoDB connects the shared MongoDB client and selects dbName. It is a
// no-op once a client is connected. Change streams require a replica set or
// sharded cluster.
func InitMongoDB(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	mu.Lock()
	defer mu.Unlock()
	if dbInstance != nil {
		return dbInstance, nil
	}

	log.Info().Str("db", dbName).Msg("Initializing MongoDB client")
	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)
	clientOptions.SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to MongoDB")
		return nil, err
	}

	// Ping the primary to verify connection.
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		log.Error().Err(err).Msg("Failed to ping MongoDB primary")
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	clientInstance = client
	dbInstance = client.Database(dbName)
	log.Info().Msg("MongoDB client initialized successfully.")
	return dbInstance, nil
}

// GetDB returns the database selected by InitMongoDB.
func GetDB() (*mongo.Database, error) {
	mu.Lock()
	defer mu.Unlock()
	if dbInstance == nil {
		return nil, ErrNotInitialized
	}
	return dbInstance, nil
}

// Ping sends a ping to the MongoDB server using the shared client.
// This is useful for health checks.
func Ping(ctx context.Context) error {
	mu.Lock()
	client := clientInstance
	mu.Unlock()
	if client == nil {
		return ErrNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary())
}

// CloseMongoDB disconnects the shared client.
// It should be called on application shutdown.
func CloseMongoDB(ctx context.Context) {
	mu.Lock()
	client := clientInstance
	clientInstance, dbInstance = nil, nil
	mu.Unlock()

	if client != nil {
		log.Info().Msg("Closing MongoDB connection.")
		if err := client.Disconnect(ctx); err != nil {
			log.Error().Err(err).Msg("Error closing MongoDB connection")
		}
	}
}
