package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/sessionguard/domain"
)

// SessionRecordStore implements domain.RecordBackend using MongoDB. Writes
// rely on single-document atomicity and subscriptions on change streams.
//
// Deleting a record leaves a tombstone holding only the version, so a record
// recreated later keeps counting upwards instead of restarting at 1.
type SessionRecordStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewSessionRecordStore creates a new SessionRecordStore.
// It also ensures that necessary indexes are created on the collection.
func NewSessionRecordStore(ctx context.Context, db *mongo.Database) (*SessionRecordStore, error) {
	store := &SessionRecordStore{
		client:     db.Client(),
		collection: db.Collection(SessionRecordsCollection),
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "last_activity", Value: 1}}, // stale record sweeps
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}},
			Options: options.Index(),
		},
	}

	_, err := store.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		log.Warn().Err(err).Msg("Issue creating indexes for session_records collection (might already exist or other error)")
	} else {
		log.Info().Msg("Indexes for session_records collection ensured.")
	}

	return store, nil
}

// recordDocument is the stored shape of a record or of its tombstone.
type recordDocument struct {
	domain.SessionRecord `bson:",inline"`
	Deleted              bool `bson:"deleted,omitempty"`
}

// live matches documents that are not tombstones.
var live = bson.M{"$ne": true}

// tombstone clears everything but the id and version of a record.
var tombstone = bson.D{
	{Key: "$set", Value: bson.D{
		{Key: "deleted", Value: true},
		{Key: "is_active", Value: false},
	}},
	{Key: "$unset", Value: bson.D{
		{Key: "session_id", Value: ""},
		{Key: "device_id", Value: ""},
		{Key: "device_info", Value: ""},
		{Key: "browser_info", Value: ""},
		{Key: "os_info", Value: ""},
		{Key: "login_time", Value: ""},
		{Key: "last_activity", Value: ""},
		{Key: "terminated_at", Value: ""},
		{Key: "terminated_reason", Value: ""},
	}},
	{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
}

// Put implements domain.SessionRecordStore.Put.
func (s *SessionRecordStore) Put(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.UserID == "" || rec.SessionID == "" {
		return domain.ErrInvalidArgument
	}

	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "session_id", Value: rec.SessionID},
			{Key: "device_id", Value: rec.DeviceID},
			{Key: "device_info", Value: rec.DeviceInfo},
			{Key: "browser_info", Value: rec.BrowserInfo},
			{Key: "os_info", Value: rec.OSInfo},
			{Key: "is_active", Value: true},
		}},
		{Key: "$unset", Value: bson.D{
			{Key: "deleted", Value: ""},
			{Key: "terminated_at", Value: ""},
			{Key: "terminated_reason", Value: ""},
		}},
		{Key: "$currentDate", Value: bson.D{
			{Key: "login_time", Value: true},
			{Key: "last_activity", Value: true},
		}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored recordDocument
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": rec.UserID}, update, opts).Decode(&stored)
	if err != nil {
		log.Error().Err(err).Str("userID", rec.UserID).Msg("Error putting session record in MongoDB")
		return err
	}
	*rec = stored.SessionRecord
	return nil
}

// MergeActivity implements domain.SessionRecordStore.MergeActivity.
func (s *SessionRecordStore) MergeActivity(ctx context.Context, userID, sessionID string) error {
	filter := bson.M{"_id": userID, "session_id": sessionID, "is_active": true, "deleted": live}
	update := bson.D{
		{Key: "$currentDate", Value: bson.D{{Key: "last_activity", Value: true}}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
	}
	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Error merging activity in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrStaleSession
	}
	return nil
}

// Get implements domain.SessionRecordStore.Get.
func (s *SessionRecordStore) Get(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	doc, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, domain.ErrRecordNotFound
	}
	return &doc.SessionRecord, nil
}

func (s *SessionRecordStore) find(ctx context.Context, userID string) (*recordDocument, error) {
	var doc recordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRecordNotFound
		}
		log.Error().Err(err).Str("userID", userID).Msg("Error getting session record from MongoDB")
		return nil, err
	}
	return &doc, nil
}

// Delete implements domain.SessionRecordStore.Delete.
func (s *SessionRecordStore) Delete(ctx context.Context, userID, sessionID string) error {
	filter := bson.M{"_id": userID, "session_id": sessionID, "deleted": live}
	result, err := s.collection.UpdateOne(ctx, filter, tombstone)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Error deleting session record from MongoDB")
		return err
	}
	if result.MatchedCount > 0 {
		return nil
	}

	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": userID, "deleted": live})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return domain.ErrStaleSession
}

// Revoke implements domain.AdminStore.Revoke.
func (s *SessionRecordStore) Revoke(ctx context.Context, userID, reason string) (*domain.SessionRecord, error) {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "is_active", Value: false},
			{Key: "terminated_reason", Value: reason},
		}},
		{Key: "$currentDate", Value: bson.D{{Key: "terminated_at", Value: true}}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc recordDocument
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": userID, "deleted": live}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRecordNotFound
		}
		log.Error().Err(err).Str("userID", userID).Msg("Error revoking session record in MongoDB")
		return nil, err
	}
	return &doc.SessionRecord, nil
}

// DeleteInactiveSince implements domain.AdminStore.DeleteInactiveSince.
func (s *SessionRecordStore) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"last_activity": bson.M{"$lt": cutoff}, "deleted": live}
	result, err := s.collection.UpdateMany(ctx, filter, tombstone)
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("Error deleting inactive session records from MongoDB")
		return 0, err
	}
	return result.ModifiedCount, nil
}

type changeEvent struct {
	OperationType string          `bson:"operationType"`
	FullDocument  *recordDocument `bson:"fullDocument"`
}

func (d *recordDocument) snapshot() domain.Snapshot {
	if d == nil {
		return domain.Snapshot{}
	}
	if d.Deleted {
		return domain.Snapshot{UserID: d.UserID, Version: d.Version}
	}
	rec := d.SessionRecord
	return domain.Snapshot{UserID: d.UserID, Record: &rec}
}

// Subscribe implements domain.RecordSubscriber.Subscribe. The initial read
// runs in a causally consistent session and the change stream starts at that
// read's operation time, so no write falls between the two.
func (s *SessionRecordStore) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)

	initial, startAt, err := s.readWithOperationTime(ctx, userID)
	if err != nil {
		cancel()
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: userID}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if startAt != nil {
		opts.SetStartAtOperationTime(startAt)
	}
	stream, err := s.collection.Watch(ctx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	go func() {
		defer stream.Close(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return
		}
		snap := initial.snapshot()
		snap.UserID = userID
		handler(snap, nil)

		last := snap.StoreVersion()
		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				log.Error().Err(err).Str("userID", userID).Msg("Dropping undecodable change event")
				continue
			}

			switch ev.OperationType {
			case "insert", "update", "replace":
				// Update lookups return the latest state, which may already be
				// gone or already delivered.
				if ev.FullDocument == nil || ev.FullDocument.Version <= last {
					continue
				}
				last = ev.FullDocument.Version
			default:
				// Deletes go through tombstones. A removed document would
				// restart the version count, so the stream cannot go on.
				handler(domain.Snapshot{UserID: userID},
					fmt.Errorf("%w: change stream %s", domain.ErrSubscriptionClosed, ev.OperationType))
				return
			}
			if ctx.Err() != nil {
				return
			}
			snap := ev.FullDocument.snapshot()
			snap.UserID = userID
			handler(snap, nil)
		}

		if ctx.Err() != nil {
			return
		}
		err := stream.Err()
		if err == nil {
			err = domain.ErrSubscriptionClosed
		}
		log.Warn().Err(err).Str("userID", userID).Msg("MongoDB change stream ended")
		handler(domain.Snapshot{UserID: userID}, fmt.Errorf("change stream: %w", err))
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *SessionRecordStore) readWithOperationTime(ctx context.Context, userID string) (*recordDocument, *bson.Timestamp, error) {
	sess, err := s.client.StartSession(options.Session().SetCausalConsistency(true))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	doc, err := s.find(mongo.NewSessionContext(ctx, sess), userID)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil, err
	}
	return doc, sess.OperationTime(), nil
}

var _ domain.RecordBackend = (*SessionRecordStore)(nil)
