// Package mongostore implements the conversation state store on MongoDB, one
// document per user in the "conversations" collection. Messages and the
// pending queue are arrays inside that document, so every transition is a
// single-document atomic update ($push, $pull and conditional filters)
// rather than a read-modify-write.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

const collectionName = "conversations"

// maxQueueRetries bounds the acquire/queue loop when the busy flag flips
// between the two conditional updates.
const maxQueueRetries = 5

// Store is a MongoDB-backed conversation store.
type Store struct {
	client   *mongo.Client
	coll     *mongo.Collection
	now      func() time.Time
	newLease func() string
}

// Connect dials MongoDB, verifies the connection, and ensures indexes.
func Connect(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := New(client, cfg.MongoDatabase)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(collectionName),
		now:      func() time.Time { return time.Now().UTC() },
		newLease: uuid.NewString,
	}
}

// EnsureIndexes creates the secondary indexes used by the admin listing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "last_active", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Get loads one conversation document.
func (s *Store) Get(ctx context.Context, userID string) (*domain.UserConversation, error) {
	var uc domain.UserConversation
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&uc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if uc.Messages == nil {
		uc.Messages = []domain.Turn{}
	}
	if uc.PendingMessages == nil {
		uc.PendingMessages = []domain.Turn{}
	}
	return &uc, nil
}

// Create inserts a new document; a duplicate _id maps to ErrConversationExists.
func (s *Store) Create(ctx context.Context, uc *domain.UserConversation) error {
	now := s.now()
	doc := *uc
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.LastActive = now
	if doc.IsProcessing && doc.Lease == "" {
		doc.Lease = s.newLease()
	}
	// $push fails on null, so the arrays must exist from the start.
	if doc.Messages == nil {
		doc.Messages = []domain.Turn{}
	}
	if doc.PendingMessages == nil {
		doc.PendingMessages = []domain.Turn{}
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrConversationExists
		}
		return err
	}
	uc.CreatedAt, uc.LastActive, uc.Lease = doc.CreatedAt, doc.LastActive, doc.Lease
	return nil
}

// Update merges the non-nil patch fields.
func (s *Store) Update(ctx context.Context, userID string, patch domain.ConversationPatch) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": userID}, updateDoc(patch, s.now(), s.newLease()))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// AppendMessages pushes turns onto the log in one update.
func (s *Store) AppendMessages(ctx context.Context, userID string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$push": bson.M{"messages": bson.M{"$each": turns}},
		"$set":  bson.M{"last_active": s.now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// AcquireOrQueue claims the busy flag with one conditional FindOneAndUpdate
// or, when the flag is held and fresh, pushes turn onto the pending queue
// with an update conditioned on the flag still being held.
func (s *Store) AcquireOrQueue(ctx context.Context, userID string, turn domain.Turn, staleAfter time.Duration) (domain.Acquisition, error) {
	for attempt := 0; attempt < maxQueueRetries; attempt++ {
		now := s.now()
		lease := s.newLease()

		var before domain.UserConversation
		err := s.coll.FindOneAndUpdate(ctx,
			acquireFilter(userID, now, staleAfter),
			bson.M{"$set": bson.M{"is_processing": true, "processing_since": now, "lease": lease, "last_active": now}},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&before)
		if err == nil {
			return domain.Acquisition{
				Acquired: true,
				Stale:    before.IsProcessing,
				Leftover: before.PendingMessages,
				Lease:    lease,
			}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Acquisition{}, err
		}

		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": userID, "is_processing": true},
			bson.M{
				"$push": bson.M{"pending_messages": turn},
				"$set":  bson.M{"last_active": now},
			},
		)
		if err != nil {
			return domain.Acquisition{}, err
		}
		if res.MatchedCount == 1 {
			return domain.Acquisition{}, nil
		}
		if ok, err := s.exists(ctx, userID); err != nil {
			return domain.Acquisition{}, err
		} else if !ok {
			return domain.Acquisition{}, domain.ErrConversationNotFound
		}
		// The holder released between our two updates; try to acquire again.
	}
	return domain.Acquisition{}, fmt.Errorf("mongostore: acquire %s: flag kept changing", userID)
}

// CommitDrain pulls exactly the drained turns from the queue and pushes turns
// onto the log in one update. The filter requires every drained id to still
// be queued.
func (s *Store) CommitDrain(ctx context.Context, userID string, drained []domain.Turn, turns ...domain.Turn) error {
	filter, update := drainDocs(userID, drained, turns, s.now())
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if ok, err := s.exists(ctx, userID); err != nil {
		return err
	} else if !ok {
		return domain.ErrConversationNotFound
	}
	return domain.ErrDrainConflict
}

// Release clears the busy flag iff the pending queue is empty and lease
// still holds it. domain.ErrLeaseLost means another holder took over.
func (s *Store) Release(ctx context.Context, userID, lease string) (bool, error) {
	res, err := s.coll.UpdateOne(ctx, releaseFilter(userID, lease), clearFlagDoc(s.now()))
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	// Either work is pending or the lease is gone; tell them apart.
	if err := s.checkLease(ctx, userID, lease); err != nil {
		return false, err
	}
	return false, nil
}

// Abandon clears the busy flag held by lease, leaving pending turns queued.
func (s *Store) Abandon(ctx context.Context, userID, lease string) error {
	res, err := s.coll.UpdateOne(ctx, leaseFilter(userID, lease), clearFlagDoc(s.now()))
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return s.checkLease(ctx, userID, lease)
}

// checkLease reports ErrLeaseLost or ErrConversationNotFound when lease does
// not hold the flag on userID, and nil when it does.
func (s *Store) checkLease(ctx context.Context, userID, lease string) error {
	n, err := s.coll.CountDocuments(ctx, leaseFilter(userID, lease), options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConversationNotFound
	}
	return domain.ErrLeaseLost
}

func (s *Store) exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": userID}, options.Count().SetLimit(1))
	return n > 0, err
}

// acquireFilter matches the document when its flag is free: idle, without a
// lease timestamp, or leased longer ago than staleAfter.
func acquireFilter(userID string, now time.Time, staleAfter time.Duration) bson.M {
	free := bson.A{
		bson.M{"is_processing": false},
		bson.M{"is_processing": bson.M{"$exists": false}},
	}
	if staleAfter > 0 {
		free = append(free,
			bson.M{"processing_since": nil},
			bson.M{"processing_since": bson.M{"$lt": now.Add(-staleAfter)}},
		)
	}
	return bson.M{"_id": userID, "$or": free}
}

func leaseFilter(userID, lease string) bson.M {
	return bson.M{"_id": userID, "is_processing": true, "lease": lease}
}

func releaseFilter(userID, lease string) bson.M {
	f := leaseFilter(userID, lease)
	f["$or"] = bson.A{
		bson.M{"pending_messages": bson.M{"$size": 0}},
		bson.M{"pending_messages": bson.M{"$exists": false}},
		bson.M{"pending_messages": nil},
	}
	return f
}

func clearFlagDoc(now time.Time) bson.M {
	return bson.M{
		"$set":   bson.M{"is_processing": false, "last_active": now},
		"$unset": bson.M{"processing_since": "", "lease": ""},
	}
}

func drainDocs(userID string, drained, turns []domain.Turn, now time.Time) (bson.M, bson.M) {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"last_active": now}}
	if len(drained) > 0 {
		ids := make(bson.A, 0, len(drained))
		for _, d := range drained {
			ids = append(ids, d.ID)
		}
		filter["pending_messages.id"] = bson.M{"$all": ids}
		update["$pull"] = bson.M{"pending_messages": bson.M{"id": bson.M{"$in": ids}}}
	}
	if len(turns) > 0 {
		update["$push"] = bson.M{"messages": bson.M{"$each": turns}}
	}
	return filter, update
}

// updateDoc builds the $set/$unset for patch. Setting the flag starts a new
// lease; clearing it revokes the current one.
func updateDoc(patch domain.ConversationPatch, now time.Time, lease string) bson.M {
	set := bson.M{"last_active": now}
	update := bson.M{"$set": set}
	if patch.ThreadID != nil {
		set["thread_id"] = *patch.ThreadID
	}
	if patch.IsProcessing != nil {
		set["is_processing"] = *patch.IsProcessing
		if *patch.IsProcessing {
			set["processing_since"] = now
			set["lease"] = lease
		} else {
			update["$unset"] = bson.M{"processing_since": "", "lease": ""}
		}
	}
	if patch.UserInfo != nil {
		set["user_info"] = *patch.UserInfo
	}
	return update
}
