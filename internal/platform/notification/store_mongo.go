package notification

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps notifications in the "notifications" collection.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("notifications")}
}

// EnsureIndexes creates the feed indexes. It is safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "recipient_role", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create notification indexes: %w", err)
	}
	return nil
}

func recipientFilter(r Recipient) bson.M {
	or := bson.A{}
	if r.UserID != "" {
		or = append(or, bson.M{"recipient_id": r.UserID})
	}
	if len(r.Roles) > 0 {
		or = append(or, bson.M{"recipient_role": bson.M{"$in": r.Roles}})
	}
	if len(or) == 0 {
		// Matches nothing.
		return bson.M{"_id": bson.M{"$exists": false}}
	}
	return bson.M{"$or": or}
}

func (s *MongoStore) Create(ctx context.Context, n *Notification) error {
	if _, err := s.coll.InsertOne(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, r Recipient, f ListFilter) ([]*Notification, int, error) {
	filter := recipientFilter(r)
	if f.UnreadOnly {
		filter["read_at"] = bson.M{"$exists": false}
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer cur.Close(ctx)

	var items []*Notification
	if err := cur.All(ctx, &items); err != nil {
		return nil, 0, fmt.Errorf("decode notifications: %w", err)
	}
	return items, int(total), nil
}

func (s *MongoStore) MarkRead(ctx context.Context, r Recipient, id string, at time.Time) error {
	filter := recipientFilter(r)
	filter["_id"] = id

	res, err := s.coll.UpdateOne(ctx, filter, bson.A{
		bson.M{"$set": bson.M{"read_at": bson.M{"$ifNull": bson.A{"$read_at", at}}}},
	})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkAllRead(ctx context.Context, r Recipient, at time.Time) (int, error) {
	filter := recipientFilter(r)
	filter["read_at"] = bson.M{"$exists": false}

	res, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read_at": at}})
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return int(res.ModifiedCount), nil
}
