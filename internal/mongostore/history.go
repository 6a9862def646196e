package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// summaryDoc is the projection produced by summaryPipeline.
type summaryDoc struct {
	UserID       string          `bson:"_id"`
	ThreadID     string          `bson:"thread_id"`
	IsProcessing bool            `bson:"is_processing"`
	UserInfo     domain.UserInfo `bson:"user_info"`
	LastActive   time.Time       `bson:"last_active"`
	CreatedAt    time.Time       `bson:"created_at"`
	MessageCount int64           `bson:"message_count"`
	PendingCount int64           `bson:"pending_count"`
}

func (d summaryDoc) summary() domain.ConversationSummary {
	return domain.ConversationSummary{
		UserID:       d.UserID,
		ThreadID:     d.ThreadID,
		IsProcessing: d.IsProcessing,
		PendingCount: d.PendingCount,
		MessageCount: d.MessageCount,
		DisplayName:  d.UserInfo.DisplayName,
		Language:     d.UserInfo.Language,
		LastActive:   d.LastActive,
		CreatedAt:    d.CreatedAt,
	}
}

var summaryProjection = bson.M{
	"thread_id":     1,
	"is_processing": 1,
	"user_info":     1,
	"last_active":   1,
	"created_at":    1,
	"message_count": bson.M{"$size": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}}},
	"pending_count": bson.M{"$size": bson.M{"$ifNull": bson.A{"$pending_messages", bson.A{}}}},
}

func summaryPipeline(match bson.M, offset, limit int) mongo.Pipeline {
	p := mongo.Pipeline{}
	if match != nil {
		p = append(p, bson.D{{Key: "$match", Value: match}})
	}
	p = append(p,
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last_active", Value: -1}, {Key: "_id", Value: 1}}}},
		bson.D{{Key: "$skip", Value: int64(offset)}},
		bson.D{{Key: "$limit", Value: int64(limit)}},
		bson.D{{Key: "$project", Value: summaryProjection}},
	)
	return p
}

// Summaries returns one page of conversation summaries and the total count.
func (s *Store) Summaries(ctx context.Context, offset, limit int) ([]domain.ConversationSummary, int64, error) {
	total, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	cur, err := s.coll.Aggregate(ctx, summaryPipeline(nil, offset, limit))
	if err != nil {
		return nil, 0, err
	}
	var docs []summaryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	out := make([]domain.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.summary())
	}
	return out, total, nil
}

// Summary returns one conversation summary.
func (s *Store) Summary(ctx context.Context, userID string) (*domain.ConversationSummary, error) {
	cur, err := s.coll.Aggregate(ctx, summaryPipeline(bson.M{"_id": userID}, 0, 1))
	if err != nil {
		return nil, err
	}
	var docs []summaryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, domain.ErrConversationNotFound
	}
	out := docs[0].summary()
	return &out, nil
}

// Messages returns one page of the message log using a $slice projection.
func (s *Store) Messages(ctx context.Context, userID string, offset, limit int) ([]domain.Turn, int64, error) {
	sum, err := s.Summary(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	var doc struct {
		Messages []domain.Turn `bson:"messages"`
	}
	opts := options.FindOne().SetProjection(bson.M{
		"messages": bson.M{"$slice": bson.A{offset, limit}},
	})
	err = s.coll.FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if doc.Messages == nil {
		doc.Messages = []domain.Turn{}
	}
	return doc.Messages, sum.MessageCount, nil
}

// MessageStats returns the log length and the newest entry's timestamp.
func (s *Store) MessageStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	var doc struct {
		Messages []domain.Turn `bson:"messages"`
	}
	opts := options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": -1}})
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	sum, err := s.Summary(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	if len(doc.Messages) == 0 {
		return sum.MessageCount, nil, nil
	}
	latest := doc.Messages[len(doc.Messages)-1].CreatedAt
	return sum.MessageCount, &latest, nil
}
