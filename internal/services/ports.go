package services

import (
	"context"
	"time"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/assistant"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// ConversationStore is the state contract the orchestrator needs. Both
// *repo.ConversationStore and *mongostore.Store satisfy it.
type ConversationStore interface {
	// Get returns domain.ErrConversationNotFound when the user has no record.
	Get(ctx context.Context, userID string) (*domain.UserConversation, error)
	// Create returns domain.ErrConversationExists when a record is present.
	Create(ctx context.Context, uc *domain.UserConversation) error
	Update(ctx context.Context, userID string, patch domain.ConversationPatch) error
	AppendMessages(ctx context.Context, userID string, turns ...domain.Turn) error

	// AcquireOrQueue sets the busy flag iff it is clear (or older than
	// staleAfter); otherwise it queues turn as pending. One atomic step.
	AcquireOrQueue(ctx context.Context, userID string, turn domain.Turn, staleAfter time.Duration) (domain.Acquisition, error)
	// CommitDrain removes exactly the drained pending turns and appends turns,
	// all or nothing.
	CommitDrain(ctx context.Context, userID string, drained []domain.Turn, turns ...domain.Turn) error
	// Release clears the busy flag iff nothing is pending and lease still
	// holds it. False means late arrivals must be drained first;
	// domain.ErrLeaseLost means a newer invocation took the flag over.
	Release(ctx context.Context, userID, lease string) (bool, error)
	// Abandon clears the flag held by lease and leaves pending turns queued.
	Abandon(ctx context.Context, userID, lease string) error
}

// HistoryStore serves the admin read paths.
type HistoryStore interface {
	Summaries(ctx context.Context, offset, limit int) ([]domain.ConversationSummary, int64, error)
	Summary(ctx context.Context, userID string) (*domain.ConversationSummary, error)
	Messages(ctx context.Context, userID string, offset, limit int) ([]domain.Turn, int64, error)
	MessageStats(ctx context.Context, userID string) (int64, *time.Time, error)
}

// Assistant is the hosted-assistant session. *assistant.Client satisfies it.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	Run(ctx context.Context, threadID string) (assistant.Reply, error)
	// Cancel is best-effort and never fails observably.
	Cancel(ctx context.Context, threadID string)
}

// Replier delivers one reply per reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// ProfileFetcher reads platform profiles.
type ProfileFetcher interface {
	Profile(ctx context.Context, userID string) (domain.UserInfo, error)
	GroupMemberName(ctx context.Context, groupID, userID string) (string, error)
}

// Deduper reports whether a webhook event id is seen for the first time.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID, kind string) (bool, error)
}
