// Package services – HistoryService
//
// This file implements the read side used by the admin API: paginated
// conversation summaries and message logs, plus cancelling a stuck run.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// HistoryService backs the admin API: paginated reads of stored
// conversations and the external cancel that unsticks a busy user.
type HistoryService struct {
	History       HistoryStore
	Conversations ConversationStore
	Assistant     Assistant
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(h HistoryStore, c ConversationStore, a Assistant) *HistoryService {
	return &HistoryService{History: h, Conversations: c, Assistant: a}
}

// ListPage returns one page of conversation summaries, newest activity first.
// Invalid page/pageSize fall back to 1 and 20.
func (s *HistoryService) ListPage(ctx context.Context, page, pageSize int) ([]domain.ConversationSummary, int64, error) {
	offset, limit := pageWindow(page, pageSize)
	items, total, err := s.History.Summaries(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.ConversationSummary{}
	}
	return items, total, nil
}

// Get returns one user's summary.
func (s *HistoryService) Get(ctx context.Context, userID string) (*domain.ConversationSummary, error) {
	sum, err := s.History.Summary(ctx, userID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		return nil, ErrConversationNotFound
	}
	return sum, err
}

// MessagesPage returns one page of a user's message log, oldest first.
func (s *HistoryService) MessagesPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Turn, int64, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, 0, err
	}
	offset, limit := pageWindow(page, pageSize)
	items, total, err := s.History.Messages(ctx, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.Turn{}
	}
	return items, total, nil
}

// MessageStats returns the log size and the newest message time, for ETags.
func (s *HistoryService) MessageStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return s.History.MessageStats(ctx, userID)
}

// Cancel stops any active run on the user's thread and forces the
// conversation IDLE. An orchestrator waiting on that run sees it cancelled
// and ends silently. Pending messages stay queued for the next message.
func (s *HistoryService) Cancel(ctx context.Context, userID string) error {
	conv, err := s.Conversations.Get(ctx, userID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}
	if conv.ThreadID != "" {
		s.Assistant.Cancel(ctx, conv.ThreadID)
	}
	idle := false
	if err := s.Conversations.Update(ctx, userID, domain.ConversationPatch{IsProcessing: &idle}); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("user_id", userID).Bool("was_processing", conv.IsProcessing).Msg("conversation cancelled")
	return nil
}

func pageWindow(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
