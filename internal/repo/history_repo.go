// Package repo implements the SQL persistence layer for conversations, backed
// by GORM. This file provides the read-only queries behind the admin API:
// conversation summaries, paginated message logs, and the small aggregate used
// for ETag generation.
//
// All functions are context-aware and accept a *gorm.DB handle. They follow
// the "thin repository" approach: query composition only, no business rules.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

const summarySelect = `conversations.user_id, conversations.thread_id, conversations.is_processing,
conversations.display_name, conversations.language, conversations.last_active, conversations.created_at,
(SELECT COUNT(*) FROM messages m WHERE m.user_id = conversations.user_id) AS message_count,
(SELECT COUNT(*) FROM pending_messages p WHERE p.user_id = conversations.user_id) AS pending_count`

// CountConversations returns the total number of conversations.
func CountConversations(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Conversation{}).Count(&total).Error
	return total, err
}

// ListConversationsPage returns summaries ordered by most recent activity.
func ListConversationsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select(summarySelect).
		Order("conversations.last_active DESC, conversations.user_id ASC").
		Offset(offset).
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// GetConversationSummary returns one summary or ErrNotFound.
func GetConversationSummary(ctx context.Context, db *gorm.DB, userID string) (*domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select(summarySelect).
		Where("conversations.user_id = ?", userID).
		Limit(1).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// CountMessages returns how many log entries a conversation has.
func CountMessages(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Message{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice of the log in chronological order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MessagesStats returns the number of log entries for userID and the
// CreatedAt of the newest one (nil when empty). The log is append-only, so
// the pair changes whenever the log does.
func MessagesStats(ctx context.Context, db *gorm.DB, userID string) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Newest row by seq (avoid MAX() -> TEXT in SQLite)
	var row domain.Message
	err = db.WithContext(ctx).Where("user_id = ?", userID).Order("seq DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// Summaries returns one page of conversation summaries and the total count.
func (s *ConversationStore) Summaries(ctx context.Context, offset, limit int) ([]domain.ConversationSummary, int64, error) {
	total, err := CountConversations(ctx, s.db)
	if err != nil {
		return nil, 0, err
	}
	page, err := ListConversationsPage(ctx, s.db, offset, limit)
	return page, total, err
}

// Summary returns the summary of one conversation.
func (s *ConversationStore) Summary(ctx context.Context, userID string) (*domain.ConversationSummary, error) {
	out, err := GetConversationSummary(ctx, s.db, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, domain.ErrConversationNotFound
	}
	return out, err
}

// Messages returns one page of the message log and its total length.
func (s *ConversationStore) Messages(ctx context.Context, userID string, offset, limit int) ([]domain.Turn, int64, error) {
	total, err := CountMessages(ctx, s.db, userID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := ListMessagesPage(ctx, s.db, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]domain.Turn, 0, len(rows))
	for _, m := range rows {
		out = append(out, domain.Turn{ID: m.TurnID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out, total, nil
}

// MessageStats proxies MessagesStats.
func (s *ConversationStore) MessageStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return MessagesStats(ctx, s.db, userID)
}
