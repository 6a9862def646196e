// Package repo implements the SQL persistence layer for conversations, backed
// by GORM. This file provides ConversationStore, the conversation state store
// used by the orchestrator.
//
// Every mutating method runs in one transaction whose first statement bumps
// conversations.last_active for the user. That write takes the row lock on
// Postgres and the database write lock on SQLite, so the reads that follow in
// the same transaction cannot interleave with another writer for that user.
// This is what makes AcquireOrQueue a true "set busy iff idle, else enqueue".
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ConversationStore implements the conversation state store on a *gorm.DB.
type ConversationStore struct {
	db       *gorm.DB
	now      func() time.Time
	newLease func() string
}

// NewConversationStore wraps db.
func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{
		db:       db,
		now:      func() time.Time { return time.Now().UTC() },
		newLease: uuid.NewString,
	}
}

// DB exposes the underlying handle for history queries.
func (s *ConversationStore) DB() *gorm.DB { return s.db }

// Get loads the full conversation, messages and pending queue in order.
func (s *ConversationStore) Get(ctx context.Context, userID string) (*domain.UserConversation, error) {
	db := s.db.WithContext(ctx)

	var row domain.Conversation
	if err := db.Where("user_id = ?", userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	var msgs []domain.Message
	if err := db.Where("user_id = ?", userID).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	pending, err := listPending(db, userID)
	if err != nil {
		return nil, err
	}

	uc := &domain.UserConversation{
		UserID:          row.UserID,
		ThreadID:        row.ThreadID,
		IsProcessing:    row.IsProcessing,
		ProcessingSince: row.ProcessingSince,
		Lease:           row.Lease,
		Messages:        make([]domain.Turn, 0, len(msgs)),
		PendingMessages: pending,
		UserInfo:        domain.UserInfo{DisplayName: row.DisplayName, Language: row.Language},
		LastActive:      row.LastActive,
		CreatedAt:       row.CreatedAt,
	}
	for _, m := range msgs {
		uc.Messages = append(uc.Messages, domain.Turn{ID: m.TurnID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return uc, nil
}

// Create inserts a new conversation with any initial turns. It returns
// domain.ErrConversationExists when the user already has one.
func (s *ConversationStore) Create(ctx context.Context, uc *domain.UserConversation) error {
	now := s.now()
	if uc.CreatedAt.IsZero() {
		uc.CreatedAt = now
	}
	uc.LastActive = now
	if uc.IsProcessing && uc.Lease == "" {
		uc.Lease = s.newLease()
	}
	row := &domain.Conversation{
		UserID:          uc.UserID,
		ThreadID:        uc.ThreadID,
		IsProcessing:    uc.IsProcessing,
		ProcessingSince: uc.ProcessingSince,
		Lease:           uc.Lease,
		DisplayName:     uc.UserInfo.DisplayName,
		Language:        uc.UserInfo.Language,
		LastActive:      now,
		CreatedAt:       uc.CreatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConversationExists
			}
			return err
		}
		if err := insertMessages(tx, uc.UserID, uc.Messages); err != nil {
			return err
		}
		for _, p := range uc.PendingMessages {
			if err := insertPending(tx, uc.UserID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update merges the non-nil patch fields into the conversation. Setting
// IsProcessing also starts or clears the lease, which fences out the
// previous holder.
func (s *ConversationStore) Update(ctx context.Context, userID string, patch domain.ConversationPatch) error {
	now := s.now()
	set := map[string]any{"last_active": now}
	if patch.ThreadID != nil {
		set["thread_id"] = *patch.ThreadID
	}
	if patch.IsProcessing != nil {
		set["is_processing"] = *patch.IsProcessing
		if *patch.IsProcessing {
			set["processing_since"] = now
			set["lease"] = s.newLease()
		} else {
			set["processing_since"] = nil
			set["lease"] = ""
		}
	}
	if patch.UserInfo != nil {
		set["display_name"] = patch.UserInfo.DisplayName
		set["language"] = patch.UserInfo.Language
	}
	res := s.db.WithContext(ctx).Model(&domain.Conversation{}).Where("user_id = ?", userID).Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// AppendMessages appends turns to the log in one transaction.
func (s *ConversationStore) AppendMessages(ctx context.Context, userID string, turns ...domain.Turn) error {
	return s.inTx(ctx, userID, func(tx *gorm.DB, _ *domain.Conversation) error {
		return insertMessages(tx, userID, turns)
	})
}

// AcquireOrQueue atomically sets the busy flag when the conversation is idle
// (or its lease started more than staleAfter ago) and otherwise appends turn
// to the pending queue. On acquisition the turn is not stored; any pending
// turns left from an earlier failed run are returned in Leftover and stay
// queued until CommitDrain consumes them.
func (s *ConversationStore) AcquireOrQueue(ctx context.Context, userID string, turn domain.Turn, staleAfter time.Duration) (domain.Acquisition, error) {
	var acq domain.Acquisition
	err := s.inTx(ctx, userID, func(tx *gorm.DB, row *domain.Conversation) error {
		now := s.now()
		stale := row.IsProcessing && staleAfter > 0 &&
			(row.ProcessingSince == nil || now.Sub(*row.ProcessingSince) > staleAfter)

		if row.IsProcessing && !stale {
			acq = domain.Acquisition{}
			return insertPending(tx, userID, turn)
		}

		lease := s.newLease()
		if err := tx.Model(&domain.Conversation{}).Where("user_id = ?", userID).
			Updates(map[string]any{"is_processing": true, "processing_since": now, "lease": lease}).Error; err != nil {
			return err
		}
		leftover, err := listPending(tx, userID)
		if err != nil {
			return err
		}
		acq = domain.Acquisition{Acquired: true, Stale: row.IsProcessing, Leftover: leftover, Lease: lease}
		return nil
	})
	return acq, err
}

// CommitDrain removes exactly the drained pending turns and appends turns to
// the log, all or nothing.
func (s *ConversationStore) CommitDrain(ctx context.Context, userID string, drained []domain.Turn, turns ...domain.Turn) error {
	return s.inTx(ctx, userID, func(tx *gorm.DB, _ *domain.Conversation) error {
		if len(drained) > 0 {
			ids := make([]string, 0, len(drained))
			for _, d := range drained {
				ids = append(ids, d.ID)
			}
			res := tx.Where("user_id = ? AND turn_id IN ?", userID, ids).Delete(&domain.PendingMessage{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(ids)) {
				return domain.ErrDrainConflict
			}
		}
		return insertMessages(tx, userID, turns)
	})
}

// Release clears the busy flag only when the pending queue is empty. It
// returns false, leaving the flag set, when new turns arrived and must be
// drained first, and domain.ErrLeaseLost when lease no longer holds the flag.
func (s *ConversationStore) Release(ctx context.Context, userID, lease string) (bool, error) {
	released := false
	err := s.inTx(ctx, userID, func(tx *gorm.DB, row *domain.Conversation) error {
		if !holds(row, lease) {
			return domain.ErrLeaseLost
		}
		var n int64
		if err := tx.Model(&domain.PendingMessage{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		released = true
		return clearFlag(tx, userID)
	})
	return released, err
}

// Abandon clears the busy flag regardless of pending turns, provided lease
// still holds it. Queued turns stay for the next holder.
func (s *ConversationStore) Abandon(ctx context.Context, userID, lease string) error {
	return s.inTx(ctx, userID, func(tx *gorm.DB, row *domain.Conversation) error {
		if !holds(row, lease) {
			return domain.ErrLeaseLost
		}
		return clearFlag(tx, userID)
	})
}

func holds(row *domain.Conversation, lease string) bool {
	return row.IsProcessing && lease != "" && row.Lease == lease
}

func clearFlag(tx *gorm.DB, userID string) error {
	return tx.Model(&domain.Conversation{}).Where("user_id = ?", userID).
		Updates(map[string]any{"is_processing": false, "processing_since": nil, "lease": ""}).Error
}

// inTx runs fn inside a transaction that has already taken the per-user
// write lock and loaded the conversation row.
func (s *ConversationStore) inTx(ctx context.Context, userID string, fn func(tx *gorm.DB, row *domain.Conversation) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Conversation{}).Where("user_id = ?", userID).Update("last_active", s.now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConversationNotFound
		}
		var row domain.Conversation
		if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
			return err
		}
		return fn(tx, &row)
	})
}

func insertMessages(tx *gorm.DB, userID string, turns []domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	rows := make([]domain.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			return fmt.Errorf("repo: invalid role %q", t.Role)
		}
		rows = append(rows, domain.Message{
			TurnID:    t.ID,
			UserID:    userID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}
	// Row by row so seq follows slice order on every driver.
	for i := range rows {
		if err := tx.Create(&rows[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func insertPending(tx *gorm.DB, userID string, t domain.Turn) error {
	return tx.Create(&domain.PendingMessage{
		TurnID:    t.ID,
		UserID:    userID,
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}).Error
}

func listPending(db *gorm.DB, userID string) ([]domain.Turn, error) {
	var rows []domain.PendingMessage
	if err := db.Where("user_id = ?", userID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Turn, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Turn{ID: r.TurnID, Role: domain.RoleUser, Content: r.Content, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// isUniqueViolation recognizes unique-constraint errors across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value") ||
		strings.Contains(low, "primary key must be unique")
}
