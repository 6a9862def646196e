// Package domain defines the persistence models for per-user conversations,
// their message log and pending queue, and processed webhook events. These
// types are mapped with GORM and form the SQL data layer of the bot.
package domain

import (
	"time"
)

// Conversation is the per-user row holding the assistant thread handle, the
// busy flag, and the profile captured at first contact.
//
// Fields:
//   - UserID: LINE user id, primary key.
//   - ThreadID: assistant thread handle; set once, never changed.
//   - IsProcessing: busy flag guarding assistant calls for this user.
//   - ProcessingSince: when the flag was last acquired (lease start).
//   - Lease: token of the current flag holder; empty when idle.
//   - DisplayName / Language: profile captured once at first contact.
//   - LastActive: bumped by every state mutation.
type Conversation struct {
	UserID          string     `json:"user_id"           gorm:"type:varchar(64);primaryKey"`
	ThreadID        string     `json:"thread_id"         gorm:"type:varchar(128);not null;default:''"`
	IsProcessing    bool       `json:"is_processing"     gorm:"not null;default:false"`
	ProcessingSince *time.Time `json:"processing_since,omitempty"`
	Lease           string     `json:"-"                 gorm:"type:varchar(36);not null;default:''"`
	DisplayName     string     `json:"display_name"      gorm:"type:varchar(255);not null;default:''"`
	Language        string     `json:"language"          gorm:"type:varchar(16);not null;default:''"`
	LastActive      time.Time  `json:"last_active"       gorm:"index:idx_conv_last_active"`
	CreatedAt       time.Time  `json:"created_at"`

	// The log and queue go away with their conversation.
	Messages []Message        `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Pending  []PendingMessage `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is one entry of a conversation's append-only log. Seq is
// monotonically assigned by the database and defines chronological order.
type Message struct {
	Seq       uint64    `json:"seq"        gorm:"primaryKey;autoIncrement"`
	TurnID    string    `json:"id"         gorm:"type:char(36);not null;uniqueIndex:ux_messages_turn"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_conv_msgs"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// PendingMessage is a user text received while the conversation was busy.
// Rows are deleted when they are folded into a combined turn.
type PendingMessage struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	TurnID    string    `gorm:"type:char(36);not null;uniqueIndex:ux_pending_turn"`
	UserID    string    `gorm:"type:varchar(64);not null;index:idx_conv_pending"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// TableName returns the database table name for PendingMessage.
func (PendingMessage) TableName() string { return "pending_messages" }
