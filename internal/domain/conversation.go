package domain

import (
	"errors"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultLanguage is stored when the profile carries no language.
const DefaultLanguage = "zh-TW"

var (
	// ErrConversationNotFound is returned when no conversation exists for a user.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned by Create when the user already has one.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrDrainConflict is returned when drained pending turns were already
	// consumed by another writer.
	ErrDrainConflict = errors.New("pending messages changed during drain")
	// ErrLeaseLost is returned when the caller's lease on the busy flag was
	// taken over or cleared by someone else.
	ErrLeaseLost = errors.New("busy flag lease lost")
)

// Turn is one message in a conversation log or pending queue.
type Turn struct {
	ID        string    `json:"id"         bson:"id"`
	Role      string    `json:"role"       bson:"role"`
	Content   string    `json:"content"    bson:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// UserInfo is the profile captured at first contact.
type UserInfo struct {
	DisplayName string `json:"display_name" bson:"display_name"`
	Language    string `json:"language"     bson:"language"`
}

// UserConversation is the full per-user state as the orchestrator sees it,
// independent of how a store lays it out.
type UserConversation struct {
	UserID          string     `json:"user_id"                    bson:"_id"`
	ThreadID        string     `json:"thread_id"                  bson:"thread_id"`
	IsProcessing    bool       `json:"is_processing"              bson:"is_processing"`
	ProcessingSince *time.Time `json:"processing_since,omitempty" bson:"processing_since,omitempty"`
	Lease           string     `json:"-"                          bson:"lease,omitempty"`
	Messages        []Turn     `json:"messages"                   bson:"messages"`
	PendingMessages []Turn     `json:"pending_messages"           bson:"pending_messages"`
	UserInfo        UserInfo   `json:"user_info"                  bson:"user_info"`
	LastActive      time.Time  `json:"last_active"                bson:"last_active"`
	CreatedAt       time.Time  `json:"created_at"                 bson:"created_at"`
}

// ConversationPatch lists the scalar fields Update may merge. Nil fields are
// left untouched.
type ConversationPatch struct {
	ThreadID     *string
	IsProcessing *bool
	UserInfo     *UserInfo
}

// Acquisition is the result of the atomic busy-flag transition.
type Acquisition struct {
	// Acquired is true when the caller now owns the busy flag.
	Acquired bool
	// Stale is true when the flag was taken over from an expired holder.
	Stale bool
	// Leftover holds pending turns claimed together with the flag, oldest first.
	Leftover []Turn
	// Lease identifies this holding of the flag. Release and Abandon only
	// succeed while it is still current.
	Lease string
}

// ConversationSummary is the list view used by the admin API.
type ConversationSummary struct {
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	IsProcessing bool      `json:"is_processing"`
	PendingCount int64     `json:"pending_count"`
	MessageCount int64     `json:"message_count"`
	DisplayName  string    `json:"display_name"`
	Language     string    `json:"language"`
	LastActive   time.Time `json:"last_active"`
	CreatedAt    time.Time `json:"created_at"`
}
