package domain

import "time"

// WebhookEvent records a webhook event id that has already been accepted, so
// redeliveries of the same event are dropped until ExpiresAt.
type WebhookEvent struct {
	EventID   string    `gorm:"type:varchar(64);primaryKey"`
	Kind      string    `gorm:"type:varchar(32);not null;default:''"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (WebhookEvent) TableName() string { return "webhook_events" }
