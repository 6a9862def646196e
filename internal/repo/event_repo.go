package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

// MarkEvent records eventID as seen for ttl. It returns true when the id was
// not already recorded (or its record had expired) and false for a repeat.
func MarkEvent(ctx context.Context, db *gorm.DB, eventID, kind string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var fresh bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ? AND expires_at <= ?", eventID, now).
			Delete(&domain.WebhookEvent{}).Error; err != nil {
			return err
		}
		rec := &domain.WebhookEvent{EventID: eventID, Kind: kind, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		fresh = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// PurgeExpiredEvents deletes event records that expired before now.
func PurgeExpiredEvents(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.WebhookEvent{})
	return res.RowsAffected, res.Error
}
