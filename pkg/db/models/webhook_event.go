package models

import "time"

// WebhookEvent records a processed provider event for durable deduplication.
// The unique stripe_event_id makes replayed deliveries fail the insert inside
// the same transaction that applies the mutation.
type WebhookEvent struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	StripeEventID string    `gorm:"column:stripe_event_id;not null;uniqueIndex"`
	EventType     string    `gorm:"column:event_type;not null"`
	ProcessedAt   time.Time `gorm:"column:processed_at;autoCreateTime"`
}
