package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/talentbase/talentbase-backend/pkg/enums"
)

// Subscription persists Stripe subscription state per user. Rows are never
// deleted; cancellation is a status transition.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID               string                   `gorm:"column:plan_id;not null"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;not null;unique"`
	StripeCustomerID     string                   `gorm:"column:stripe_customer_id;not null;index"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'active'"`
	BillingCycle         enums.BillingCycle       `gorm:"column:billing_cycle;type:billing_cycle;not null;default:'monthly'"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     time.Time                `gorm:"column:current_period_end;not null"`
	TrialStart           *time.Time               `gorm:"column:trial_start"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	LastEventAt          *time.Time               `gorm:"column:last_event_at"`
	Metadata             json.RawMessage          `gorm:"column:metadata;type:jsonb"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
