package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentbase/talentbase-backend/pkg/enums"
)

// SubscriptionHistory is the append-only audit log of subscription lifecycle
// transitions. Rows are insert-only; there is no update or delete path.
type SubscriptionHistory struct {
	ID              uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID  uuid.UUID                 `gorm:"column:subscription_id;type:uuid;not null;index"`
	UserID          uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;index"`
	Action          enums.SubscriptionAction  `gorm:"column:action;type:subscription_action;not null"`
	OldPlanID       *string                   `gorm:"column:old_plan_id"`
	NewPlanID       *string                   `gorm:"column:new_plan_id"`
	OldStatus       *enums.SubscriptionStatus `gorm:"column:old_status;type:subscription_status"`
	NewStatus       *enums.SubscriptionStatus `gorm:"column:new_status;type:subscription_status"`
	Amount          *decimal.Decimal          `gorm:"column:amount;type:numeric(12,2)"`
	CurrencyCode    *enums.Currency           `gorm:"column:currency_code"`
	BillingCycle    *enums.BillingCycle       `gorm:"column:billing_cycle;type:billing_cycle"`
	StripeEventID   *string                   `gorm:"column:stripe_event_id"`
	StripeInvoiceID *string                   `gorm:"column:stripe_invoice_id"`
	Description     string                    `gorm:"column:description;not null;default:''"`
	Metadata        json.RawMessage           `gorm:"column:metadata;type:jsonb"`
	CreatedAt       time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

// TableName keeps the singular-free historical name used by the migrations.
func (SubscriptionHistory) TableName() string {
	return "subscription_history"
}
