package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/talentbase/talentbase-backend/pkg/enums"
)

// SubscriptionPlan captures the local catalog entry for a billing plan.
// Tier orders plans for upgrade/downgrade classification on plan changes.
type SubscriptionPlan struct {
	ID                   string           `gorm:"column:id;primaryKey"`
	Name                 string           `gorm:"column:name;not null"`
	Tier                 int              `gorm:"column:tier;not null"`
	Status               enums.PlanStatus `gorm:"column:status;type:plan_status;not null"`
	StripeProductID      string           `gorm:"column:stripe_product_id;not null"`
	StripePriceIDMonthly string           `gorm:"column:stripe_price_id_monthly;not null;uniqueIndex"`
	StripePriceIDYearly  string           `gorm:"column:stripe_price_id_yearly;not null;uniqueIndex"`
	PriceMonthly         decimal.Decimal  `gorm:"column:price_monthly;type:numeric(12,2);not null"`
	PriceYearly          decimal.Decimal  `gorm:"column:price_yearly;type:numeric(12,2);not null"`
	CurrencyCode         enums.Currency   `gorm:"column:currency_code;not null;default:'usd'"`
	TrialDays            int              `gorm:"column:trial_days;not null;default:0"`
	Features             pq.StringArray   `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	Limits               json.RawMessage  `gorm:"column:limits;type:jsonb"`
	CreatedAt            time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// StripePriceID returns the price id matching the billing cycle.
func (p SubscriptionPlan) StripePriceID(cycle enums.BillingCycle) string {
	if cycle == enums.BillingCycleYearly {
		return p.StripePriceIDYearly
	}
	return p.StripePriceIDMonthly
}

// Price returns the decimal price matching the billing cycle.
func (p SubscriptionPlan) Price(cycle enums.BillingCycle) decimal.Decimal {
	if cycle == enums.BillingCycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}
