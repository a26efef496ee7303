package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	"github.com/talentbase/talentbase-backend/pkg/pagination"
)

// Repository handles billing persistence. Subscriptions are never deleted and
// history rows are insert-only.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error
	FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)

	CreateHistory(ctx context.Context, entry *models.SubscriptionHistory) error
	ListHistoryByUser(ctx context.Context, params ListHistoryQuery) ([]models.SubscriptionHistory, *pagination.Cursor, error)

	ListPlans(ctx context.Context, params ListPlansQuery) ([]models.SubscriptionPlan, error)
	FindPlanByID(ctx context.Context, id string) (*models.SubscriptionPlan, error)
	FindPlanByStripePriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)

	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	WebhookEventExists(ctx context.Context, stripeEventID string) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// ListPlansQuery configures plan list queries.
type ListPlansQuery struct {
	Status *enums.PlanStatus
}

// ListHistoryQuery configures history list queries.
type ListHistoryQuery struct {
	UserID uuid.UUID
	Limit  int
	Cursor *pagination.Cursor
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Create(subscription).Error
}

func (r *repository) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.db.WithContext(ctx).Save(subscription).Error
}

func (r *repository) FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status <> ?", userID, enums.SubscriptionStatusCanceled).
		Order("created_at DESC").
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) CreateHistory(ctx context.Context, entry *models.SubscriptionHistory) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListHistoryByUser(ctx context.Context, params ListHistoryQuery) ([]models.SubscriptionHistory, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).
		Model(&models.SubscriptionHistory{}).
		Where("user_id = ?", params.UserID)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var entries []models.SubscriptionHistory
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	if len(entries) > limit {
		next := entries[limit]
		entries = entries[:limit]
		return entries, &pagination.Cursor{
			CreatedAt: next.CreatedAt,
			ID:        next.ID,
		}, nil
	}

	return entries, nil, nil
}

func (r *repository) ListPlans(ctx context.Context, params ListPlansQuery) ([]models.SubscriptionPlan, error) {
	query := r.db.WithContext(ctx).Model(&models.SubscriptionPlan{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var plans []models.SubscriptionPlan
	if err := query.Order("tier ASC, name ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repository) FindPlanByID(ctx context.Context, id string) (*models.SubscriptionPlan, error) {
	if id == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var plan models.SubscriptionPlan
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) FindPlanByStripePriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	if priceID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var plan models.SubscriptionPlan
	if err := r.db.WithContext(ctx).
		Where("stripe_price_id_monthly = ? OR stripe_price_id_yearly = ?", priceID, priceID).
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) WebhookEventExists(ctx context.Context, stripeEventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("stripe_event_id = ?", stripeEventID).
		Count(&count).Error
	return count > 0, err
}
