package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/pagination"
)

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo Repository
}

// Service serves the read-side billing surface: plan catalog, current
// subscription, and history. Mutations go through internal/subscriptions and
// the webhook dispatcher.
type Service struct {
	repo Repository
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	return &Service{repo: params.Repo}, nil
}

// ListPlans returns the selectable plan catalog ordered by tier.
func (s *Service) ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	status := enums.PlanStatusActive
	plans, err := s.repo.ListPlans(ctx, ListPlansQuery{Status: &status})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing plans")
	}
	return plans, nil
}

// GetPlan returns a single plan by id regardless of status.
func (s *Service) GetPlan(ctx context.Context, id string) (*models.SubscriptionPlan, error) {
	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

// GetCurrentSubscription returns the user's live subscription, or NotFound.
func (s *Service) GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindLiveSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "finding subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	return sub, nil
}

// ListHistory pages through the user's subscription history, newest first.
func (s *Service) ListHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.SubscriptionHistory, string, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	entries, next, err := s.repo.ListHistoryByUser(ctx, ListHistoryQuery{
		UserID: userID,
		Limit:  params.Limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing history")
	}

	nextCursor := ""
	if next != nil {
		nextCursor = pagination.EncodeCursor(*next)
	}
	return entries, nextCursor, nil
}
