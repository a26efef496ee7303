package customers

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/talentbase/talentbase-backend/pkg/db/models"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
)

type userRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

type stripeCustomerClient interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
}

// ServiceParams groups dependencies for the customer service.
type ServiceParams struct {
	Users  userRepository
	Stripe stripeCustomerClient
	Logger *logger.Logger
}

// Service provisions Stripe customers lazily, on first billing interaction.
type Service struct {
	users  userRepository
	stripe stripeCustomerClient
	logg   *logger.Logger
}

// NewService builds a customer service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Users == nil {
		return nil, errors.New("users repo is required")
	}
	if params.Stripe == nil {
		return nil, errors.New("stripe client is required")
	}
	return &Service{users: params.Users, stripe: params.Stripe, logg: params.Logger}, nil
}

// EnsureCustomer returns the user's Stripe customer id, creating the remote
// customer and persisting the id on first use.
func (s *Service) EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error) {
	if userID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading user")
	}
	if user == nil {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	if user.StripeCustomerID != nil && strings.TrimSpace(*user.StripeCustomerID) != "" {
		return *user.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(user.Name),
	}
	params.AddMetadata("user_id", user.ID.String())

	customer, err := s.stripe.CreateCustomer(ctx, params)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating stripe customer")
	}

	if err := s.users.SetStripeCustomerID(ctx, user.ID, customer.ID); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persisting stripe customer id")
	}

	if s.logg != nil {
		logCtx := s.logg.WithUserID(ctx, user.ID.String())
		s.logg.Info(logCtx, "stripe customer provisioned")
	}

	return customer.ID, nil
}
