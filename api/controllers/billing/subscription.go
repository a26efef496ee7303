package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talentbase/talentbase-backend/api/middleware"
	"github.com/talentbase/talentbase-backend/api/responses"
	"github.com/talentbase/talentbase-backend/api/validators"
	subscriptionsvc "github.com/talentbase/talentbase-backend/internal/subscriptions"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
)

// SubscriptionReadService describes the subscription reads used by controllers.
type SubscriptionReadService interface {
	GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

type subscriptionResponse struct {
	ID                 string  `json:"id"`
	PlanID             string  `json:"plan_id"`
	Status             string  `json:"status"`
	BillingCycle       string  `json:"billing_cycle"`
	CurrentPeriodStart *string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   string  `json:"current_period_end"`
	TrialEnd           *string `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool    `json:"cancel_at_period_end"`
	CanceledAt         *string `json:"canceled_at,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

type checkoutRequest struct {
	PlanID       string `json:"plan_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type cancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

func requestUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return id, nil
}

func SubscriptionDetail(svc SubscriptionReadService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		sub, err := svc.GetCurrentSubscription(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, subscriptionToResponse(sub))
	}
}

func SubscriptionCheckout(svc subscriptionsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return checkoutHandler(svc, logg, false)
}

func SubscriptionChangePlan(svc subscriptionsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return checkoutHandler(svc, logg, true)
}

func checkoutHandler(svc subscriptionsvc.Service, logg *logger.Logger, changePlan bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		cycle, err := enums.ParseBillingCycle(strings.TrimSpace(payload.BillingCycle))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing cycle"))
			return
		}

		input := subscriptionsvc.StartCheckoutInput{
			PlanID:       strings.TrimSpace(payload.PlanID),
			BillingCycle: cycle,
		}

		var session *subscriptionsvc.CheckoutSession
		if changePlan {
			session, err = svc.StartPlanChange(ctx, userID, input)
		} else {
			session, err = svc.StartCheckout(ctx, userID, input)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, checkoutResponse{
			SessionID:   session.SessionID,
			CheckoutURL: session.URL,
		})
	}
}

func SubscriptionCancel(svc subscriptionsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		atPeriodEnd := true
		if r.ContentLength > 0 {
			var payload cancelRequest
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if payload.AtPeriodEnd != nil {
				atPeriodEnd = *payload.AtPeriodEnd
			}
		}

		sub, err := svc.Cancel(ctx, userID, atPeriodEnd)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, subscriptionToResponse(sub))
	}
}

func SubscriptionResume(svc subscriptionsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := requestUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		sub, err := svc.Resume(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, subscriptionToResponse(sub))
	}
}

func subscriptionToResponse(sub *models.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                sub.ID.String(),
		PlanID:            sub.PlanID,
		Status:            string(sub.Status),
		BillingCycle:      string(sub.BillingCycle),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CreatedAt:         sub.CreatedAt.UTC().Format(time.RFC3339),
	}
	resp.CurrentPeriodStart = formatTimePtr(sub.CurrentPeriodStart)
	resp.TrialEnd = formatTimePtr(sub.TrialEnd)
	resp.CanceledAt = formatTimePtr(sub.CanceledAt)
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
