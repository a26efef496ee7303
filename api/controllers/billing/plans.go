package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talentbase/talentbase-backend/api/responses"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
)

// PlanCatalogService describes the plan reads used by the HTTP controllers.
type PlanCatalogService interface {
	ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
	GetPlan(ctx context.Context, id string) (*models.SubscriptionPlan, error)
}

type planResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Tier         int             `json:"tier"`
	Status       string          `json:"status"`
	PriceMonthly string          `json:"price_monthly"`
	PriceYearly  string          `json:"price_yearly"`
	CurrencyCode string          `json:"currency_code"`
	TrialDays    int             `json:"trial_days"`
	Features     []string        `json:"features"`
	Limits       json.RawMessage `json:"limits,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

func PlansList(svc PlanCatalogService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		plans, err := svc.ListPlans(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, planListResponse{Plans: plansToResponse(plans)})
	}
}

func PlanDetail(svc PlanCatalogService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID := strings.TrimSpace(chi.URLParam(r, "planId"))
		if planID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required"))
			return
		}

		plan, err := svc.GetPlan(ctx, planID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if plan.Status != enums.PlanStatusActive {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found"))
			return
		}

		responses.WriteSuccess(w, planToResponse(plan))
	}
}

func plansToResponse(plans []models.SubscriptionPlan) []planResponse {
	result := make([]planResponse, 0, len(plans))
	for i := range plans {
		result = append(result, planToResponse(&plans[i]))
	}
	return result
}

func planToResponse(plan *models.SubscriptionPlan) planResponse {
	features := make([]string, len(plan.Features))
	copy(features, plan.Features)

	return planResponse{
		ID:           plan.ID,
		Name:         plan.Name,
		Tier:         plan.Tier,
		Status:       string(plan.Status),
		PriceMonthly: plan.PriceMonthly.StringFixed(2),
		PriceYearly:  plan.PriceYearly.StringFixed(2),
		CurrencyCode: string(plan.CurrencyCode),
		TrialDays:    plan.TrialDays,
		Features:     features,
		Limits:       plan.Limits,
		CreatedAt:    plan.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    plan.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
