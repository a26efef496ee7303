package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talentbase/talentbase-backend/api/responses"
	"github.com/talentbase/talentbase-backend/api/validators"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/pagination"
)

// HistoryService describes the subscription history reads used by controllers.
type HistoryService interface {
	ListHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.SubscriptionHistory, string, error)
}

type historyEntryResponse struct {
	ID              string  `json:"id"`
	SubscriptionID  string  `json:"subscription_id"`
	Action          string  `json:"action"`
	OldPlanID       *string `json:"old_plan_id,omitempty"`
	NewPlanID       *string `json:"new_plan_id,omitempty"`
	OldStatus       *string `json:"old_status,omitempty"`
	NewStatus       *string `json:"new_status,omitempty"`
	Amount          *string `json:"amount,omitempty"`
	CurrencyCode    *string `json:"currency_code,omitempty"`
	BillingCycle    *string `json:"billing_cycle,omitempty"`
	StripeInvoiceID *string `json:"stripe_invoice_id,omitempty"`
	Description     string  `json:"description,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type historyListResponse struct {
	Entries    []historyEntryResponse `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func HistoryList(svc HistoryService, logg *logger.Logger) http.HandlerFunc {
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

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, nextCursor, err := svc.ListHistory(ctx, userID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, historyListResponse{
			Entries:    historyToResponse(entries),
			NextCursor: nextCursor,
		})
	}
}

func historyToResponse(entries []models.SubscriptionHistory) []historyEntryResponse {
	result := make([]historyEntryResponse, 0, len(entries))
	for i := range entries {
		result = append(result, historyEntryToResponse(&entries[i]))
	}
	return result
}

func historyEntryToResponse(entry *models.SubscriptionHistory) historyEntryResponse {
	resp := historyEntryResponse{
		ID:              entry.ID.String(),
		SubscriptionID:  entry.SubscriptionID.String(),
		Action:          string(entry.Action),
		OldPlanID:       entry.OldPlanID,
		NewPlanID:       entry.NewPlanID,
		StripeInvoiceID: entry.StripeInvoiceID,
		Description:     entry.Description,
		CreatedAt:       entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if entry.OldStatus != nil {
		s := string(*entry.OldStatus)
		resp.OldStatus = &s
	}
	if entry.NewStatus != nil {
		s := string(*entry.NewStatus)
		resp.NewStatus = &s
	}
	if entry.Amount != nil {
		s := entry.Amount.StringFixed(2)
		resp.Amount = &s
	}
	if entry.CurrencyCode != nil {
		s := string(*entry.CurrencyCode)
		resp.CurrencyCode = &s
	}
	if entry.BillingCycle != nil {
		s := string(*entry.BillingCycle)
		resp.BillingCycle = &s
	}
	return resp
}
