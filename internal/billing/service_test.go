package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/pagination"
)

type stubRepo struct {
	Repository

	plans   []models.SubscriptionPlan
	plan    *models.SubscriptionPlan
	sub     *models.Subscription
	history []models.SubscriptionHistory
	next    *pagination.Cursor

	lastPlanQuery ListPlansQuery
	lastHistQuery ListHistoryQuery
}

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) ListPlans(ctx context.Context, params ListPlansQuery) ([]models.SubscriptionPlan, error) {
	s.lastPlanQuery = params
	return s.plans, nil
}

func (s *stubRepo) FindPlanByID(ctx context.Context, id string) (*models.SubscriptionPlan, error) {
	return s.plan, nil
}

func (s *stubRepo) FindLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.sub, nil
}

func (s *stubRepo) ListHistoryByUser(ctx context.Context, params ListHistoryQuery) ([]models.SubscriptionHistory, *pagination.Cursor, error) {
	s.lastHistQuery = params
	return s.history, s.next, nil
}

func TestListPlans_FiltersActive(t *testing.T) {
	repo := &stubRepo{plans: []models.SubscriptionPlan{{ID: "starter", Tier: 1}}}
	svc, err := NewService(ServiceParams{Repo: repo})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	plans, err := svc.ListPlans(context.Background())
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}
	if repo.lastPlanQuery.Status == nil || *repo.lastPlanQuery.Status != enums.PlanStatusActive {
		t.Fatalf("expected active status filter, got %+v", repo.lastPlanQuery.Status)
	}
}

func TestGetPlan_NotFound(t *testing.T) {
	svc, err := NewService(ServiceParams{Repo: &stubRepo{}})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.GetPlan(context.Background(), "ghost")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetCurrentSubscription(t *testing.T) {
	userID := uuid.New()
	sub := &models.Subscription{ID: uuid.New(), UserID: userID, Status: enums.SubscriptionStatusActive}
	svc, err := NewService(ServiceParams{Repo: &stubRepo{sub: sub}})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	got, err := svc.GetCurrentSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetCurrentSubscription: %v", err)
	}
	if got.ID != sub.ID {
		t.Fatalf("unexpected subscription %s", got.ID)
	}

	svcEmpty, _ := NewService(ServiceParams{Repo: &stubRepo{}})
	_, err = svcEmpty.GetCurrentSubscription(context.Background(), userID)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected NotFound without live subscription, got %v", err)
	}
}

func TestListHistory_EncodesNextCursor(t *testing.T) {
	next := &pagination.Cursor{CreatedAt: time.Now().UTC(), ID: uuid.New()}
	repo := &stubRepo{
		history: []models.SubscriptionHistory{{Action: enums.ActionCreated}},
		next:    next,
	}
	svc, err := NewService(ServiceParams{Repo: repo})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	entries, cursor, err := svc.ListHistory(context.Background(), uuid.New(), pagination.Params{Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if cursor == "" {
		t.Fatal("expected encoded next cursor")
	}

	parsed, err := pagination.ParseCursor(cursor)
	if err != nil {
		t.Fatalf("cursor should round-trip: %v", err)
	}
	if parsed.ID != next.ID {
		t.Fatalf("unexpected cursor id %s", parsed.ID)
	}
}

func TestListHistory_RejectsBadCursor(t *testing.T) {
	svc, err := NewService(ServiceParams{Repo: &stubRepo{}})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, _, err = svc.ListHistory(context.Background(), uuid.New(), pagination.Params{Cursor: "%%%"})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}
