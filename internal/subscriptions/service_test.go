package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/internal/billing"
	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

type stubBillingRepo struct {
	billing.Repository

	plan *models.SubscriptionPlan
	live *models.Subscription

	updated []models.Subscription
	history []models.SubscriptionHistory
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) FindPlanByID(ctx context.Context, id string) (*models.SubscriptionPlan, error) {
	if s.plan != nil && s.plan.ID == id {
		return s.plan, nil
	}
	return nil, nil
}

func (s *stubBillingRepo) FindLiveSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.live, nil
}

func (s *stubBillingRepo) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	if s.live != nil && s.live.StripeSubscriptionID == stripeSubscriptionID {
		return s.live, nil
	}
	return nil, nil
}

func (s *stubBillingRepo) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	s.updated = append(s.updated, *sub)
	return nil
}

func (s *stubBillingRepo) CreateHistory(ctx context.Context, entry *models.SubscriptionHistory) error {
	s.history = append(s.history, *entry)
	return nil
}

type stubCustomers struct {
	customerID string
}

func (s *stubCustomers) EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.customerID, nil
}

type recordingStripeClient struct {
	StripeBillingClient

	sessionParams *stripe.CheckoutSessionParams
	updateParams  *stripe.SubscriptionParams
	canceledID    string

	subscription *stripe.Subscription
}

func (r *recordingStripeClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	r.sessionParams = params
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (r *recordingStripeClient) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	r.updateParams = params
	if r.subscription != nil {
		return r.subscription, nil
	}
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive}, nil
}

func (r *recordingStripeClient) CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	r.canceledID = id
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled, CanceledAt: time.Now().Unix()}, nil
}

type recordingOutbox struct {
	emitted []outbox.DomainEvent
	queued  map[string]bool
}

func (r *recordingOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	r.emitted = append(r.emitted, event)
	return nil
}

func (r *recordingOutbox) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	key := string(event.EventType) + "/" + event.AggregateID.String()
	if r.queued == nil {
		r.queued = map[string]bool{}
	}
	if r.queued[key] {
		return nil
	}
	r.queued[key] = true
	return r.Emit(ctx, tx, event)
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		CheckoutSuccessURL: "https://app.talentbase.test/billing/success",
		CheckoutCancelURL:  "https://app.talentbase.test/billing/cancel",
	}
}

func activePlan(id string, tier int, trialDays int) *models.SubscriptionPlan {
	return &models.SubscriptionPlan{
		ID:                   id,
		Tier:                 tier,
		Status:               enums.PlanStatusActive,
		TrialDays:            trialDays,
		StripePriceIDMonthly: "price_" + id + "_monthly",
		StripePriceIDYearly:  "price_" + id + "_yearly",
	}
}

func liveSubscription(userID uuid.UUID, planID string) *models.Subscription {
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		PlanID:               planID,
		StripeSubscriptionID: "sub_live",
		StripeCustomerID:     "cus_1",
		Status:               enums.SubscriptionStatusActive,
		BillingCycle:         enums.BillingCycleMonthly,
	}
}

func newTestService(t *testing.T, repo *stubBillingRepo, sc *recordingStripeClient, ob *recordingOutbox) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		BillingRepo:       repo,
		Customers:         &stubCustomers{customerID: "cus_1"},
		StripeClient:      sc,
		TransactionRunner: passthroughTx{},
		Outbox:            ob,
		Billing:           testBillingConfig(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestStartCheckout_CreatesSessionWithMetadata(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{plan: activePlan("starter", 1, 14)}
	sc := &recordingStripeClient{}
	ob := &recordingOutbox{}
	svc := newTestService(t, repo, sc, ob)

	sess, err := svc.StartCheckout(context.Background(), userID, StartCheckoutInput{
		PlanID:       "starter",
		BillingCycle: enums.BillingCycleMonthly,
	})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if sess.SessionID != "cs_test" || sess.URL == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	params := sc.sessionParams
	if params == nil {
		t.Fatal("checkout session params not captured")
	}
	if got := stripe.StringValue(params.Mode); got != string(stripe.CheckoutSessionModeSubscription) {
		t.Fatalf("expected subscription mode, got %s", got)
	}
	if got := stripe.StringValue(params.LineItems[0].Price); got != "price_starter_monthly" {
		t.Fatalf("unexpected price %s", got)
	}
	if params.Metadata["user_id"] != userID.String() || params.Metadata["plan_id"] != "starter" {
		t.Fatalf("missing identity metadata: %v", params.Metadata)
	}
	if params.SubscriptionData == nil || params.SubscriptionData.Metadata["user_id"] != userID.String() {
		t.Fatal("metadata must also land on the subscription")
	}
	if params.SubscriptionData.TrialPeriodDays == nil || *params.SubscriptionData.TrialPeriodDays != 14 {
		t.Fatalf("expected 14 trial days, got %+v", params.SubscriptionData.TrialPeriodDays)
	}

	if len(ob.emitted) != 1 || ob.emitted[0].EventType != enums.EventCheckoutStarted {
		t.Fatalf("expected checkout_started outbox event, got %+v", ob.emitted)
	}
}

func TestStartCheckout_RepeatedAttemptsQueueOneStartedEvent(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{plan: activePlan("starter", 1, 0)}
	ob := &recordingOutbox{}
	svc := newTestService(t, repo, &recordingStripeClient{}, ob)

	input := StartCheckoutInput{PlanID: "starter", BillingCycle: enums.BillingCycleMonthly}
	for i := 0; i < 2; i++ {
		if _, err := svc.StartCheckout(context.Background(), userID, input); err != nil {
			t.Fatalf("StartCheckout attempt %d: %v", i+1, err)
		}
	}

	if len(ob.emitted) != 1 {
		t.Fatalf("expected one queued checkout_started event, got %d", len(ob.emitted))
	}
}

func TestStartCheckout_UnknownPlanFailsBeforeStripe(t *testing.T) {
	sc := &recordingStripeClient{}
	svc := newTestService(t, &stubBillingRepo{}, sc, &recordingOutbox{})

	_, err := svc.StartCheckout(context.Background(), uuid.New(), StartCheckoutInput{
		PlanID:       "ghost",
		BillingCycle: enums.BillingCycleMonthly,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if sc.sessionParams != nil {
		t.Fatal("stripe must not be called for unknown plans")
	}
}

func TestStartCheckout_RejectsExistingLiveSubscription(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{
		plan: activePlan("starter", 1, 0),
		live: liveSubscription(userID, "starter"),
	}
	svc := newTestService(t, repo, &recordingStripeClient{}, &recordingOutbox{})

	_, err := svc.StartCheckout(context.Background(), userID, StartCheckoutInput{
		PlanID:       "starter",
		BillingCycle: enums.BillingCycleMonthly,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}

func TestStartPlanChange_StampsChangeMetadataWithoutTrial(t *testing.T) {
	userID := uuid.New()
	live := liveSubscription(userID, "starter")
	repo := &stubBillingRepo{plan: activePlan("growth", 2, 14), live: live}
	sc := &recordingStripeClient{}
	svc := newTestService(t, repo, sc, &recordingOutbox{})

	_, err := svc.StartPlanChange(context.Background(), userID, StartCheckoutInput{
		PlanID:       "growth",
		BillingCycle: enums.BillingCycleMonthly,
	})
	if err != nil {
		t.Fatalf("StartPlanChange: %v", err)
	}

	params := sc.sessionParams
	if params.Metadata["action"] != "change_plan" {
		t.Fatalf("expected change_plan action, got %v", params.Metadata)
	}
	if params.Metadata["old_subscription_id"] != live.StripeSubscriptionID {
		t.Fatalf("old_subscription_id must carry the provider id, got %s", params.Metadata["old_subscription_id"])
	}
	if params.SubscriptionData.TrialPeriodDays != nil {
		t.Fatal("plan changes must not restart the trial")
	}
}

func TestStartPlanChange_RejectsSamePlanAndCycle(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{
		plan: activePlan("starter", 1, 0),
		live: liveSubscription(userID, "starter"),
	}
	svc := newTestService(t, repo, &recordingStripeClient{}, &recordingOutbox{})

	_, err := svc.StartPlanChange(context.Background(), userID, StartCheckoutInput{
		PlanID:       "starter",
		BillingCycle: enums.BillingCycleMonthly,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}

func TestCancel_AtPeriodEndKeepsStatusAndSchedules(t *testing.T) {
	userID := uuid.New()
	live := liveSubscription(userID, "starter")
	repo := &stubBillingRepo{live: live}
	sc := &recordingStripeClient{subscription: &stripe.Subscription{
		ID:                "sub_live",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
	}}
	ob := &recordingOutbox{}
	svc := newTestService(t, repo, sc, ob)

	updated, err := svc.Cancel(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sc.updateParams == nil || !stripe.BoolValue(sc.updateParams.CancelAtPeriodEnd) {
		t.Fatal("expected cancel_at_period_end update")
	}
	if !updated.CancelAtPeriodEnd || updated.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected scheduled cancellation on active row, got %+v", updated)
	}
	if updated.LastEventAt == nil {
		t.Fatal("last_event_at must advance so older buffered events are skipped")
	}
	if len(repo.history) != 1 || repo.history[0].Action != enums.ActionCanceled {
		t.Fatalf("expected canceled history entry, got %+v", repo.history)
	}
	if len(ob.emitted) != 1 || ob.emitted[0].EventType != enums.EventSubscriptionCanceled {
		t.Fatalf("expected subscription_canceled outbox event, got %+v", ob.emitted)
	}
}

func TestCancel_ImmediateTerminates(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{live: liveSubscription(userID, "starter")}
	sc := &recordingStripeClient{}
	svc := newTestService(t, repo, sc, &recordingOutbox{})

	updated, err := svc.Cancel(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sc.canceledID != "sub_live" {
		t.Fatalf("expected provider cancel of sub_live, got %q", sc.canceledID)
	}
	if updated.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled status, got %s", updated.Status)
	}
}

func TestCancel_NoLiveSubscription(t *testing.T) {
	svc := newTestService(t, &stubBillingRepo{}, &recordingStripeClient{}, &recordingOutbox{})

	_, err := svc.Cancel(context.Background(), uuid.New(), true)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestResume_RequiresScheduledCancellation(t *testing.T) {
	userID := uuid.New()
	repo := &stubBillingRepo{live: liveSubscription(userID, "starter")}
	svc := newTestService(t, repo, &recordingStripeClient{}, &recordingOutbox{})

	_, err := svc.Resume(context.Background(), userID)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}

func TestResume_ClearsCancelFlag(t *testing.T) {
	userID := uuid.New()
	live := liveSubscription(userID, "starter")
	live.CancelAtPeriodEnd = true
	repo := &stubBillingRepo{live: live}
	sc := &recordingStripeClient{subscription: &stripe.Subscription{
		ID:                "sub_live",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: false,
	}}
	ob := &recordingOutbox{}
	svc := newTestService(t, repo, sc, ob)

	updated, err := svc.Resume(context.Background(), userID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sc.updateParams == nil || stripe.BoolValue(sc.updateParams.CancelAtPeriodEnd) {
		t.Fatal("expected cancel_at_period_end cleared on provider")
	}
	if updated.CancelAtPeriodEnd {
		t.Fatal("local cancel flag should be cleared")
	}
	if updated.LastEventAt == nil {
		t.Fatal("last_event_at must advance so older buffered events are skipped")
	}
	if len(repo.history) != 1 || repo.history[0].Action != enums.ActionResumed {
		t.Fatalf("expected resumed history entry, got %+v", repo.history)
	}
	if len(ob.emitted) != 1 || ob.emitted[0].EventType != enums.EventSubscriptionResumed {
		t.Fatalf("expected subscription_resumed outbox event, got %+v", ob.emitted)
	}
}
