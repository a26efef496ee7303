package subscriptions

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/talentbase/talentbase-backend/pkg/enums"
	pkgerrors "github.com/talentbase/talentbase-backend/pkg/errors"
)

func stripeSubscriptionFixture() *stripe.Subscription {
	now := time.Now()
	return &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusTrialing,
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			CurrentPeriodStart: now.Unix(),
			CurrentPeriodEnd:   now.Add(720 * time.Hour).Unix(),
			Price:              &stripe.Price{ID: "price_starter_monthly"},
		}}},
		TrialStart: now.Unix(),
		TrialEnd:   now.Add(14 * 24 * time.Hour).Unix(),
	}
}

func TestBuildSubscriptionFromStripe(t *testing.T) {
	userID := uuid.New()
	sub, err := BuildSubscriptionFromStripe(stripeSubscriptionFixture(), userID, "starter", enums.BillingCycleMonthly, "cus_1")
	if err != nil {
		t.Fatalf("BuildSubscriptionFromStripe: %v", err)
	}

	if sub.UserID != userID || sub.PlanID != "starter" {
		t.Fatalf("unexpected identity %s/%s", sub.UserID, sub.PlanID)
	}
	if sub.Status != enums.SubscriptionStatusTrialing {
		t.Fatalf("expected trialing, got %s", sub.Status)
	}
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd.IsZero() {
		t.Fatal("period fields must come from the subscription item")
	}
	if sub.TrialEnd == nil {
		t.Fatal("trial end missing")
	}
}

func TestBuildSubscriptionFromStripe_RequiresUser(t *testing.T) {
	_, err := BuildSubscriptionFromStripe(stripeSubscriptionFixture(), uuid.Nil, "starter", enums.BillingCycleMonthly, "cus_1")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestUpdateSubscriptionFromStripe_KeepsPeriodWhenAbsent(t *testing.T) {
	userID := uuid.New()
	original, err := BuildSubscriptionFromStripe(stripeSubscriptionFixture(), userID, "starter", enums.BillingCycleMonthly, "cus_1")
	if err != nil {
		t.Fatalf("BuildSubscriptionFromStripe: %v", err)
	}
	keptEnd := original.CurrentPeriodEnd

	// Deleted-event payloads often omit items; period fields must survive.
	if err := UpdateSubscriptionFromStripe(original, &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusCanceled,
	}); err != nil {
		t.Fatalf("UpdateSubscriptionFromStripe: %v", err)
	}

	if original.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", original.Status)
	}
	if !original.CurrentPeriodEnd.Equal(keptEnd) {
		t.Fatal("period end must not be zeroed by sparse payloads")
	}
	if original.UserID != userID || original.PlanID != "starter" {
		t.Fatal("identity fields must not change on update")
	}
}

func TestMapStripeStatus(t *testing.T) {
	cases := []struct {
		in   stripe.SubscriptionStatus
		want enums.SubscriptionStatus
	}{
		{stripe.SubscriptionStatusTrialing, enums.SubscriptionStatusTrialing},
		{stripe.SubscriptionStatusActive, enums.SubscriptionStatusActive},
		{stripe.SubscriptionStatusPastDue, enums.SubscriptionStatusPastDue},
		{stripe.SubscriptionStatusCanceled, enums.SubscriptionStatusCanceled},
		{stripe.SubscriptionStatusUnpaid, enums.SubscriptionStatusCanceled},
		{stripe.SubscriptionStatusIncompleteExpired, enums.SubscriptionStatusCanceled},
		{stripe.SubscriptionStatusIncomplete, enums.SubscriptionStatusActive},
	}
	for _, tc := range cases {
		if got := MapStripeStatus(tc.in); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestClassifyPlanChange(t *testing.T) {
	if got := ClassifyPlanChange(1, 2); got != enums.ActionUpgraded {
		t.Fatalf("1 to 2 should upgrade, got %s", got)
	}
	if got := ClassifyPlanChange(2, 1); got != enums.ActionDowngraded {
		t.Fatalf("2 to 1 should downgrade, got %s", got)
	}
	if got := ClassifyPlanChange(2, 2); got != enums.ActionActivated {
		t.Fatalf("equal tiers should activate, got %s", got)
	}
}

func TestUserIDFromMetadata(t *testing.T) {
	userID := uuid.New()
	got, err := UserIDFromMetadata(map[string]string{MetadataKeyUserID: userID.String()})
	if err != nil {
		t.Fatalf("UserIDFromMetadata: %v", err)
	}
	if got != userID {
		t.Fatalf("expected %s, got %s", userID, got)
	}

	if _, err := UserIDFromMetadata(map[string]string{}); err == nil {
		t.Fatal("missing user_id should error")
	}
	if _, err := UserIDFromMetadata(map[string]string{MetadataKeyUserID: "not-a-uuid"}); err == nil {
		t.Fatal("malformed user_id should error")
	}
}
