package enums

import "fmt"

// SubscriptionAction labels an entry in the append-only subscription history.
type SubscriptionAction string

const (
	ActionCreated          SubscriptionAction = "created"
	ActionActivated        SubscriptionAction = "activated"
	ActionUpgraded         SubscriptionAction = "upgraded"
	ActionDowngraded       SubscriptionAction = "downgraded"
	ActionCanceled         SubscriptionAction = "canceled"
	ActionResumed          SubscriptionAction = "resumed"
	ActionRenewed          SubscriptionAction = "renewed"
	ActionPaymentSucceeded SubscriptionAction = "payment_succeeded"
	ActionPaymentFailed    SubscriptionAction = "payment_failed"
	ActionTrialEnded       SubscriptionAction = "trial_ended"
)

var validSubscriptionActions = []SubscriptionAction{
	ActionCreated,
	ActionActivated,
	ActionUpgraded,
	ActionDowngraded,
	ActionCanceled,
	ActionResumed,
	ActionRenewed,
	ActionPaymentSucceeded,
	ActionPaymentFailed,
	ActionTrialEnded,
}

// String implements fmt.Stringer.
func (a SubscriptionAction) String() string {
	return string(a)
}

// IsValid reports whether the value is a known SubscriptionAction.
func (a SubscriptionAction) IsValid() bool {
	for _, candidate := range validSubscriptionActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseSubscriptionAction converts raw input into a SubscriptionAction.
func ParseSubscriptionAction(value string) (SubscriptionAction, error) {
	for _, candidate := range validSubscriptionActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription action %q", value)
}
