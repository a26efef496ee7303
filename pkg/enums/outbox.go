package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateSubscription OutboxAggregateType = "subscription"
	AggregateInvoice      OutboxAggregateType = "invoice"
	AggregateCheckout     OutboxAggregateType = "checkout"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateSubscription,
	AggregateInvoice,
	AggregateCheckout,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventSubscriptionCreated   OutboxEventType = "subscription_created"
	EventSubscriptionActivated OutboxEventType = "subscription_activated"
	EventSubscriptionChanged   OutboxEventType = "subscription_changed"
	EventSubscriptionCanceled  OutboxEventType = "subscription_canceled"
	EventSubscriptionResumed   OutboxEventType = "subscription_resumed"
	EventSubscriptionRenewed   OutboxEventType = "subscription_renewed"
	EventPaymentSucceeded      OutboxEventType = "payment_succeeded"
	EventPaymentFailed         OutboxEventType = "payment_failed"
	EventTrialEnding           OutboxEventType = "trial_ending"
	EventCheckoutStarted       OutboxEventType = "checkout_started"
	EventCheckoutConverted     OutboxEventType = "checkout_converted"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSubscriptionCreated,
	EventSubscriptionActivated,
	EventSubscriptionChanged,
	EventSubscriptionCanceled,
	EventSubscriptionResumed,
	EventSubscriptionRenewed,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventTrialEnding,
	EventCheckoutStarted,
	EventCheckoutConverted,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
