package stripewebhook

import "github.com/stripe/stripe-go/v84"

// EventKind is the typed subset of Stripe event types this service handles.
type EventKind string

const (
	KindSubscriptionCreated  EventKind = "customer.subscription.created"
	KindSubscriptionUpdated  EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted  EventKind = "customer.subscription.deleted"
	KindTrialWillEnd         EventKind = "customer.subscription.trial_will_end"
	KindInvoicePaymentOK     EventKind = "invoice.payment_succeeded"
	KindInvoicePaymentFailed EventKind = "invoice.payment_failed"
	KindInvoiceCreated       EventKind = "invoice.created"
	KindCheckoutCompleted    EventKind = "checkout.session.completed"
)

// KindFromEventType maps a raw Stripe event type onto a handled kind.
func KindFromEventType(eventType stripe.EventType) (EventKind, bool) {
	switch eventType {
	case stripe.EventTypeCustomerSubscriptionCreated:
		return KindSubscriptionCreated, true
	case stripe.EventTypeCustomerSubscriptionUpdated:
		return KindSubscriptionUpdated, true
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return KindSubscriptionDeleted, true
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		return KindTrialWillEnd, true
	case stripe.EventTypeInvoicePaymentSucceeded:
		return KindInvoicePaymentOK, true
	case stripe.EventTypeInvoicePaymentFailed:
		return KindInvoicePaymentFailed, true
	case stripe.EventTypeInvoiceCreated:
		return KindInvoiceCreated, true
	case stripe.EventTypeCheckoutSessionCompleted:
		return KindCheckoutCompleted, true
	default:
		return "", false
	}
}
