package billing

import (
	"fmt"
	"time"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// EventType identifies a provider event the dispatcher knows how to apply.
// Provider packages translate their wire-level type strings into these
// constants at the parsing boundary.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.completed"
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventPaymentIntentSucceeded  EventType = "payment_intent.succeeded"
	EventPaymentIntentFailed     EventType = "payment_intent.failed"
)

// Event is a provider-neutral, typed webhook event. Exactly one payload field
// matching Type is set; Validate enforces this so malformed input fails at
// ingestion instead of surfacing as nil dereferences inside a handler.
//
// ID is the sole idempotency key. CreatedAt is the provider-side event
// timestamp and drives the stale-event guards.
type Event struct {
	ID        string
	Type      EventType
	CreatedAt time.Time

	Checkout      *CheckoutCompleted
	Subscription  *SubscriptionChange
	Invoice       *InvoiceChange
	PaymentIntent *PaymentIntentChange
}

// CheckoutCompleted carries the link between a platform user and the
// provider's customer record, established at checkout.
type CheckoutCompleted struct {
	UserID          string
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionChange carries the subscription object state from a
// created/updated/deleted event.
type SubscriptionChange struct {
	SubscriptionRef    string
	CustomerRef        string
	Status             membership.SubscriptionStatus
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CanceledAt         *time.Time
}

// InvoiceChange carries the subscription reference of an invoice payment
// event. Amounts are informational; period fields are owned by subscription
// events so the same field never has two sources of truth.
type InvoiceChange struct {
	SubscriptionRef string
	CustomerRef     string
	AmountDue       int64
	Currency        string
}

// PaymentIntentChange carries a charge attempt's state.
type PaymentIntentChange struct {
	PaymentRef      string
	CustomerRef     string
	Amount          int64
	Currency        string
	Status          membership.PaymentStatus
	SubscriptionRef string
}

// Validate checks the envelope invariants: non-empty ID, a known type, and the
// payload field that type requires.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	switch e.Type {
	case EventCheckoutCompleted:
		if e.Checkout == nil {
			return fmt.Errorf("%w: %s without checkout payload", ErrInvalidPayload, e.Type)
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		if e.Subscription == nil || e.Subscription.SubscriptionRef == "" {
			return fmt.Errorf("%w: %s without subscription payload", ErrInvalidPayload, e.Type)
		}
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		if e.Invoice == nil {
			return fmt.Errorf("%w: %s without invoice payload", ErrInvalidPayload, e.Type)
		}
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		if e.PaymentIntent == nil || e.PaymentIntent.PaymentRef == "" {
			return fmt.Errorf("%w: %s without payment intent payload", ErrInvalidPayload, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, e.Type)
	}
	return nil
}
