// Package membership holds the locally owned billing data model and the
// projector that derives a user's membership level from it. All rows except
// User are keyed by opaque external references issued by the payment provider;
// those references are the natural keys every upsert goes through.
package membership

import "time"

// MembershipLevel is the product-facing tier derived from billing rows.
// It is only ever written by the Projector.
type MembershipLevel string

const (
	LevelFree    MembershipLevel = "free"
	LevelPremium MembershipLevel = "premium"
)

// PaymentStatus is the lifecycle state of a single charge attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentRefunded  PaymentStatus = "refunded"
)

// paymentStatusRank orders payment statuses so that transitions are forward
// only. A stale event carrying a lower-ranked status never overwrites a
// higher-ranked one (e.g. SUCCEEDED never regresses to PENDING).
var paymentStatusRank = map[PaymentStatus]int{
	PaymentPending:   1,
	PaymentFailed:    2,
	PaymentCanceled:  2,
	PaymentSucceeded: 3,
	PaymentRefunded:  4,
}

// SubscriptionStatus mirrors the provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
)

// Entitles reports whether a subscription in this status grants premium access.
func (s SubscriptionStatus) Entitles() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// User is the platform identity this subsystem annotates. MembershipLevel is
// derived; CustomerRef links the user to the provider's customer record and is
// empty until the first completed checkout.
type User struct {
	ID              string
	Email           string
	MembershipLevel MembershipLevel
	CustomerRef     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment is one row per attempted charge, keyed by the provider's charge or
// payment-intent ID.
type Payment struct {
	ExternalRef     string
	UserID          string
	Amount          int64
	Currency        string
	Status          PaymentStatus
	SubscriptionRef string
	// ProviderUpdatedAt is the timestamp of the newest provider event applied
	// to this row; used to discard out-of-order deliveries.
	ProviderUpdatedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Subscription is one row per provider subscription object. Cancellation is a
// status change, never a row removal.
type Subscription struct {
	ExternalRef        string
	UserID             string
	Status             SubscriptionStatus
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CanceledAt         *time.Time
	ProviderUpdatedAt  time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Price is a read-mostly mirror of the provider's pricing catalog.
type Price struct {
	ExternalRef string
	ProductRef  string
	UnitAmount  int64
	Currency    string
	Interval    string
}

// ProcessedEvent is a row in the idempotency ledger. Existence of the event ID
// means the event has been applied.
type ProcessedEvent struct {
	ExternalEventID string
	ProcessedAt     time.Time
}

// MergePayment folds an incoming payment state into the existing row and
// reports whether anything changed. Status transitions are forward only per
// paymentStatusRank; all other fields are filled in when previously unset.
// Both webhook handlers and the reconciler go through this merge so the two
// paths cannot disagree on transition rules.
func MergePayment(existing, incoming *Payment) (*Payment, bool) {
	if existing == nil {
		merged := *incoming
		return &merged, true
	}

	merged := *existing
	changed := false

	if paymentStatusRank[incoming.Status] >= paymentStatusRank[existing.Status] &&
		incoming.Status != existing.Status {
		merged.Status = incoming.Status
		changed = true
	}
	if incoming.SubscriptionRef != "" && existing.SubscriptionRef == "" {
		merged.SubscriptionRef = incoming.SubscriptionRef
		changed = true
	}
	if incoming.UserID != "" && existing.UserID == "" {
		merged.UserID = incoming.UserID
		changed = true
	}
	if incoming.Amount != 0 && existing.Amount == 0 {
		merged.Amount = incoming.Amount
		merged.Currency = incoming.Currency
		changed = true
	}
	if changed && incoming.ProviderUpdatedAt.After(existing.ProviderUpdatedAt) {
		merged.ProviderUpdatedAt = incoming.ProviderUpdatedAt
	}

	return &merged, changed
}

// MergeSubscription folds an incoming subscription state into the existing row
// and reports whether anything changed. An event that is not strictly newer
// than the last applied one is discarded, which makes out-of-order and
// duplicate deliveries converge to the same final row. CurrentPeriodEnd never
// regresses even for newer events.
func MergeSubscription(existing, incoming *Subscription) (*Subscription, bool) {
	if existing == nil {
		merged := *incoming
		return &merged, true
	}

	if !incoming.ProviderUpdatedAt.After(existing.ProviderUpdatedAt) {
		merged := *existing
		return &merged, false
	}

	merged := *existing
	merged.Status = incoming.Status
	if incoming.PriceRef != "" {
		merged.PriceRef = incoming.PriceRef
	}
	if !incoming.CurrentPeriodStart.IsZero() {
		merged.CurrentPeriodStart = incoming.CurrentPeriodStart
	}
	if incoming.CurrentPeriodEnd.After(existing.CurrentPeriodEnd) {
		merged.CurrentPeriodEnd = incoming.CurrentPeriodEnd
	}
	if incoming.CanceledAt != nil {
		canceledAt := *incoming.CanceledAt
		merged.CanceledAt = &canceledAt
	}
	if incoming.UserID != "" && existing.UserID == "" {
		merged.UserID = incoming.UserID
	}
	merged.ProviderUpdatedAt = incoming.ProviderUpdatedAt

	return &merged, !equalSubscriptionState(existing, &merged)
}

// equalSubscriptionState compares the provider-owned fields, ignoring the
// bookkeeping timestamps.
func equalSubscriptionState(a, b *Subscription) bool {
	if a.Status != b.Status ||
		a.PriceRef != b.PriceRef ||
		a.UserID != b.UserID ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
		return false
	}
	if (a.CanceledAt == nil) != (b.CanceledAt == nil) {
		return false
	}
	if a.CanceledAt != nil && !a.CanceledAt.Equal(*b.CanceledAt) {
		return false
	}
	return true
}
