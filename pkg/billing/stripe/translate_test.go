package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/membership"
)

func stripeEvent(id, eventType string, created int64, object string) *stripe.Event {
	return &stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: created,
		Data:    &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func TestTranslateCheckoutSessionCompleted(t *testing.T) {
	ev := stripeEvent("evt_1", "checkout.session.completed", 1767225600, `{
		"id": "cs_test_1",
		"client_reference_id": "user-1",
		"customer": "cus_123",
		"subscription": "sub_456"
	}`)

	got, err := translateEvent(ev)
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Type != billing.EventCheckoutCompleted {
		t.Fatalf("type = %s, want %s", got.Type, billing.EventCheckoutCompleted)
	}
	if got.ID != "evt_1" {
		t.Errorf("id = %s, want evt_1", got.ID)
	}
	if !got.CreatedAt.Equal(time.Unix(1767225600, 0).UTC()) {
		t.Errorf("createdAt = %v", got.CreatedAt)
	}
	c := got.Checkout
	if c.UserID != "user-1" || c.CustomerRef != "cus_123" || c.SubscriptionRef != "sub_456" {
		t.Errorf("checkout payload = %+v", c)
	}
}

func TestTranslateCheckoutUserIDFallsBackToMetadata(t *testing.T) {
	ev := stripeEvent("evt_1", "checkout.session.completed", 1767225600, `{
		"id": "cs_test_1",
		"customer": "cus_123",
		"metadata": {"user_id": "user-from-metadata"}
	}`)

	got, err := translateEvent(ev)
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Checkout.UserID != "user-from-metadata" {
		t.Errorf("userID = %s, want user-from-metadata", got.Checkout.UserID)
	}
}

func TestTranslateExpandedCustomerReference(t *testing.T) {
	// Stripe sends references either as bare IDs or expanded objects.
	ev := stripeEvent("evt_1", "checkout.session.completed", 1767225600, `{
		"id": "cs_test_1",
		"client_reference_id": "user-1",
		"customer": {"id": "cus_123", "email": "learner@example.com"},
		"subscription": {"id": "sub_456"}
	}`)

	got, err := translateEvent(ev)
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Checkout.CustomerRef != "cus_123" {
		t.Errorf("customerRef = %s, want cus_123", got.Checkout.CustomerRef)
	}
	if got.Checkout.SubscriptionRef != "sub_456" {
		t.Errorf("subscriptionRef = %s, want sub_456", got.Checkout.SubscriptionRef)
	}
}

func TestTranslateSubscriptionEvents(t *testing.T) {
	object := `{
		"id": "sub_456",
		"customer": "cus_123",
		"status": "active",
		"current_period_start": 1767225600,
		"current_period_end": 1769904000,
		"items": {"data": [{"price": {"id": "price_premium"}}]}
	}`

	tests := []struct {
		stripeType string
		wantType   billing.EventType
	}{
		{"customer.subscription.created", billing.EventSubscriptionCreated},
		{"customer.subscription.updated", billing.EventSubscriptionUpdated},
		{"customer.subscription.deleted", billing.EventSubscriptionDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.stripeType, func(t *testing.T) {
			got, err := translateEvent(stripeEvent("evt_1", tt.stripeType, 1767225600, object))
			if err != nil {
				t.Fatalf("translateEvent: %v", err)
			}
			if got.Type != tt.wantType {
				t.Fatalf("type = %s, want %s", got.Type, tt.wantType)
			}
			s := got.Subscription
			if s.SubscriptionRef != "sub_456" || s.CustomerRef != "cus_123" {
				t.Errorf("refs = %+v", s)
			}
			if s.Status != membership.SubscriptionActive {
				t.Errorf("status = %s", s.Status)
			}
			if s.PriceRef != "price_premium" {
				t.Errorf("priceRef = %s", s.PriceRef)
			}
			if !s.CurrentPeriodEnd.Equal(time.Unix(1769904000, 0).UTC()) {
				t.Errorf("periodEnd = %v", s.CurrentPeriodEnd)
			}
		})
	}
}

func TestTranslateSubscriptionItemLevelPeriods(t *testing.T) {
	// Newer API versions move the period fields onto the subscription items.
	ev := stripeEvent("evt_1", "customer.subscription.updated", 1767225600, `{
		"id": "sub_456",
		"customer": "cus_123",
		"status": "active",
		"items": {"data": [{
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"price": {"id": "price_premium"}
		}]}
	}`)

	got, err := translateEvent(ev)
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	s := got.Subscription
	if !s.CurrentPeriodStart.Equal(time.Unix(1767225600, 0).UTC()) {
		t.Errorf("periodStart = %v", s.CurrentPeriodStart)
	}
	if !s.CurrentPeriodEnd.Equal(time.Unix(1769904000, 0).UTC()) {
		t.Errorf("periodEnd = %v", s.CurrentPeriodEnd)
	}
}

func TestTranslateSubscriptionCanceledAt(t *testing.T) {
	ev := stripeEvent("evt_1", "customer.subscription.deleted", 1767225600, `{
		"id": "sub_456",
		"customer": "cus_123",
		"status": "canceled",
		"canceled_at": 1767225600
	}`)

	got, err := translateEvent(ev)
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	s := got.Subscription
	if s.Status != membership.SubscriptionCanceled {
		t.Errorf("status = %s", s.Status)
	}
	if s.CanceledAt == nil || !s.CanceledAt.Equal(time.Unix(1767225600, 0).UTC()) {
		t.Errorf("canceledAt = %v", s.CanceledAt)
	}
}

func TestTranslateInvoiceEvents(t *testing.T) {
	got, err := translateEvent(stripeEvent("evt_1", "invoice.payment_failed", 1767225600, `{
		"id": "in_1",
		"customer": "cus_123",
		"subscription": "sub_456",
		"amount_due": 1999,
		"currency": "usd"
	}`))
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Type != billing.EventInvoicePaymentFailed {
		t.Fatalf("type = %s", got.Type)
	}
	inv := got.Invoice
	if inv.SubscriptionRef != "sub_456" || inv.AmountDue != 1999 || inv.Currency != "usd" {
		t.Errorf("invoice payload = %+v", inv)
	}
}

func TestTranslateInvoiceSubscriptionFromParentDetails(t *testing.T) {
	// Newer invoice payloads carry the subscription under parent details.
	got, err := translateEvent(stripeEvent("evt_1", "invoice.payment_succeeded", 1767225600, `{
		"id": "in_1",
		"customer": "cus_123",
		"parent": {"subscription_details": {"subscription": "sub_456"}}
	}`))
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Invoice.SubscriptionRef != "sub_456" {
		t.Errorf("subscriptionRef = %s, want sub_456", got.Invoice.SubscriptionRef)
	}
}

func TestTranslatePaymentIntentEvents(t *testing.T) {
	object := `{
		"id": "pi_1",
		"customer": "cus_123",
		"amount": 1999,
		"currency": "usd"
	}`

	got, err := translateEvent(stripeEvent("evt_1", "payment_intent.succeeded", 1767225600, object))
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Type != billing.EventPaymentIntentSucceeded {
		t.Fatalf("type = %s", got.Type)
	}
	if got.PaymentIntent.Status != membership.PaymentSucceeded {
		t.Errorf("status = %s", got.PaymentIntent.Status)
	}

	got, err = translateEvent(stripeEvent("evt_2", "payment_intent.payment_failed", 1767225600, object))
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got.Type != billing.EventPaymentIntentFailed {
		t.Fatalf("type = %s", got.Type)
	}
	if got.PaymentIntent.Status != membership.PaymentFailed {
		t.Errorf("status = %s", got.PaymentIntent.Status)
	}
	if got.PaymentIntent.PaymentRef != "pi_1" || got.PaymentIntent.Amount != 1999 {
		t.Errorf("payment payload = %+v", got.PaymentIntent)
	}
}

func TestTranslateUnhandledTypeReturnsNil(t *testing.T) {
	got, err := translateEvent(stripeEvent("evt_1", "customer.created", 1767225600, `{"id": "cus_123"}`))
	if err != nil {
		t.Fatalf("translateEvent: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unhandled type, got %+v", got)
	}
}

func TestTranslateMalformedPayloadErrors(t *testing.T) {
	_, err := translateEvent(stripeEvent("evt_1", "customer.subscription.updated", 1767225600, `{"id": 42}`))
	if err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}

func TestTranslateSubscriptionStatusMapping(t *testing.T) {
	want := map[string]membership.SubscriptionStatus{
		"active":             membership.SubscriptionActive,
		"trialing":           membership.SubscriptionTrialing,
		"past_due":           membership.SubscriptionPastDue,
		"canceled":           membership.SubscriptionCanceled,
		"incomplete":         membership.SubscriptionIncomplete,
		"incomplete_expired": membership.SubscriptionIncomplete,
		"unpaid":             membership.SubscriptionUnpaid,
		"paused":             membership.SubscriptionStatus("paused"),
	}
	for raw, status := range want {
		if got := translateSubscriptionStatus(raw); got != status {
			t.Errorf("translateSubscriptionStatus(%q) = %s, want %s", raw, got, status)
		}
	}
	if translateSubscriptionStatus("paused").Entitles() {
		t.Error("unknown status must never entitle")
	}
}
