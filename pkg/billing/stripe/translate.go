package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/membership"
)

// The wire structs below are the typed contract for the payload fields this
// subsystem reads. Decoding into them at the boundary means a malformed field
// fails here, not as a nil dereference inside a handler. Fields Stripe
// sometimes sends expanded (customer, subscription) are handled by refField.

// refField decodes a Stripe reference that is either a bare ID string or an
// expanded object with an "id" key.
type refField string

func (r *refField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = refField(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = refField(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          refField          `json:"customer"`
	Subscription      refField          `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                 string   `json:"id"`
	Customer           refField `json:"customer"`
	Status             string   `json:"status"`
	CanceledAt         int64    `json:"canceled_at"`
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID           string   `json:"id"`
	Customer     refField `json:"customer"`
	Subscription refField `json:"subscription"`
	AmountDue    int64    `json:"amount_due"`
	Currency     string   `json:"currency"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription refField `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type paymentIntentPayload struct {
	ID       string   `json:"id"`
	Customer refField `json:"customer"`
	Amount   int64    `json:"amount"`
	Currency string   `json:"currency"`
}

// translateEvent converts a verified Stripe event into the provider-neutral
// typed union. It returns (nil, nil) for event types this system
// intentionally ignores; the endpoint acknowledges those so Stripe never
// retries them.
func translateEvent(ev *stripe.Event) (*billing.Event, error) {
	createdAt := time.Unix(ev.Created, 0).UTC()

	switch ev.Type {
	case "checkout.session.completed":
		var session checkoutSessionPayload
		if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		userID := session.ClientReferenceID
		if userID == "" {
			userID = session.Metadata["user_id"]
		}
		return &billing.Event{
			ID:        ev.ID,
			Type:      billing.EventCheckoutCompleted,
			CreatedAt: createdAt,
			Checkout: &billing.CheckoutCompleted{
				UserID:          userID,
				CustomerRef:     string(session.Customer),
				SubscriptionRef: string(session.Subscription),
			},
		}, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		eventType := billing.EventSubscriptionCreated
		switch ev.Type {
		case "customer.subscription.updated":
			eventType = billing.EventSubscriptionUpdated
		case "customer.subscription.deleted":
			eventType = billing.EventSubscriptionDeleted
		}
		return &billing.Event{
			ID:           ev.ID,
			Type:         eventType,
			CreatedAt:    createdAt,
			Subscription: translateSubscription(&sub),
		}, nil

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		eventType := billing.EventInvoicePaymentSucceeded
		if ev.Type == "invoice.payment_failed" {
			eventType = billing.EventInvoicePaymentFailed
		}
		subscriptionRef := string(inv.Subscription)
		if subscriptionRef == "" {
			subscriptionRef = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		return &billing.Event{
			ID:        ev.ID,
			Type:      eventType,
			CreatedAt: createdAt,
			Invoice: &billing.InvoiceChange{
				SubscriptionRef: subscriptionRef,
				CustomerRef:     string(inv.Customer),
				AmountDue:       inv.AmountDue,
				Currency:        inv.Currency,
			},
		}, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi paymentIntentPayload
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		eventType := billing.EventPaymentIntentSucceeded
		status := membership.PaymentSucceeded
		if ev.Type == "payment_intent.payment_failed" {
			eventType = billing.EventPaymentIntentFailed
			status = membership.PaymentFailed
		}
		return &billing.Event{
			ID:        ev.ID,
			Type:      eventType,
			CreatedAt: createdAt,
			PaymentIntent: &billing.PaymentIntentChange{
				PaymentRef:  pi.ID,
				CustomerRef: string(pi.Customer),
				Amount:      pi.Amount,
				Currency:    pi.Currency,
				Status:      status,
			},
		}, nil

	default:
		return nil, nil
	}
}

// translateSubscription maps the wire payload onto the neutral subscription
// change. Newer API versions carry period fields on the subscription items
// rather than the subscription object, so both locations are consulted.
func translateSubscription(sub *subscriptionPayload) *billing.SubscriptionChange {
	change := &billing.SubscriptionChange{
		SubscriptionRef: sub.ID,
		CustomerRef:     string(sub.Customer),
		Status:          translateSubscriptionStatus(sub.Status),
	}

	periodStart, periodEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		change.PriceRef = item.Price.ID
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodStart != 0 {
		change.CurrentPeriodStart = time.Unix(periodStart, 0).UTC()
	}
	if periodEnd != 0 {
		change.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	if sub.CanceledAt != 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
		change.CanceledAt = &canceledAt
	}
	return change
}

func translateSubscriptionStatus(status string) membership.SubscriptionStatus {
	switch status {
	case "active":
		return membership.SubscriptionActive
	case "trialing":
		return membership.SubscriptionTrialing
	case "past_due":
		return membership.SubscriptionPastDue
	case "canceled":
		return membership.SubscriptionCanceled
	case "incomplete", "incomplete_expired":
		return membership.SubscriptionIncomplete
	case "unpaid":
		return membership.SubscriptionUnpaid
	default:
		// Unknown statuses never entitle; keep the raw value for visibility.
		return membership.SubscriptionStatus(status)
	}
}
