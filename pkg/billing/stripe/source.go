package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/membership"
)

// FetchCustomerState queries Stripe's current truth for one customer: every
// current subscription object plus charges created after since. The snapshot
// carries the fetch time as ProviderUpdatedAt, so when the reconciler merges
// it the current truth wins over any stale local row.
//
// This is a pure read; callers must not hold a storage transaction open while
// it runs.
func (p *Provider) FetchCustomerState(ctx context.Context, customerRef string, since time.Time) (*billing.CustomerState, error) {
	fetchedAt := time.Now().UTC()
	state := &billing.CustomerState{}

	subParams := &stripe.SubscriptionListParams{}
	subParams.Customer = stripe.String(customerRef)
	subParams.Status = stripe.String("all")

	startTime := time.Now()
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, subParams) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("%w: list subscriptions for %s: %v", billing.ErrProviderAPIError, customerRef, err)
		}
		state.Subscriptions = append(state.Subscriptions, subscriptionFromAPI(sub, fetchedAt))
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	chargeParams := &stripe.ChargeListParams{}
	chargeParams.Customer = stripe.String(customerRef)
	chargeParams.CreatedRange = &stripe.RangeQueryParams{
		GreaterThanOrEqual: since.Unix(),
	}

	startTime = time.Now()
	for charge, err := range p.stripeClient.V1Charges.List(ctx, chargeParams) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/charges/list", "error")
			return nil, fmt.Errorf("%w: list charges for %s: %v", billing.ErrProviderAPIError, customerRef, err)
		}
		state.Payments = append(state.Payments, paymentFromAPI(charge, fetchedAt))
	}
	p.metrics.RecordAPICall(providerName, "/charges/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/charges/list", time.Since(startTime))

	return state, nil
}

func subscriptionFromAPI(sub *stripe.Subscription, fetchedAt time.Time) *membership.Subscription {
	row := &membership.Subscription{
		ExternalRef:       sub.ID,
		Status:            translateSubscriptionStatus(string(sub.Status)),
		ProviderUpdatedAt: fetchedAt,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			row.PriceRef = item.Price.ID
		}
		if item.CurrentPeriodStart != 0 {
			row.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd != 0 {
			row.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	if sub.CanceledAt != 0 {
		canceledAt := time.Unix(sub.CanceledAt, 0).UTC()
		row.CanceledAt = &canceledAt
	}
	return row
}

func paymentFromAPI(charge *stripe.Charge, fetchedAt time.Time) *membership.Payment {
	ref := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		// Webhook events key payments by the intent; reuse it so the two
		// paths upsert the same row.
		ref = charge.PaymentIntent.ID
	}

	status := membership.PaymentPending
	switch {
	case charge.Refunded:
		status = membership.PaymentRefunded
	case charge.Status == stripe.ChargeStatusSucceeded:
		status = membership.PaymentSucceeded
	case charge.Status == stripe.ChargeStatusFailed:
		status = membership.PaymentFailed
	}

	return &membership.Payment{
		ExternalRef:       ref,
		Amount:            charge.Amount,
		Currency:          string(charge.Currency),
		Status:            status,
		ProviderUpdatedAt: fetchedAt,
	}
}
