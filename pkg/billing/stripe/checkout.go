package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/membership"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription and
// returns its URL. The platform user ID rides along as client_reference_id
// and subscription metadata, which is what lets the
// checkout.session.completed handler attach the customer reference.
func (p *Provider) CheckoutURL(ctx context.Context, userID, priceRef, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", userID)

	// Reuse the existing customer record when the user already checked out
	// once; otherwise Stripe creates one during checkout.
	if user, err := p.config.Store.GetUser(ctx, userID); err == nil && user.CustomerRef != "" {
		params.Customer = stripe.String(user.CustomerRef)
	} else if err != nil && !errors.Is(err, membership.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("resolve customer for %s: %w", userID, err)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	return session.URL, nil
}
