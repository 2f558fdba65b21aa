package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// handleCheckoutCompleted attaches the provider customer reference to the
// user who completed checkout. The subscription object itself arrives via its
// own events; only the link is established here.
func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, tx membership.Store, ev *Event) (string, error) {
	c := ev.Checkout
	if c.UserID == "" || c.CustomerRef == "" {
		// Authentic but unusable: without both halves of the link there is
		// nothing to attach, and a provider retry would not change that.
		d.logger.Warn("checkout event missing user or customer reference",
			Field{Key: "event_id", Value: ev.ID})
		return "", nil
	}

	if _, err := tx.GetUser(ctx, c.UserID); err != nil {
		if errors.Is(err, membership.ErrUserNotFound) {
			d.logger.Warn("checkout references unknown user",
				Field{Key: "event_id", Value: ev.ID},
				Field{Key: "user_id", Value: c.UserID})
			return "", nil
		}
		return "", err
	}
	if err := tx.SetCustomerRef(ctx, c.UserID, c.CustomerRef); err != nil {
		return "", fmt.Errorf("set customer ref: %w", err)
	}
	return c.UserID, nil
}

// handleSubscriptionChange upserts the subscription row for created and
// updated events. A missing row is created rather than treated as an error,
// since the update may arrive before the create.
func (d *Dispatcher) handleSubscriptionChange(ctx context.Context, tx membership.Store, ev *Event) (string, error) {
	s := ev.Subscription
	incoming := &membership.Subscription{
		ExternalRef:        s.SubscriptionRef,
		Status:             s.Status,
		PriceRef:           s.PriceRef,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CanceledAt:         s.CanceledAt,
		ProviderUpdatedAt:  ev.CreatedAt,
	}
	return d.upsertSubscription(ctx, tx, ev, s.CustomerRef, incoming)
}

// handleSubscriptionDeleted marks the subscription CANCELED. Rows are never
// removed; cancellation is a status.
func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, tx membership.Store, ev *Event) (string, error) {
	s := ev.Subscription
	canceledAt := ev.CreatedAt
	incoming := &membership.Subscription{
		ExternalRef:       s.SubscriptionRef,
		Status:            membership.SubscriptionCanceled,
		PriceRef:          s.PriceRef,
		CanceledAt:        &canceledAt,
		ProviderUpdatedAt: ev.CreatedAt,
	}
	if s.CanceledAt != nil {
		incoming.CanceledAt = s.CanceledAt
	}
	return d.upsertSubscription(ctx, tx, ev, s.CustomerRef, incoming)
}

// handleInvoicePaymentSucceeded only logs. Subscription period fields are
// refreshed by the corresponding subscription-updated event, not here, so the
// same field never has two writers.
func (d *Dispatcher) handleInvoicePaymentSucceeded(_ context.Context, _ membership.Store, ev *Event) (string, error) {
	d.logger.Info("invoice payment succeeded",
		Field{Key: "event_id", Value: ev.ID},
		Field{Key: "subscription_ref", Value: ev.Invoice.SubscriptionRef})
	return "", nil
}

// handleInvoicePaymentFailed moves the related subscription to PAST_DUE.
func (d *Dispatcher) handleInvoicePaymentFailed(ctx context.Context, tx membership.Store, ev *Event) (string, error) {
	inv := ev.Invoice
	if inv.SubscriptionRef == "" {
		// One-off invoice; nothing to transition.
		return "", nil
	}
	incoming := &membership.Subscription{
		ExternalRef:       inv.SubscriptionRef,
		Status:            membership.SubscriptionPastDue,
		ProviderUpdatedAt: ev.CreatedAt,
	}
	return d.upsertSubscription(ctx, tx, ev, inv.CustomerRef, incoming)
}

// handlePaymentIntentChange upserts the payment row keyed by the provider's
// payment reference. The merge keeps status transitions forward only, so a
// stale PENDING can never overwrite a SUCCEEDED.
func (d *Dispatcher) handlePaymentIntentChange(ctx context.Context, tx membership.Store, ev *Event) (string, error) {
	pi := ev.PaymentIntent

	userID, err := d.resolveUser(ctx, tx, pi.CustomerRef)
	if err != nil {
		return "", err
	}

	existing, err := tx.GetPayment(ctx, pi.PaymentRef)
	if err != nil && !errors.Is(err, membership.ErrPaymentNotFound) {
		return "", err
	}

	incoming := &membership.Payment{
		ExternalRef:       pi.PaymentRef,
		UserID:            userID,
		Amount:            pi.Amount,
		Currency:          pi.Currency,
		Status:            pi.Status,
		SubscriptionRef:   pi.SubscriptionRef,
		ProviderUpdatedAt: ev.CreatedAt,
	}
	merged, changed := membership.MergePayment(existing, incoming)
	if !changed {
		return "", nil
	}
	if err := tx.UpsertPayment(ctx, merged); err != nil {
		return "", fmt.Errorf("upsert payment %s: %w", pi.PaymentRef, err)
	}
	// Payments do not feed the projector; no re-projection needed.
	return "", nil
}

// upsertSubscription merges an incoming subscription state into the stored
// row, creating it on first sight, and returns the owning user for
// projection. The reconciler applies provider snapshots through the same
// merge, so the two write paths cannot race into diverging rows.
func (d *Dispatcher) upsertSubscription(
	ctx context.Context, tx membership.Store, ev *Event, customerRef string, incoming *membership.Subscription,
) (string, error) {
	userID, err := d.resolveUser(ctx, tx, customerRef)
	if err != nil {
		return "", err
	}
	incoming.UserID = userID

	existing, err := tx.GetSubscription(ctx, incoming.ExternalRef)
	if err != nil && !errors.Is(err, membership.ErrSubscriptionNotFound) {
		return "", err
	}

	if incoming.PriceRef != "" {
		if err := d.ensurePrice(ctx, tx, incoming.PriceRef); err != nil {
			return "", err
		}
	}

	merged, changed := membership.MergeSubscription(existing, incoming)
	if !changed {
		d.logger.Debug("stale subscription event skipped",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "subscription_ref", Value: incoming.ExternalRef})
		return merged.UserID, nil
	}
	if err := tx.UpsertSubscription(ctx, merged); err != nil {
		return "", fmt.Errorf("upsert subscription %s: %w", incoming.ExternalRef, err)
	}
	return merged.UserID, nil
}

// resolveUser maps a provider customer reference to a local user ID. An
// unknown customer is not an error: the checkout event carrying the link may
// simply not have arrived yet, and the reconciler will repair the row later.
func (d *Dispatcher) resolveUser(ctx context.Context, tx membership.Store, customerRef string) (string, error) {
	if customerRef == "" {
		return "", nil
	}
	user, err := tx.GetUserByCustomerRef(ctx, customerRef)
	if err != nil {
		if errors.Is(err, membership.ErrUserNotFound) {
			return "", nil
		}
		return "", err
	}
	return user.ID, nil
}

// ensurePrice keeps the catalog mirror resolvable: first sight of a price
// reference inserts a minimal row.
func (d *Dispatcher) ensurePrice(ctx context.Context, tx membership.Store, priceRef string) error {
	_, err := tx.GetPrice(ctx, priceRef)
	if err == nil {
		return nil
	}
	if !errors.Is(err, membership.ErrPriceNotFound) {
		return err
	}
	return tx.UpsertPrice(ctx, &membership.Price{ExternalRef: priceRef})
}
