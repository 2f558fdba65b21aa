// Package reconcile implements the batch job that re-derives local billing
// state from the provider's current truth. It does not depend on webhook
// delivery having occurred at all: a missed or dropped event is repaired the
// next time the job runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/membership"
)

const (
	defaultLookback    = 90 * 24 * time.Hour
	defaultConcurrency = 4
)

// Source is the provider read side the reconciler pulls truth from.
// billing.Provider satisfies it.
type Source interface {
	FetchCustomerState(ctx context.Context, customerRef string, since time.Time) (*billing.CustomerState, error)
}

// Config configures a reconciliation run.
type Config struct {
	// Lookback bounds the charge listing window. Provider list APIs are
	// windowed themselves, which is also why the reconciler never deletes
	// local rows that fall outside the window. Default: 90 days.
	Lookback time.Duration

	// Concurrency is the number of customers reconciled in parallel.
	// Default: 4.
	Concurrency int

	// UserIDs optionally restricts the run to specific users. When empty,
	// every user with a customer reference is scanned.
	UserIDs []string

	// Metrics is optional; nil means no-op.
	Metrics billing.Metrics

	// Logger is optional; nil means no-op.
	Logger billing.Logger
}

// Summary is the structured result of one run.
type Summary struct {
	Scanned  int             `json:"scanned"`
	Repaired int             `json:"repaired"`
	Failed   int             `json:"failed"`
	Errors   []CustomerError `json:"errors,omitempty"`
}

// CustomerError records one customer's failure for operator follow-up.
type CustomerError struct {
	UserID      string `json:"user_id"`
	CustomerRef string `json:"customer_ref"`
	Error       string `json:"error"`
}

// Reconciler pulls each linked customer's provider state and repairs local
// rows through the same merge rules the webhook handlers use, so the two
// paths cannot race into duplicate or diverging rows.
type Reconciler struct {
	store    membership.Store
	source   Source
	provider string
	config   Config
	metrics  billing.Metrics
	logger   billing.Logger
}

// New creates a reconciler over the given store and provider source.
func New(providerName string, store membership.Store, source Source, config Config) (*Reconciler, error) {
	if store == nil || source == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Lookback <= 0 {
		config.Lookback = defaultLookback
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Reconciler{
		store:    store,
		source:   source,
		provider: providerName,
		config:   config,
		metrics:  config.Metrics,
		logger:   config.Logger,
	}, nil
}

// Run reconciles every selected customer. One customer's failure never aborts
// the batch; it is isolated, logged, and surfaced in the summary.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	startTime := time.Now()

	users, err := r.selectUsers(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for _, user := range users {
		g.Go(func() error {
			repaired, err := r.reconcileCustomer(gctx, user)

			mu.Lock()
			defer mu.Unlock()
			summary.Scanned++
			switch {
			case err != nil:
				summary.Failed++
				summary.Errors = append(summary.Errors, CustomerError{
					UserID:      user.ID,
					CustomerRef: user.CustomerRef,
					Error:       err.Error(),
				})
				r.metrics.RecordReconcileCustomer(r.provider, "error")
				r.logger.Warn("customer reconciliation failed",
					billing.Field{Key: "user_id", Value: user.ID},
					billing.Field{Key: "customer_ref", Value: user.CustomerRef},
					billing.Field{Key: "error", Value: err.Error()})
			case repaired:
				summary.Repaired++
				r.metrics.RecordReconcileCustomer(r.provider, "repaired")
			default:
				r.metrics.RecordReconcileCustomer(r.provider, "clean")
			}
			return nil
		})
	}
	_ = g.Wait()

	r.metrics.RecordReconcileDuration(r.provider, time.Since(startTime))
	r.logger.Info("reconciliation run finished",
		billing.Field{Key: "scanned", Value: summary.Scanned},
		billing.Field{Key: "repaired", Value: summary.Repaired},
		billing.Field{Key: "failed", Value: summary.Failed})
	return &summary, nil
}

// selectUsers resolves the run's input set: the explicit filter, or every
// user with a non-empty customer reference.
func (r *Reconciler) selectUsers(ctx context.Context) ([]*membership.User, error) {
	if len(r.config.UserIDs) == 0 {
		users, err := r.store.ListCustomerLinkedUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list customer-linked users: %w", err)
		}
		return users, nil
	}

	users := make([]*membership.User, 0, len(r.config.UserIDs))
	for _, id := range r.config.UserIDs {
		user, err := r.store.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, membership.ErrUserNotFound) {
				r.logger.Warn("reconcile filter references unknown user",
					billing.Field{Key: "user_id", Value: id})
				continue
			}
			return nil, fmt.Errorf("get user %s: %w", id, err)
		}
		if user.CustomerRef == "" {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// reconcileCustomer fetches the provider's truth for one customer and merges
// it into local rows. The fetch completes before the write transaction
// begins; no network call ever runs with a transaction open.
func (r *Reconciler) reconcileCustomer(ctx context.Context, user *membership.User) (bool, error) {
	since := time.Now().UTC().Add(-r.config.Lookback)
	state, err := r.source.FetchCustomerState(ctx, user.CustomerRef, since)
	if err != nil {
		return false, err
	}

	repaired := false
	err = r.store.RunInTx(ctx, func(ctx context.Context, tx membership.Store) error {
		for _, sub := range state.Subscriptions {
			changed, err := r.applySubscription(ctx, tx, user.ID, sub)
			if err != nil {
				return err
			}
			repaired = repaired || changed
		}
		for _, payment := range state.Payments {
			changed, err := r.applyPayment(ctx, tx, user.ID, payment)
			if err != nil {
				return err
			}
			repaired = repaired || changed
		}
		if _, err := membership.Project(ctx, tx, user.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return repaired, nil
}

func (r *Reconciler) applySubscription(
	ctx context.Context, tx membership.Store, userID string, incoming *membership.Subscription,
) (bool, error) {
	incoming.UserID = userID

	existing, err := tx.GetSubscription(ctx, incoming.ExternalRef)
	if err != nil && !errors.Is(err, membership.ErrSubscriptionNotFound) {
		return false, err
	}

	merged, changed := membership.MergeSubscription(existing, incoming)
	if !changed {
		return false, nil
	}
	if incoming.PriceRef != "" {
		if _, err := tx.GetPrice(ctx, incoming.PriceRef); errors.Is(err, membership.ErrPriceNotFound) {
			if err := tx.UpsertPrice(ctx, &membership.Price{ExternalRef: incoming.PriceRef}); err != nil {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
	}
	if err := tx.UpsertSubscription(ctx, merged); err != nil {
		return false, fmt.Errorf("upsert subscription %s: %w", incoming.ExternalRef, err)
	}
	r.logger.Info("repaired subscription",
		billing.Field{Key: "user_id", Value: userID},
		billing.Field{Key: "subscription_ref", Value: incoming.ExternalRef},
		billing.Field{Key: "status", Value: string(merged.Status)})
	return true, nil
}

func (r *Reconciler) applyPayment(
	ctx context.Context, tx membership.Store, userID string, incoming *membership.Payment,
) (bool, error) {
	incoming.UserID = userID

	existing, err := tx.GetPayment(ctx, incoming.ExternalRef)
	if err != nil && !errors.Is(err, membership.ErrPaymentNotFound) {
		return false, err
	}

	merged, changed := membership.MergePayment(existing, incoming)
	if !changed {
		return false, nil
	}
	if err := tx.UpsertPayment(ctx, merged); err != nil {
		return false, fmt.Errorf("upsert payment %s: %w", incoming.ExternalRef, err)
	}
	r.logger.Info("repaired payment",
		billing.Field{Key: "user_id", Value: userID},
		billing.Field{Key: "payment_ref", Value: incoming.ExternalRef},
		billing.Field{Key: "status", Value: string(merged.Status)})
	return true, nil
}
