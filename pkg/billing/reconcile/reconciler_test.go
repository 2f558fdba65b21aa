package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/billing/reconcile"
	"github.com/openlearnhq/billsync/pkg/membership"
	"github.com/openlearnhq/billsync/storage/memory"
)

// fakeSource serves canned provider state per customer reference and records
// the fetch windows it was asked for.
type fakeSource struct {
	mu     sync.Mutex
	states map[string]*billing.CustomerState
	errs   map[string]error
	sinces []time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		states: make(map[string]*billing.CustomerState),
		errs:   make(map[string]error),
	}
}

func (f *fakeSource) FetchCustomerState(_ context.Context, customerRef string, since time.Time) (*billing.CustomerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if err := f.errs[customerRef]; err != nil {
		return nil, err
	}
	if state, ok := f.states[customerRef]; ok {
		return state, nil
	}
	return &billing.CustomerState{}, nil
}

func addLinkedUser(t *testing.T, store membership.Store, userID, customerRef string) {
	t.Helper()
	err := store.CreateUser(context.Background(), &membership.User{
		ID:          userID,
		CustomerRef: customerRef,
	})
	require.NoError(t, err)
}

func TestReconcileRepairsMissedSubscription(t *testing.T) {
	// The webhook for this subscription never arrived; the provider snapshot
	// is the only source of truth.
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")

	source := newFakeSource()
	source.states["cus_1"] = &billing.CustomerState{
		Subscriptions: []*membership.Subscription{{
			ExternalRef:       "sub_1",
			Status:            membership.SubscriptionActive,
			PriceRef:          "price_premium",
			ProviderUpdatedAt: time.Now().UTC(),
		}},
	}

	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Repaired)
	assert.Equal(t, 0, summary.Failed)

	sub, err := store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, membership.SubscriptionActive, sub.Status)
	assert.Equal(t, "user-1", sub.UserID)

	user, err := store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, user.MembershipLevel)

	// The mirrored catalog row was created on first sight.
	_, err = store.GetPrice(context.Background(), "price_premium")
	assert.NoError(t, err)
}

func TestReconcileRevokesStaleEntitlement(t *testing.T) {
	// Local state says active, the provider says canceled (the cancellation
	// webhook was dropped). The run must converge on the provider's truth.
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")
	ctx := context.Background()

	require.NoError(t, store.UpsertSubscription(ctx, &membership.Subscription{
		ExternalRef:       "sub_1",
		UserID:            "user-1",
		Status:            membership.SubscriptionActive,
		ProviderUpdatedAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, store.SetMembershipLevel(ctx, "user-1", membership.LevelPremium))

	canceledAt := time.Now().UTC().Add(-30 * time.Minute)
	source := newFakeSource()
	source.states["cus_1"] = &billing.CustomerState{
		Subscriptions: []*membership.Subscription{{
			ExternalRef:       "sub_1",
			Status:            membership.SubscriptionCanceled,
			CanceledAt:        &canceledAt,
			ProviderUpdatedAt: time.Now().UTC(),
		}},
	}

	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)

	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, membership.SubscriptionCanceled, sub.Status)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelFree, user.MembershipLevel)
}

func TestReconcileCleanStateIsIdempotent(t *testing.T) {
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")

	providerUpdatedAt := time.Now().UTC()
	source := newFakeSource()
	source.states["cus_1"] = &billing.CustomerState{
		Subscriptions: []*membership.Subscription{{
			ExternalRef:       "sub_1",
			Status:            membership.SubscriptionActive,
			ProviderUpdatedAt: providerUpdatedAt,
		}},
	}

	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Repaired)

	// Same snapshot again: nothing newer to apply, nothing repaired.
	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Repaired)
	assert.Equal(t, 0, second.Failed)
}

func TestReconcileRepairsPayments(t *testing.T) {
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")

	source := newFakeSource()
	source.states["cus_1"] = &billing.CustomerState{
		Payments: []*membership.Payment{{
			ExternalRef:       "pi_1",
			Amount:            1999,
			Currency:          "usd",
			Status:            membership.PaymentSucceeded,
			ProviderUpdatedAt: time.Now().UTC(),
		}},
	}

	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	payment, err := store.GetPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, membership.PaymentSucceeded, payment.Status)
	assert.Equal(t, "user-1", payment.UserID)
}

func TestReconcileIsolatesCustomerFailures(t *testing.T) {
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")
	addLinkedUser(t, store, "user-2", "cus_2")

	source := newFakeSource()
	source.errs["cus_1"] = errors.New("provider timeout")
	source.states["cus_2"] = &billing.CustomerState{
		Subscriptions: []*membership.Subscription{{
			ExternalRef:       "sub_2",
			Status:            membership.SubscriptionActive,
			ProviderUpdatedAt: time.Now().UTC(),
		}},
	}

	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Repaired)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "user-1", summary.Errors[0].UserID)
	assert.Equal(t, "cus_1", summary.Errors[0].CustomerRef)

	// The healthy customer was still repaired.
	user, err := store.GetUser(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, user.MembershipLevel)
}

func TestReconcileUserFilter(t *testing.T) {
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")
	addLinkedUser(t, store, "user-2", "cus_2")

	source := newFakeSource()
	r, err := reconcile.New("test", store, source, reconcile.Config{
		UserIDs: []string{"user-2", "user-missing"},
	})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned, "unknown users are skipped, not failed")
	assert.Equal(t, 0, summary.Failed)
}

func TestReconcileSkipsUnlinkedUsers(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateUser(context.Background(), &membership.User{ID: "user-1"}))

	source := newFakeSource()
	r, err := reconcile.New("test", store, source, reconcile.Config{})
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
	assert.Empty(t, source.sinces, "no provider call without a customer reference")
}

func TestReconcileLookbackWindow(t *testing.T) {
	store := memory.New()
	addLinkedUser(t, store, "user-1", "cus_1")

	source := newFakeSource()
	r, err := reconcile.New("test", store, source, reconcile.Config{
		Lookback: 24 * time.Hour,
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, source.sinces, 1)
	want := time.Now().UTC().Add(-24 * time.Hour)
	assert.WithinDuration(t, want, source.sinces[0], time.Minute)
}

func TestNewRequiresStoreAndSource(t *testing.T) {
	_, err := reconcile.New("test", nil, newFakeSource(), reconcile.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = reconcile.New("test", memory.New(), nil, reconcile.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
