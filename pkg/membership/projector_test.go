package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearnhq/billsync/pkg/membership"
	"github.com/openlearnhq/billsync/storage/memory"
)

// levelSpy counts membership writes so tests can assert the projector only
// writes when the level actually changes.
type levelSpy struct {
	membership.Store
	writes int
}

func (s *levelSpy) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	s.writes++
	return s.Store.SetMembershipLevel(ctx, userID, level)
}

func newProjectorFixture(t *testing.T, subs ...*membership.Subscription) *levelSpy {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	err := store.CreateUser(ctx, &membership.User{ID: "user-1", Email: "learner@example.com"})
	require.NoError(t, err)

	for _, sub := range subs {
		sub.UserID = "user-1"
		require.NoError(t, store.UpsertSubscription(ctx, sub))
	}
	return &levelSpy{Store: store}
}

func TestProjectNoSubscriptionsIsFree(t *testing.T) {
	store := newProjectorFixture(t)

	level, err := membership.Project(context.Background(), store, "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelFree, level)
	assert.Equal(t, 0, store.writes, "level already free, no write expected")
}

func TestProjectActiveSubscriptionGrantsPremium(t *testing.T) {
	store := newProjectorFixture(t, &membership.Subscription{
		ExternalRef:       "sub_1",
		Status:            membership.SubscriptionActive,
		ProviderUpdatedAt: time.Now().UTC(),
	})

	level, err := membership.Project(context.Background(), store, "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, level)

	user, err := store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, user.MembershipLevel)
}

func TestProjectTrialingSubscriptionGrantsPremium(t *testing.T) {
	store := newProjectorFixture(t, &membership.Subscription{
		ExternalRef:       "sub_1",
		Status:            membership.SubscriptionTrialing,
		ProviderUpdatedAt: time.Now().UTC(),
	})

	level, err := membership.Project(context.Background(), store, "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, level)
}

func TestProjectNonEntitlingStatusesStayFree(t *testing.T) {
	for _, status := range []membership.SubscriptionStatus{
		membership.SubscriptionPastDue,
		membership.SubscriptionCanceled,
		membership.SubscriptionIncomplete,
		membership.SubscriptionUnpaid,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := newProjectorFixture(t, &membership.Subscription{
				ExternalRef:       "sub_1",
				Status:            status,
				ProviderUpdatedAt: time.Now().UTC(),
			})

			level, err := membership.Project(context.Background(), store, "user-1")
			require.NoError(t, err)
			assert.Equal(t, membership.LevelFree, level)
		})
	}
}

func TestProjectAnyEntitlingSubscriptionWins(t *testing.T) {
	// One canceled plus one active subscription still projects premium.
	store := newProjectorFixture(t,
		&membership.Subscription{
			ExternalRef:       "sub_old",
			Status:            membership.SubscriptionCanceled,
			ProviderUpdatedAt: time.Now().UTC(),
		},
		&membership.Subscription{
			ExternalRef:       "sub_new",
			Status:            membership.SubscriptionActive,
			ProviderUpdatedAt: time.Now().UTC(),
		},
	)

	level, err := membership.Project(context.Background(), store, "user-1")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelPremium, level)
}

func TestProjectIsRerunnable(t *testing.T) {
	store := newProjectorFixture(t, &membership.Subscription{
		ExternalRef:       "sub_1",
		Status:            membership.SubscriptionActive,
		ProviderUpdatedAt: time.Now().UTC(),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		level, err := membership.Project(ctx, store, "user-1")
		require.NoError(t, err)
		assert.Equal(t, membership.LevelPremium, level)
	}
	assert.Equal(t, 1, store.writes, "only the first run changes the level")
}

func TestProjectUnknownUserIsNotAnError(t *testing.T) {
	store := &levelSpy{Store: memory.New()}

	level, err := membership.Project(context.Background(), store, "ghost")
	require.NoError(t, err)
	assert.Equal(t, membership.LevelFree, level)
	assert.Equal(t, 0, store.writes)
}
