package membership

import (
	"context"
	"errors"
	"fmt"
)

// Project recomputes a user's membership level from their subscription rows
// and writes it back if it changed. The rule is deliberately simple: any
// subscription in an entitling status (ACTIVE or TRIALING) grants PREMIUM,
// otherwise FREE.
//
// Project is a pure function of the current rows plus an idempotent write, so
// the webhook path and the reconciler call it identically and it can be rerun
// at any time.
func Project(ctx context.Context, store Store, userID string) (MembershipLevel, error) {
	subs, err := store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}

	level := LevelFree
	for _, sub := range subs {
		if sub.Status.Entitles() {
			level = LevelPremium
			break
		}
	}

	user, err := store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Rows can reference a user this deployment has never seen
			// (e.g. imported provider data). Nothing to project onto.
			return level, nil
		}
		return "", fmt.Errorf("get user %s: %w", userID, err)
	}

	if user.MembershipLevel == level {
		return level, nil
	}
	if err := store.SetMembershipLevel(ctx, userID, level); err != nil {
		return "", fmt.Errorf("set membership level for %s: %w", userID, err)
	}
	return level, nil
}
