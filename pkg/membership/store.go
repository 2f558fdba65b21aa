package membership

import (
	"context"
	"time"
)

// Store is the storage contract shared by the webhook path and the reconciler.
// Handlers never touch a global database handle; a Store (or the transactional
// view handed out by RunInTx) is passed into every call, so tests can inject an
// isolated instance per case.
//
// Upserts are keyed by external reference. Lookups return the package's
// not-found sentinel errors rather than nil rows.
type Store interface {
	// GetUser returns the user with the given platform ID.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByCustomerRef returns the user linked to the given provider
	// customer reference.
	GetUserByCustomerRef(ctx context.Context, customerRef string) (*User, error)

	// CreateUser inserts a new user row.
	CreateUser(ctx context.Context, user *User) error

	// SetCustomerRef links a user to a provider customer record.
	SetCustomerRef(ctx context.Context, userID, customerRef string) error

	// SetMembershipLevel writes the projected membership level.
	// Only the Projector calls this.
	SetMembershipLevel(ctx context.Context, userID string, level MembershipLevel) error

	// ListCustomerLinkedUsers returns all users with a non-empty CustomerRef.
	// This is the reconciler's default input set.
	ListCustomerLinkedUsers(ctx context.Context) ([]*User, error)

	// GetPayment returns the payment with the given external reference.
	GetPayment(ctx context.Context, externalRef string) (*Payment, error)

	// UpsertPayment inserts or replaces the payment row keyed by ExternalRef.
	UpsertPayment(ctx context.Context, payment *Payment) error

	// GetSubscription returns the subscription with the given external
	// reference.
	GetSubscription(ctx context.Context, externalRef string) (*Subscription, error)

	// UpsertSubscription inserts or replaces the subscription row keyed by
	// ExternalRef.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// ListUserSubscriptions returns all subscription rows for a user.
	ListUserSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// GetPrice returns the catalog price with the given external reference.
	GetPrice(ctx context.Context, externalRef string) (*Price, error)

	// UpsertPrice inserts or replaces a catalog price row.
	UpsertPrice(ctx context.Context, price *Price) error

	// ClaimEvent atomically records the provider event ID in the idempotency
	// ledger. It returns false when a row already existed, in which case the
	// event must not be re-applied. Implementations must use a
	// unique-constraint insert, not check-then-insert, so that two duplicate
	// deliveries in flight at once cannot both claim.
	ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error)

	// RunInTx executes fn against a transactional view of the store. Every
	// write fn performs, including the event claim, becomes visible atomically
	// on commit or not at all. A nested RunInTx joins the ongoing transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
