// Package billing synchronizes an external payment provider's canonical state
// with the local membership model. It owns the typed event schema, the
// idempotent dispatcher that applies events inside a single storage
// transaction, and the shared provider abstraction consumed by the webhook
// endpoint and the reconciler.
package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// Provider is the generic interface a payment backend must implement.
// The application wires the webhook endpoint and the reconciler against this
// interface, so swapping providers requires no logic changes.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that receives real-time events.
	// The implementation verifies the signature over the raw body, translates
	// the payload into a typed Event, and dispatches it.
	WebhookHandler() http.Handler

	// FetchCustomerState queries the provider's current truth for one
	// customer: all current subscriptions plus charges created after since.
	// It is the reconciler's read side and must complete before any local
	// write transaction begins.
	FetchCustomerState(ctx context.Context, customerRef string, since time.Time) (*CustomerState, error)
}

// CustomerState is a provider-neutral snapshot of one customer's billing
// objects. UserID is left empty; the caller resolves it from the customer
// reference.
type CustomerState struct {
	Subscriptions []*membership.Subscription
	Payments      []*membership.Payment
}
