package billing

import (
	"net/http"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store is the membership storage the dispatcher writes through. Required.
	Store membership.Store

	// WebhookSecret verifies incoming webhook requests (e.g. the
	// Stripe-Signature header secret).
	WebhookSecret string

	// APIKey authenticates outbound API calls to the provider (checkout
	// session creation, reconciler queries).
	APIKey string

	// HTTPClient is an optional client for API calls. If nil, a default
	// client with a 10s timeout is used.
	HTTPClient *http.Client

	// Metrics is an optional collector for webhook and reconciliation
	// operations. If nil, metrics are silently dropped.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger Logger
}
