// Package stripe implements the billing.Provider interface for Stripe.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Store, Metrics, Logger, ...)

	// StripeAPIKey authenticates reconciler queries and checkout session
	// creation. Falls back to billing.Config.APIKey when empty.
	StripeAPIKey string

	// StripeWebhookSecret verifies the Stripe-Signature header. Falls back to
	// billing.Config.WebhookSecret when empty.
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	config        Config
	dispatcher    *billing.Dispatcher
	stripeClient  *stripe.Client
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	apiKey        string
	metrics       billing.Metrics
	logger        billing.Logger
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Provider{
		config:        config,
		dispatcher:    billing.NewDispatcher(providerName, config.Store, metrics, logger),
		stripeClient:  stripe.NewClient(apiKey),
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(webhookSecret),
		apiKey:        apiKey,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Dispatcher exposes the event dispatcher, mainly so callers can register
// custom handlers.
func (p *Provider) Dispatcher() *billing.Dispatcher {
	return p.dispatcher
}
