package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/openlearnhq/billsync/pkg/billing"
	"github.com/openlearnhq/billsync/pkg/billing/internal"
)

// handleWebhook processes incoming Stripe webhook events.
//
// The response contract: 200 acknowledges (applied, duplicate, or
// intentionally ignored), 400 is reserved for signature verification failure,
// and 5xx asks Stripe to retry. Anything expensive beyond one entity upsert
// belongs in the reconciler, never here - Stripe's delivery timeout is a few
// seconds.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Signature verification runs over the exact raw bytes. Parsing first and
	// re-serializing would break on whitespace and key order.
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	stripeEvent, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		// Not provably from Stripe; do not process and do not invite retries.
		http.Error(w, billing.ErrInvalidSignature.Error(), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(stripeEvent.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	event, err := translateEvent(&stripeEvent)
	if err != nil {
		// Authentic but unparsable. Retrying cannot fix a malformed payload,
		// so acknowledge and surface it through logs and metrics instead.
		p.logger.Error("failed to translate webhook payload",
			billing.Field{Key: "event_id", Value: stripeEvent.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		p.ack(w)
		return
	}
	if event == nil {
		// Event type this system intentionally does not handle.
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		p.ack(w)
		return
	}

	outcome, err := p.dispatcher.Dispatch(r.Context(), event)
	p.metrics.RecordWebhookEvent(providerName, eventType, outcome.String())
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	switch outcome {
	case billing.OutcomeApplied, billing.OutcomeDuplicate, billing.OutcomeIgnored:
		p.ack(w)
	case billing.OutcomeRejected:
		p.logger.Warn("rejected webhook event",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.ack(w)
	default:
		p.logger.Error("webhook processing failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	}
}

func (p *Provider) ack(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
