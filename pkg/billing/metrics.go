package billing

import "time"

// Metrics defines the interface for tracking billing synchronization
// operations. All methods are optional - callers should gracefully handle nil
// metrics by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "applied", "duplicate", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordMembershipChange records a projected membership level change.
	RecordMembershipChange(provider, fromLevel, toLevel string)

	// RecordReconcileCustomer records the outcome of reconciling one customer.
	// status: "clean", "repaired" or "error"
	RecordReconcileCustomer(provider, status string)

	// RecordReconcileDuration records how long a full reconciliation run took.
	RecordReconcileDuration(provider string, duration time.Duration)

	// RecordAPICall records an outbound API call to the provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordMembershipChange(_, _, _ string)                        {}
func (n *NoopMetrics) RecordReconcileCustomer(_, _ string)                          {}
func (n *NoopMetrics) RecordReconcileDuration(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
