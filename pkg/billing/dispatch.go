package billing

import (
	"context"
	"fmt"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// Outcome is the typed result of dispatching one event. The webhook endpoint
// maps it onto an HTTP status: Applied, Duplicate, Ignored and Rejected all
// acknowledge with 200 (retrying cannot fix a rejected payload), while Failed
// answers 500 so the provider retries.
type Outcome int

const (
	// OutcomeApplied means the event was claimed and its effects committed.
	OutcomeApplied Outcome = iota

	// OutcomeDuplicate means the event ID was already in the idempotency
	// ledger; nothing was re-applied.
	OutcomeDuplicate

	// OutcomeIgnored means the event type is intentionally not handled.
	OutcomeIgnored

	// OutcomeRejected means the event failed payload validation.
	OutcomeRejected

	// OutcomeFailed means a transient storage failure rolled the event back;
	// it was not claimed and is safe to retry from scratch.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HandlerFunc applies one event against a transactional store view. It
// returns the ID of the user whose membership must be re-projected, or ""
// when the event cannot affect membership.
type HandlerFunc func(ctx context.Context, tx membership.Store, ev *Event) (userID string, err error)

// Dispatcher routes typed events to their handlers. The claim, the handler's
// writes and the membership projection run inside one storage transaction:
// a crash mid-handler leaves the event unclaimed and retryable, never
// half-applied with the claim finalized.
type Dispatcher struct {
	store    membership.Store
	handlers map[EventType]HandlerFunc
	metrics  Metrics
	logger   Logger
	provider string
}

// NewDispatcher creates a dispatcher with the default handler registry.
func NewDispatcher(provider string, store membership.Store, metrics Metrics, logger Logger) *Dispatcher {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	d := &Dispatcher{
		store:    store,
		metrics:  metrics,
		logger:   logger,
		provider: provider,
	}
	d.handlers = map[EventType]HandlerFunc{
		EventCheckoutCompleted:       d.handleCheckoutCompleted,
		EventSubscriptionCreated:     d.handleSubscriptionChange,
		EventSubscriptionUpdated:     d.handleSubscriptionChange,
		EventSubscriptionDeleted:     d.handleSubscriptionDeleted,
		EventInvoicePaymentSucceeded: d.handleInvoicePaymentSucceeded,
		EventInvoicePaymentFailed:    d.handleInvoicePaymentFailed,
		EventPaymentIntentSucceeded:  d.handlePaymentIntentChange,
		EventPaymentIntentFailed:     d.handlePaymentIntentChange,
	}
	return d
}

// Register installs or replaces the handler for an event type.
func (d *Dispatcher) Register(t EventType, h HandlerFunc) {
	d.handlers[t] = h
}

// Dispatch applies one event: validate, claim, handle, project, commit.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return OutcomeRejected, err
	}

	handler, ok := d.handlers[ev.Type]
	if !ok {
		d.logger.Info("ignoring unhandled event type",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: string(ev.Type)})
		return OutcomeIgnored, nil
	}

	outcome := OutcomeApplied
	err := d.store.RunInTx(ctx, func(ctx context.Context, tx membership.Store) error {
		claimed, err := tx.ClaimEvent(ctx, ev.ID, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		if !claimed {
			outcome = OutcomeDuplicate
			return nil
		}

		userID, err := handler(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("handle %s %s: %w", ev.Type, ev.ID, err)
		}
		if userID == "" {
			return nil
		}
		return d.project(ctx, tx, userID)
	})
	if err != nil {
		return OutcomeFailed, err
	}

	if outcome == OutcomeDuplicate {
		d.logger.Debug("duplicate event acknowledged",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: string(ev.Type)})
	}
	return outcome, nil
}

// project recomputes the membership level and records level transitions.
func (d *Dispatcher) project(ctx context.Context, tx membership.Store, userID string) error {
	previous := membership.LevelFree
	if user, err := tx.GetUser(ctx, userID); err == nil {
		previous = user.MembershipLevel
	}

	level, err := membership.Project(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("project membership for %s: %w", userID, err)
	}
	if level != previous {
		d.metrics.RecordMembershipChange(d.provider, string(previous), string(level))
		d.logger.Info("membership level changed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "from", Value: string(previous)},
			Field{Key: "to", Value: string(level)})
	}
	return nil
}
