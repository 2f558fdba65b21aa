// Package postgres provides a PostgreSQL implementation of membership.Store.
// Upserts use ON CONFLICT on the external-reference primary keys, and the
// idempotency claim is a unique-constraint insert, so concurrent duplicate
// webhook deliveries and reconciler writes stay race-safe without any
// application-level locking.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearnhq/billsync/pkg/membership"
)

//go:embed schema.sql
var schemaSQL string

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// query methods serve the plain store and its transactional view.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements membership.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	queries
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:    pool,
		config:  config,
		queries: queries{db: pool},
	}, nil
}

// InitSchema creates the billing-sync tables if they do not exist.
func (s *Storage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunInTx implements membership.Store. The claim, the handler writes and the
// projection all commit or roll back together.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txStore{queries: queries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the transactional view handed to RunInTx callbacks.
type txStore struct {
	queries
}

// RunInTx on a transactional view joins the ongoing transaction.
func (t *txStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	return fn(ctx, t)
}

// queries implements every membership.Store method except RunInTx against a
// pool or an open transaction.
type queries struct {
	db querier
}

func (q queries) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	return q.scanUser(q.db.QueryRow(ctx,
		`SELECT id, email, membership_level, COALESCE(customer_ref, ''), created_at, updated_at
			FROM users WHERE id = $1`, userID))
}

func (q queries) GetUserByCustomerRef(ctx context.Context, customerRef string) (*membership.User, error) {
	return q.scanUser(q.db.QueryRow(ctx,
		`SELECT id, email, membership_level, COALESCE(customer_ref, ''), created_at, updated_at
			FROM users WHERE customer_ref = $1`, customerRef))
}

func (q queries) scanUser(row pgx.Row) (*membership.User, error) {
	var user membership.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.MembershipLevel,
		&user.CustomerRef,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (q queries) CreateUser(ctx context.Context, user *membership.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	level := user.MembershipLevel
	if level == "" {
		level = membership.LevelFree
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO users (id, email, membership_level, customer_ref)
			VALUES ($1, $2, $3, NULLIF($4, ''))`,
		user.ID, user.Email, level, user.CustomerRef)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (q queries) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET customer_ref = NULLIF($2, ''), updated_at = now() WHERE id = $1`,
		userID, customerRef)
	if err != nil {
		return fmt.Errorf("failed to set customer ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrUserNotFound
	}
	return nil
}

func (q queries) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET membership_level = $2, updated_at = now() WHERE id = $1`,
		userID, level)
	if err != nil {
		return fmt.Errorf("failed to set membership level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrUserNotFound
	}
	return nil
}

func (q queries) ListCustomerLinkedUsers(ctx context.Context) ([]*membership.User, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, email, membership_level, COALESCE(customer_ref, ''), created_at, updated_at
			FROM users WHERE customer_ref IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*membership.User
	for rows.Next() {
		var user membership.User
		if err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.MembershipLevel,
			&user.CustomerRef,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (q queries) GetPayment(ctx context.Context, externalRef string) (*membership.Payment, error) {
	var payment membership.Payment
	err := q.db.QueryRow(ctx,
		`SELECT external_ref, user_id, amount, currency, status, subscription_ref,
				provider_updated_at, created_at, updated_at
			FROM payments WHERE external_ref = $1`, externalRef).Scan(
		&payment.ExternalRef,
		&payment.UserID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.SubscriptionRef,
		&payment.ProviderUpdatedAt,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

func (q queries) UpsertPayment(ctx context.Context, payment *membership.Payment) error {
	if payment == nil || payment.ExternalRef == "" {
		return fmt.Errorf("invalid payment")
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO payments (external_ref, user_id, amount, currency, status,
				subscription_ref, provider_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (external_ref) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				subscription_ref = EXCLUDED.subscription_ref,
				provider_updated_at = EXCLUDED.provider_updated_at,
				updated_at = now()`,
		payment.ExternalRef, payment.UserID, payment.Amount, payment.Currency,
		payment.Status, payment.SubscriptionRef, payment.ProviderUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

func (q queries) GetSubscription(ctx context.Context, externalRef string) (*membership.Subscription, error) {
	row := q.db.QueryRow(ctx,
		`SELECT external_ref, user_id, status, price_ref, current_period_start,
				current_period_end, canceled_at, provider_updated_at, created_at, updated_at
			FROM subscriptions WHERE external_ref = $1`, externalRef)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*membership.Subscription, error) {
	var (
		sub         membership.Subscription
		periodStart *time.Time
		periodEnd   *time.Time
	)
	err := row.Scan(
		&sub.ExternalRef,
		&sub.UserID,
		&sub.Status,
		&sub.PriceRef,
		&periodStart,
		&periodEnd,
		&sub.CanceledAt,
		&sub.ProviderUpdatedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return &sub, nil
}

func (q queries) UpsertSubscription(ctx context.Context, sub *membership.Subscription) error {
	if sub == nil || sub.ExternalRef == "" {
		return fmt.Errorf("invalid subscription")
	}
	var periodStart, periodEnd *time.Time
	if !sub.CurrentPeriodStart.IsZero() {
		periodStart = &sub.CurrentPeriodStart
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		periodEnd = &sub.CurrentPeriodEnd
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO subscriptions (external_ref, user_id, status, price_ref,
				current_period_start, current_period_end, canceled_at, provider_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (external_ref) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				status = EXCLUDED.status,
				price_ref = EXCLUDED.price_ref,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				canceled_at = EXCLUDED.canceled_at,
				provider_updated_at = EXCLUDED.provider_updated_at,
				updated_at = now()`,
		sub.ExternalRef, sub.UserID, sub.Status, sub.PriceRef,
		periodStart, periodEnd, sub.CanceledAt, sub.ProviderUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (q queries) ListUserSubscriptions(ctx context.Context, userID string) ([]*membership.Subscription, error) {
	rows, err := q.db.Query(ctx,
		`SELECT external_ref, user_id, status, price_ref, current_period_start,
				current_period_end, canceled_at, provider_updated_at, created_at, updated_at
			FROM subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*membership.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (q queries) GetPrice(ctx context.Context, externalRef string) (*membership.Price, error) {
	var price membership.Price
	err := q.db.QueryRow(ctx,
		`SELECT external_ref, product_ref, unit_amount, currency, recurring_interval
			FROM prices WHERE external_ref = $1`, externalRef).Scan(
		&price.ExternalRef,
		&price.ProductRef,
		&price.UnitAmount,
		&price.Currency,
		&price.Interval,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, membership.ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return &price, nil
}

func (q queries) UpsertPrice(ctx context.Context, price *membership.Price) error {
	if price == nil || price.ExternalRef == "" {
		return fmt.Errorf("invalid price")
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO prices (external_ref, product_ref, unit_amount, currency, recurring_interval)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (external_ref) DO UPDATE SET
				product_ref = EXCLUDED.product_ref,
				unit_amount = EXCLUDED.unit_amount,
				currency = EXCLUDED.currency,
				recurring_interval = EXCLUDED.recurring_interval`,
		price.ExternalRef, price.ProductRef, price.UnitAmount, price.Currency, price.Interval)
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// ClaimEvent is a single atomic unique-constraint insert. Inside a
// transaction the claim only becomes visible at commit, which is exactly the
// "not claimed, safe to retry" crash semantics the dispatcher relies on.
func (q queries) ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}
	tag, err := q.db.Exec(ctx,
		`INSERT INTO processed_events (external_event_id, processed_at)
			VALUES ($1, $2)
			ON CONFLICT (external_event_id) DO NOTHING`,
		eventID, at)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
