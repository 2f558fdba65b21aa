// Package redis provides a read-through cache decorator over a primary
// membership.Store. Membership reads are the hot path for the content layer
// (it gates access on User.MembershipLevel alone), so user rows are cached in
// Redis and invalidated whenever the projector or a handler writes through.
//
// Billing rows and the idempotency ledger are never cached: they are written
// inside transactions and read rarely, so they delegate straight to the
// primary store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:").
	KeyPrefix string

	// UserTTL is the TTL for cached user rows (default: 5 minutes).
	UserTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billsync:",
		UserTTL:   5 * time.Minute,
	}
}

// Storage decorates a primary membership.Store with a Redis user cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
type Storage struct {
	membership.Store

	client redis.UniversalClient
	config Config
}

// New creates a new Redis cache decorator over the primary store.
func New(client redis.UniversalClient, primary membership.Store, config Config) (*Storage, error) {
	if client == nil || primary == nil {
		return nil, fmt.Errorf("redis client and primary store are required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if config.UserTTL <= 0 {
		config.UserTTL = DefaultConfig().UserTTL
	}
	return &Storage{
		Store:  primary,
		client: client,
		config: config,
	}, nil
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

// GetUser reads through the cache. Cache failures degrade to the primary
// store rather than failing the call.
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	if data, err := s.client.Get(ctx, s.userKey(userID)).Bytes(); err == nil {
		var user membership.User
		if err := json.Unmarshal(data, &user); err == nil {
			return &user, nil
		}
	}

	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(user); err == nil {
		s.client.Set(ctx, s.userKey(userID), data, s.config.UserTTL)
	}
	return user, nil
}

// SetMembershipLevel writes through and invalidates the cached user.
func (s *Storage) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	if err := s.Store.SetMembershipLevel(ctx, userID, level); err != nil {
		return err
	}
	s.client.Del(ctx, s.userKey(userID))
	return nil
}

// SetCustomerRef writes through and invalidates the cached user.
func (s *Storage) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	if err := s.Store.SetCustomerRef(ctx, userID, customerRef); err != nil {
		return err
	}
	s.client.Del(ctx, s.userKey(userID))
	return nil
}

// RunInTx delegates to the primary store's transaction and invalidates the
// users the transaction touched once it commits. The transactional view is
// the primary's (uncached) one; caching inside an uncommitted transaction
// would serve dirty rows.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	touched := make(map[string]struct{})
	err := s.Store.RunInTx(ctx, func(ctx context.Context, tx membership.Store) error {
		return fn(ctx, &txRecorder{Store: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for userID := range touched {
		s.client.Del(ctx, s.userKey(userID))
	}
	return nil
}

// txRecorder tracks which users a transaction wrote so the cache can be
// invalidated after commit.
type txRecorder struct {
	membership.Store
	touched map[string]struct{}
}

func (t *txRecorder) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	if err := t.Store.SetMembershipLevel(ctx, userID, level); err != nil {
		return err
	}
	t.touched[userID] = struct{}{}
	return nil
}

func (t *txRecorder) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	if err := t.Store.SetCustomerRef(ctx, userID, customerRef); err != nil {
		return err
	}
	t.touched[userID] = struct{}{}
	return nil
}

func (t *txRecorder) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	return fn(ctx, t)
}
