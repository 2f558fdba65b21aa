// Package memory provides an in-memory implementation of membership.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlearnhq/billsync/pkg/membership"
)

// Storage implements membership.Store using in-memory maps. Transactions are
// modeled by cloning the whole state under the lock and swapping it in on
// commit, so a failing transaction function leaves no partial writes behind.
type Storage struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	users         map[string]*membership.User
	byCustomerRef map[string]string
	payments      map[string]*membership.Payment
	subscriptions map[string]*membership.Subscription
	prices        map[string]*membership.Price
	processed     map[string]time.Time
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{state: newState()}
}

func newState() *state {
	return &state{
		users:         make(map[string]*membership.User),
		byCustomerRef: make(map[string]string),
		payments:      make(map[string]*membership.Payment),
		subscriptions: make(map[string]*membership.Subscription),
		prices:        make(map[string]*membership.Price),
		processed:     make(map[string]time.Time),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.users {
		userCopy := *v
		c.users[k] = &userCopy
	}
	for k, v := range st.byCustomerRef {
		c.byCustomerRef[k] = v
	}
	for k, v := range st.payments {
		paymentCopy := *v
		c.payments[k] = &paymentCopy
	}
	for k, v := range st.subscriptions {
		subCopy := *v
		if v.CanceledAt != nil {
			canceledAt := *v.CanceledAt
			subCopy.CanceledAt = &canceledAt
		}
		c.subscriptions[k] = &subCopy
	}
	for k, v := range st.prices {
		priceCopy := *v
		c.prices[k] = &priceCopy
	}
	for k, v := range st.processed {
		c.processed[k] = v
	}
	return c
}

// GetUser implements membership.Store.
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getUser(userID)
}

// GetUserByCustomerRef implements membership.Store.
func (s *Storage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getUserByCustomerRef(customerRef)
}

// CreateUser implements membership.Store.
func (s *Storage) CreateUser(ctx context.Context, user *membership.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.createUser(user)
}

// SetCustomerRef implements membership.Store.
func (s *Storage) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.setCustomerRef(userID, customerRef)
}

// SetMembershipLevel implements membership.Store.
func (s *Storage) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.setMembershipLevel(userID, level)
}

// ListCustomerLinkedUsers implements membership.Store.
func (s *Storage) ListCustomerLinkedUsers(ctx context.Context) ([]*membership.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listCustomerLinkedUsers()
}

// GetPayment implements membership.Store.
func (s *Storage) GetPayment(ctx context.Context, externalRef string) (*membership.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getPayment(externalRef)
}

// UpsertPayment implements membership.Store.
func (s *Storage) UpsertPayment(ctx context.Context, payment *membership.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.upsertPayment(payment)
}

// GetSubscription implements membership.Store.
func (s *Storage) GetSubscription(ctx context.Context, externalRef string) (*membership.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getSubscription(externalRef)
}

// UpsertSubscription implements membership.Store.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *membership.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.upsertSubscription(sub)
}

// ListUserSubscriptions implements membership.Store.
func (s *Storage) ListUserSubscriptions(ctx context.Context, userID string) ([]*membership.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listUserSubscriptions(userID)
}

// GetPrice implements membership.Store.
func (s *Storage) GetPrice(ctx context.Context, externalRef string) (*membership.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getPrice(externalRef)
}

// UpsertPrice implements membership.Store.
func (s *Storage) UpsertPrice(ctx context.Context, price *membership.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.upsertPrice(price)
}

// ClaimEvent implements membership.Store.
func (s *Storage) ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.claimEvent(eventID, at)
}

// RunInTx implements membership.Store. The whole state is cloned under the
// write lock; fn operates on the clone, which replaces the live state only if
// fn returns nil.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(ctx, &txStore{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// txStore is the unlocked transactional view handed to RunInTx callbacks.
type txStore struct {
	state *state
}

func (t *txStore) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	return t.state.getUser(userID)
}

func (t *txStore) GetUserByCustomerRef(ctx context.Context, customerRef string) (*membership.User, error) {
	return t.state.getUserByCustomerRef(customerRef)
}

func (t *txStore) CreateUser(ctx context.Context, user *membership.User) error {
	return t.state.createUser(user)
}

func (t *txStore) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	return t.state.setCustomerRef(userID, customerRef)
}

func (t *txStore) SetMembershipLevel(ctx context.Context, userID string, level membership.MembershipLevel) error {
	return t.state.setMembershipLevel(userID, level)
}

func (t *txStore) ListCustomerLinkedUsers(ctx context.Context) ([]*membership.User, error) {
	return t.state.listCustomerLinkedUsers()
}

func (t *txStore) GetPayment(ctx context.Context, externalRef string) (*membership.Payment, error) {
	return t.state.getPayment(externalRef)
}

func (t *txStore) UpsertPayment(ctx context.Context, payment *membership.Payment) error {
	return t.state.upsertPayment(payment)
}

func (t *txStore) GetSubscription(ctx context.Context, externalRef string) (*membership.Subscription, error) {
	return t.state.getSubscription(externalRef)
}

func (t *txStore) UpsertSubscription(ctx context.Context, sub *membership.Subscription) error {
	return t.state.upsertSubscription(sub)
}

func (t *txStore) ListUserSubscriptions(ctx context.Context, userID string) ([]*membership.Subscription, error) {
	return t.state.listUserSubscriptions(userID)
}

func (t *txStore) GetPrice(ctx context.Context, externalRef string) (*membership.Price, error) {
	return t.state.getPrice(externalRef)
}

func (t *txStore) UpsertPrice(ctx context.Context, price *membership.Price) error {
	return t.state.upsertPrice(price)
}

func (t *txStore) ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	return t.state.claimEvent(eventID, at)
}

// RunInTx on a transactional view joins the ongoing transaction.
func (t *txStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx membership.Store) error) error {
	return fn(ctx, t)
}

// State methods operate without locking; callers synchronize.

func (st *state) getUser(userID string) (*membership.User, error) {
	user, ok := st.users[userID]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (st *state) getUserByCustomerRef(customerRef string) (*membership.User, error) {
	userID, ok := st.byCustomerRef[customerRef]
	if !ok {
		return nil, membership.ErrUserNotFound
	}
	return st.getUser(userID)
}

func (st *state) createUser(user *membership.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if _, exists := st.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	userCopy := *user
	if userCopy.MembershipLevel == "" {
		userCopy.MembershipLevel = membership.LevelFree
	}
	now := time.Now().UTC()
	userCopy.CreatedAt = now
	userCopy.UpdatedAt = now
	st.users[user.ID] = &userCopy
	if userCopy.CustomerRef != "" {
		st.byCustomerRef[userCopy.CustomerRef] = user.ID
	}
	return nil
}

func (st *state) setCustomerRef(userID, customerRef string) error {
	user, ok := st.users[userID]
	if !ok {
		return membership.ErrUserNotFound
	}
	if user.CustomerRef != "" {
		delete(st.byCustomerRef, user.CustomerRef)
	}
	user.CustomerRef = customerRef
	user.UpdatedAt = time.Now().UTC()
	st.byCustomerRef[customerRef] = userID
	return nil
}

func (st *state) setMembershipLevel(userID string, level membership.MembershipLevel) error {
	user, ok := st.users[userID]
	if !ok {
		return membership.ErrUserNotFound
	}
	user.MembershipLevel = level
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (st *state) listCustomerLinkedUsers() ([]*membership.User, error) {
	users := make([]*membership.User, 0, len(st.byCustomerRef))
	for _, userID := range st.byCustomerRef {
		user, ok := st.users[userID]
		if !ok {
			continue
		}
		userCopy := *user
		users = append(users, &userCopy)
	}
	return users, nil
}

func (st *state) getPayment(externalRef string) (*membership.Payment, error) {
	payment, ok := st.payments[externalRef]
	if !ok {
		return nil, membership.ErrPaymentNotFound
	}
	paymentCopy := *payment
	return &paymentCopy, nil
}

func (st *state) upsertPayment(payment *membership.Payment) error {
	if payment == nil || payment.ExternalRef == "" {
		return fmt.Errorf("invalid payment")
	}
	paymentCopy := *payment
	now := time.Now().UTC()
	if existing, ok := st.payments[payment.ExternalRef]; ok {
		paymentCopy.CreatedAt = existing.CreatedAt
	} else {
		paymentCopy.CreatedAt = now
	}
	paymentCopy.UpdatedAt = now
	st.payments[payment.ExternalRef] = &paymentCopy
	return nil
}

func (st *state) getSubscription(externalRef string) (*membership.Subscription, error) {
	sub, ok := st.subscriptions[externalRef]
	if !ok {
		return nil, membership.ErrSubscriptionNotFound
	}
	subCopy := *sub
	if sub.CanceledAt != nil {
		canceledAt := *sub.CanceledAt
		subCopy.CanceledAt = &canceledAt
	}
	return &subCopy, nil
}

func (st *state) upsertSubscription(sub *membership.Subscription) error {
	if sub == nil || sub.ExternalRef == "" {
		return fmt.Errorf("invalid subscription")
	}
	subCopy := *sub
	if sub.CanceledAt != nil {
		canceledAt := *sub.CanceledAt
		subCopy.CanceledAt = &canceledAt
	}
	now := time.Now().UTC()
	if existing, ok := st.subscriptions[sub.ExternalRef]; ok {
		subCopy.CreatedAt = existing.CreatedAt
	} else {
		subCopy.CreatedAt = now
	}
	subCopy.UpdatedAt = now
	st.subscriptions[sub.ExternalRef] = &subCopy
	return nil
}

func (st *state) listUserSubscriptions(userID string) ([]*membership.Subscription, error) {
	var subs []*membership.Subscription
	for _, sub := range st.subscriptions {
		if sub.UserID != userID {
			continue
		}
		subCopy := *sub
		if sub.CanceledAt != nil {
			canceledAt := *sub.CanceledAt
			subCopy.CanceledAt = &canceledAt
		}
		subs = append(subs, &subCopy)
	}
	return subs, nil
}

func (st *state) getPrice(externalRef string) (*membership.Price, error) {
	price, ok := st.prices[externalRef]
	if !ok {
		return nil, membership.ErrPriceNotFound
	}
	priceCopy := *price
	return &priceCopy, nil
}

func (st *state) upsertPrice(price *membership.Price) error {
	if price == nil || price.ExternalRef == "" {
		return fmt.Errorf("invalid price")
	}
	priceCopy := *price
	st.prices[price.ExternalRef] = &priceCopy
	return nil
}

func (st *state) claimEvent(eventID string, at time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}
	if _, exists := st.processed[eventID]; exists {
		return false, nil
	}
	st.processed[eventID] = at
	return true, nil
}
