package membership

import "errors"

var (
	// ErrUserNotFound is returned when no user row exists for the given ID or
	// external customer reference.
	ErrUserNotFound = errors.New("user not found")

	// ErrPaymentNotFound is returned when no payment row exists for the given
	// external reference.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrSubscriptionNotFound is returned when no subscription row exists for
	// the given external reference.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPriceNotFound is returned when no price row exists for the given
	// external reference.
	ErrPriceNotFound = errors.New("price not found")
)
