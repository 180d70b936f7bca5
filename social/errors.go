package social

import "errors"

var (
	// ErrSelfReference is returned when an identity targets itself.
	ErrSelfReference = errors.New("social: cannot target yourself")
	// ErrLimitExceeded is returned when an identity already has the maximum
	// number of outgoing edges.
	ErrLimitExceeded = errors.New("social: friend limit reached")
	// ErrConstraintViolation is returned when a store invariant would break.
	ErrConstraintViolation = errors.New("social: constraint violation")
	// ErrNotFound is matched by Directory errors for unknown identities.
	ErrNotFound = errors.New("social: identity not found")
	// ErrNotFriends is returned for canvas access outside a mutual pair.
	ErrNotFriends = errors.New("social: not friends")
)
