package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when an optimistic-concurrency write loses
	// to a concurrent update (stale revision).
	ErrConflict = errors.New("revision conflict")
	// ErrDuplicate is returned when creating an entity whose key already
	// exists, e.g. a second approval action by the same user.
	ErrDuplicate = errors.New("duplicate entity")
)
