package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict marks an attempt to add an entity whose key is already tracked.
	ErrConflict = errors.New("entity key conflict")
	// ErrInvariantViolation marks an attempt to change an entity's identity.
	ErrInvariantViolation = errors.New("entity key cannot be edited")
	// ErrStoreWrite marks a failed or unconfirmed batch write.
	ErrStoreWrite = errors.New("store batch write failed")
	// ErrKeyNotResolvable is returned when an entity or document carries no
	// usable key. Mutation paths treat it as "entity not trackable".
	ErrKeyNotResolvable = errors.New("entity key not resolvable")
	// ErrNotFound is returned by lookups that find no entity.
	ErrNotFound = errors.New("entity not found")
	// ErrStreamConsumed is yielded when a forward-only record stream is ranged
	// over a second time.
	ErrStreamConsumed = errors.New("record stream already consumed")
	// ErrUnknownDriver is returned by factories given an unsupported driver.
	ErrUnknownDriver = errors.New("unknown driver")
)

// ConflictError is raised at commit classification when an added entity's
// key already exists among loaded or already-staged added entities.
type ConflictError struct {
	Table string
	Key   EntityKey
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: an entity with key %s cannot be added, because an entity with that key already exists", e.Table, e.Key)
}

// Is lets errors.Is match ErrConflict.
func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// InvariantViolationError is raised when an update would change the identity
// key of a tracked entity.
type InvariantViolationError struct {
	Table  string
	OldKey EntityKey
	NewKey EntityKey
}

func (e InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: entity key cannot be edited (%s -> %s)", e.Table, e.OldKey, e.NewKey)
}

// Is lets errors.Is match ErrInvariantViolation.
func (e InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// StoreWriteError wraps the failure of a batch write. It is returned only
// after the touched keys were evicted from the side cache.
type StoreWriteError struct {
	Table string
	Keys  []EntityKey
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s: batch write of %d entities failed: %v", e.Table, len(e.Keys), e.Err)
}

// Unwrap returns the underlying store error.
func (e *StoreWriteError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrStoreWrite.
func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWrite }
