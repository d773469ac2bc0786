package flashcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the cache and the durable source both miss.
	ErrNotFound = errors.New("flashcache: not found")

	// ErrOutOfStock: admission rejected, remaining stock <= 0.
	ErrOutOfStock = errors.New("flashcache: out of stock")

	// ErrDuplicateOrder: admission rejected, user already holds a reservation.
	ErrDuplicateOrder = errors.New("flashcache: duplicate order")

	// ErrLockUnavailable: mutex-rebuild attempts exhausted while another
	// rebuild held the lock.
	ErrLockUnavailable = errors.New("flashcache: lock unavailable")

	// ErrQueueSaturated: admission queue full; the caller may retry.
	ErrQueueSaturated = errors.New("flashcache: admission queue saturated")
)

// PersistenceError reports a failed durable commit for an admitted order.
// The worker logs it; the admitting caller already returned and never sees it.
type PersistenceError struct {
	OrderID uint64
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist order %d: %v", e.OrderID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
