package flashcache

import (
	"context"
	"time"
)

// Order is one admitted flash-sale order. It doubles as the transient worker
// task: built at admission, consumed by the worker, never persisted on its
// own. A task lost to a crash is rebuilt from durable state by operators
// (see Pipeline.SeedStock).
type Order struct {
	ID        uint64
	UserID    uint64
	VoucherID uint64
	CreatedAt time.Time
}

// OrderStore is the durable-storage adapter the worker commits through.
// Durable storage is the source of truth; the fast-path reservation in the
// key-value store is only an admission filter.
type OrderStore interface {
	// InTx runs fn within a single transaction scope. An error from fn rolls
	// the transaction back and is returned.
	InTx(ctx context.Context, fn func(tx OrderTx) error) error
}

// OrderTx is the per-transaction view of durable storage.
type OrderTx interface {
	// HasOrder reports whether user already holds an order for voucher.
	HasOrder(ctx context.Context, userID, voucherID uint64) (bool, error)

	// DecrementStock runs the conditional decrement
	// (stock = stock - 1 WHERE stock > 0) and reports whether a row changed.
	DecrementStock(ctx context.Context, voucherID uint64) (bool, error)

	// InsertOrder persists the order row.
	InsertOrder(ctx context.Context, o Order) error
}
