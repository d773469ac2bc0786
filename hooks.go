package flashcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache and the pipeline call them on hot paths.
type Hooks interface {
	// A cache entry was deleted on read.
	// reason ∈ {"corrupt", "wrong_kind", "value_decode"}
	SelfHeal(storageKey, reason string)

	// An async rebuild completed with an error (loader or store write).
	RebuildFailed(storageKey string, err error)

	// A rebuild lock was acquired but the pool backlog was full; the lock
	// was released and the rebuild skipped.
	RebuildSkipped(storageKey string)

	// Admit rejected a request.
	// reason ∈ {"out_of_stock", "duplicate", "queue_full"}
	AdmitRejected(voucherID, userID uint64, reason string)

	// The worker dropped a task without persisting it (per-user lock busy).
	TaskDropped(orderID, userID uint64)

	// Durable commit failed for an admitted order.
	PersistFailed(orderID uint64, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)              {}
func (NopHooks) RebuildFailed(string, error)          {}
func (NopHooks) RebuildSkipped(string)                {}
func (NopHooks) AdmitRejected(uint64, uint64, string) {}
func (NopHooks) TaskDropped(uint64, uint64)           {}
func (NopHooks) PersistFailed(uint64, error)          {}
