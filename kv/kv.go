// Package kv defines the key-value store capabilities flashcache relies on.
//
// The store is assumed to be a shared, remote engine (one logical keyspace
// seen by every process). Correctness of locks, id sequences and admission
// depends on SetNX, Incr and Eval being atomic at the store; implementations
// backed by per-process memory cannot satisfy this contract.
package kv

import (
	"context"
	"time"
)

// Store is the capability wrapper over the key-value engine.
// Must be safe for concurrent use. Values are opaque bytes: Get must return
// exactly the []byte previously passed to Set for the same key.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent; reports whether it was set.
	// ttl <= 0 means no expiry.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer at key and returns the new value.
	// A missing key counts from zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Eval runs script atomically against keys/args and returns its integer
	// reply. Used for multi-step operations that must be one indivisible step
	// (lock release, admission reservation).
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
