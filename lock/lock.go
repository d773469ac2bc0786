// Package lock implements a non-blocking distributed mutex on a kv.Store.
//
// Acquire is a single set-if-absent with TTL; release is an atomic
// compare-token-and-delete so a slow holder whose TTL already lapsed cannot
// delete a lock that has since been reacquired by someone else. The TTL is a
// crash safety net, not a renewal mechanism: correctness of the critical
// section is not guaranteed once elapsed time exceeds the TTL.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/flashcache/kv"
)

// unlockScript deletes the lock only when it still carries our token.
// Compare and delete must be one indivisible step at the store.
const unlockScript = `if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0`

// Mutex is one logical acquisition. Do not share a Mutex across unrelated
// acquisitions: the holder token identifies this value.
type Mutex struct {
	store kv.Store
	key   string
	token string
	ttl   time.Duration
}

func New(store kv.Store, key string, ttl time.Duration) *Mutex {
	return &Mutex{
		store: store,
		key:   key,
		token: uuid.NewString(),
		ttl:   ttl,
	}
}

// TryLock makes a single acquisition attempt and reports whether the lock was
// taken. It never spins or sleeps.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	return m.store.SetNX(ctx, m.key, []byte(m.token), m.ttl)
}

// Unlock releases the lock if this Mutex still owns it. Releasing a lock that
// expired and was reacquired elsewhere is a no-op.
func (m *Mutex) Unlock(ctx context.Context) error {
	_, err := m.store.Eval(ctx, unlockScript, []string{m.key}, m.token)
	return err
}

// Key returns the store key the mutex guards.
func (m *Mutex) Key() string { return m.key }
