package flashcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/flashcache/codec"
	"github.com/unkn0wn-root/flashcache/internal/wire"
	"github.com/unkn0wn-root/flashcache/kv"
	"github.com/unkn0wn-root/flashcache/lock"
)

const (
	defaultNegativeTTL    = 2 * time.Minute
	defaultLockTTL        = 10 * time.Second
	defaultRebuilders     = 10
	defaultRebuildBacklog = 256
	defaultLockRetries    = 3
	defaultLockRetryDelay = 50 * time.Millisecond
)

// LoaderFunc fetches id from the durable source.
// Return (zero, false, nil) when the record does not exist.
type LoaderFunc[V any] func(ctx context.Context, id string) (V, bool, error)

// Options tune the behavior of the cache engine.
// Only Prefix, Store and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Prefix string // storage key prefix, e.g. "cache:shop:"
	Store  kv.Store
	Codec  codec.Codec[V]

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	NegativeTTL    time.Duration // absent-key markers; 0 => 2m
	LockTTL        time.Duration // rebuild locks; 0 => 10s
	LockPrefix     string        // rebuild lock keys; "" => "lock:"+Prefix
	Rebuilders     int           // async rebuild workers; 0 => 10
	RebuildBacklog int           // pending async rebuilds; 0 => 256
	LockRetries    int           // GetWithLock attempts; 0 => 3
	LockRetryDelay time.Duration // between GetWithLock attempts; 0 => 50ms
}

// Cache is the cache-aside engine over a kv.Store. It owns a fixed pool of
// rebuild workers for the logical-expiry strategy; the pool is separate from
// any order-processing consumer so cache stampedes and order persistence
// cannot starve each other.
type Cache[V any] struct {
	prefix string
	store  kv.Store
	codec  codec.Codec[V]
	log    Logger
	hooks  Hooks

	negativeTTL    time.Duration
	lockTTL        time.Duration
	lockPrefix     string
	lockRetries    int
	lockRetryDelay time.Duration

	// collapses concurrent loads for the same missing key in-process
	flight singleflight.Group

	jobs      chan rebuildJob[V]
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

type rebuildJob[V any] struct {
	id         string
	loader     LoaderFunc[V]
	logicalTTL time.Duration
	mu         *lock.Mutex
}

func New[V any](opts Options[V]) (*Cache[V], error) {
	if opts.Prefix == "" {
		return nil, fmt.Errorf("flashcache: prefix is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("flashcache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("flashcache: codec is required")
	}

	c := &Cache[V]{
		prefix: opts.Prefix,
		store:  opts.Store,
		codec:  opts.Codec,
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.negativeTTL = coalesce[time.Duration](opts.NegativeTTL, defaultNegativeTTL)
	c.lockTTL = coalesce[time.Duration](opts.LockTTL, defaultLockTTL)
	c.lockPrefix = coalesce[string](opts.LockPrefix, "lock:"+opts.Prefix)
	c.lockRetries = coalesce[int](opts.LockRetries, defaultLockRetries)
	c.lockRetryDelay = coalesce[time.Duration](opts.LockRetryDelay, defaultLockRetryDelay)

	rebuilders := coalesce[int](opts.Rebuilders, defaultRebuilders)
	backlog := coalesce[int](opts.RebuildBacklog, defaultRebuildBacklog)

	c.jobs = make(chan rebuildJob[V], backlog)
	c.stopCh = make(chan struct{})
	c.closeWg.Add(rebuilders)
	for i := 0; i < rebuilders; i++ {
		go c.rebuildLoop()
	}
	return c, nil
}

// Close stops the rebuild pool. Pending rebuilds are abandoned; their locks
// lapse via TTL. The kv.Store is not closed here: it may be shared with other
// components, so its owner closes it.
func (c *Cache[V]) Close(context.Context) error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.closeWg.Wait()
	})
	return nil
}

// Set stores value under the store-native TTL. No logical wrapper.
func (c *Cache[V]) Set(ctx context.Context, id string, value V, ttl time.Duration) error {
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key(id), wire.EncodePlain(payload), ttl)
}

// SetLogical stores value with an application-level deadline of now+logicalTTL
// and no store-native TTL; the entry persists until explicitly overwritten.
// Used to pre-warm keys for GetLogical.
func (c *Cache[V]) SetLogical(ctx context.Context, id string, value V, logicalTTL time.Duration) error {
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}
	entry := wire.EncodeLogical(time.Now().Add(logicalTTL), payload)
	return c.store.Set(ctx, c.key(id), entry, 0)
}

// Invalidate deletes the entry for id. Callers update durable storage first,
// then invalidate (update-then-invalidate).
func (c *Cache[V]) Invalidate(ctx context.Context, id string) error {
	return c.store.Del(ctx, c.key(id))
}

// Get is the pass-through read with penetration protection: a durable miss is
// remembered as a short-lived negative marker so repeated lookups for an
// absent key stop reaching the loader. Concurrent in-process loads for the
// same key are collapsed into one loader call.
func (c *Cache[V]) Get(ctx context.Context, id string, loader LoaderFunc[V], ttl time.Duration) (V, error) {
	var zero V
	k := c.key(id)

	e, ok, err := c.readEntry(ctx, k)
	if err != nil {
		return zero, err
	}
	if ok {
		switch e.Kind {
		case wire.KindNegative:
			return zero, ErrNotFound
		case wire.KindPlain:
			v, derr := c.codec.Decode(e.Payload)
			if derr == nil {
				return v, nil
			}
			c.selfHeal(ctx, k, "value_decode")
		default:
			// logical entry under a pass-through prefix
			c.selfHeal(ctx, k, "wrong_kind")
		}
	}

	res, err, _ := c.flight.Do(k, func() (any, error) {
		v, found, lerr := loader(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if !found {
			if serr := c.store.Set(ctx, k, wire.EncodeNegative(), c.negativeTTL); serr != nil {
				c.log.Warn("negative marker write failed", Fields{"key": k, "err": serr})
			}
			return nil, ErrNotFound
		}
		if serr := c.Set(ctx, id, v, ttl); serr != nil {
			c.log.Warn("cache fill failed", Fields{"key": k, "err": serr})
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(V), nil
}

// GetLogical is the stale-while-revalidate read for pre-warmed keys. A true
// miss returns ErrNotFound without touching the loader. An expired entry is
// still returned immediately; at most one caller wins the rebuild lock and
// schedules an async rebuild, everyone else just serves stale. Callers never
// block on a rebuild.
func (c *Cache[V]) GetLogical(ctx context.Context, id string, loader LoaderFunc[V], logicalTTL time.Duration) (V, error) {
	var zero V
	k := c.key(id)

	e, ok, err := c.readEntry(ctx, k)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	if e.Kind != wire.KindLogical {
		if e.Kind == wire.KindNegative {
			return zero, ErrNotFound
		}
		c.selfHeal(ctx, k, "wrong_kind")
		return zero, ErrNotFound
	}

	v, derr := c.codec.Decode(e.Payload)
	if derr != nil {
		c.selfHeal(ctx, k, "value_decode")
		return zero, ErrNotFound
	}

	if !e.Expired(time.Now()) {
		return v, nil
	}

	mu := lock.New(c.store, c.lockKey(id), c.lockTTL)
	won, lerr := mu.TryLock(ctx)
	if lerr != nil {
		c.log.Warn("rebuild lock attempt failed", Fields{"key": k, "err": lerr})
		return v, nil
	}
	if won {
		select {
		case c.jobs <- rebuildJob[V]{id: id, loader: loader, logicalTTL: logicalTTL, mu: mu}:
		default:
			// backlog full: hand the lock back so a later reader can retry
			if uerr := mu.Unlock(ctx); uerr != nil {
				c.log.Warn("rebuild lock release failed", Fields{"key": k, "err": uerr})
			}
			c.hooks.RebuildSkipped(k)
		}
	}
	return v, nil
}

// GetWithLock is the mutex-rebuild read: on a miss, one caller takes the
// rebuild lock, re-checks the cache, loads and fills; contenders retry a
// bounded number of times and then fail with ErrLockUnavailable instead of
// piling onto the durable source.
func (c *Cache[V]) GetWithLock(ctx context.Context, id string, loader LoaderFunc[V], ttl time.Duration) (V, error) {
	var zero V
	k := c.key(id)

	for attempt := 0; attempt < c.lockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(c.lockRetryDelay):
			}
		}

		v, found, err := c.readPlain(ctx, k)
		if err != nil || found {
			return v, err
		}

		mu := lock.New(c.store, c.lockKey(id), c.lockTTL)
		won, lerr := mu.TryLock(ctx)
		if lerr != nil {
			return zero, lerr
		}
		if !won {
			continue
		}
		return c.rebuildUnderLock(ctx, mu, k, id, loader, ttl)
	}
	return zero, ErrLockUnavailable
}

// rebuildUnderLock loads and fills while holding mu; the lock is released on
// every exit path.
func (c *Cache[V]) rebuildUnderLock(ctx context.Context, mu *lock.Mutex, k, id string, loader LoaderFunc[V], ttl time.Duration) (V, error) {
	var zero V
	defer func() {
		if uerr := mu.Unlock(ctx); uerr != nil {
			c.log.Warn("rebuild lock release failed", Fields{"key": k, "err": uerr})
		}
	}()

	// double-check: someone may have filled the key before we won the lock
	if v, found, err := c.readPlain(ctx, k); err != nil || found {
		return v, err
	}

	v, found, err := loader(ctx, id)
	if err != nil {
		return zero, err
	}
	if !found {
		if serr := c.store.Set(ctx, k, wire.EncodeNegative(), c.negativeTTL); serr != nil {
			c.log.Warn("negative marker write failed", Fields{"key": k, "err": serr})
		}
		return zero, ErrNotFound
	}
	if serr := c.Set(ctx, id, v, ttl); serr != nil {
		c.log.Warn("cache fill failed", Fields{"key": k, "err": serr})
	}
	return v, nil
}

// readPlain resolves a plain-strategy key: (value, true, nil) on a usable hit,
// ErrNotFound for a negative marker, (zero, false, nil) for a true miss.
func (c *Cache[V]) readPlain(ctx context.Context, k string) (V, bool, error) {
	var zero V
	e, ok, err := c.readEntry(ctx, k)
	if err != nil || !ok {
		return zero, false, err
	}
	switch e.Kind {
	case wire.KindNegative:
		return zero, true, ErrNotFound
	case wire.KindPlain:
		v, derr := c.codec.Decode(e.Payload)
		if derr != nil {
			c.selfHeal(ctx, k, "value_decode")
			return zero, false, nil
		}
		return v, true, nil
	default:
		c.selfHeal(ctx, k, "wrong_kind")
		return zero, false, nil
	}
}

// readEntry fetches and deframes a cache entry, deleting corrupt bytes so the
// next read goes back to the durable source.
func (c *Cache[V]) readEntry(ctx context.Context, k string) (wire.Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, k)
	if err != nil || !ok {
		return wire.Entry{}, false, err
	}
	e, derr := wire.Decode(raw)
	if derr != nil {
		c.selfHeal(ctx, k, "corrupt")
		return wire.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *Cache[V]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.store.Del(ctx, storageKey)
	c.hooks.SelfHeal(storageKey, reason)
	c.log.Debug("self-healed entry", Fields{"key": storageKey, "reason": reason})
}

func (c *Cache[V]) rebuildLoop() {
	defer c.closeWg.Done()
	for {
		select {
		case j := <-c.jobs:
			c.rebuild(j)
		case <-c.stopCh:
			return
		}
	}
}

// rebuild refreshes one logically-expired entry. Loader failures stay here:
// they are logged and hooked, never surfaced to the reader that scheduled the
// job. The lock is released whatever happens.
func (c *Cache[V]) rebuild(j rebuildJob[V]) {
	ctx := context.Background()
	k := c.key(j.id)
	defer func() {
		if uerr := j.mu.Unlock(ctx); uerr != nil {
			c.log.Warn("rebuild lock release failed", Fields{"key": k, "err": uerr})
		}
	}()

	v, found, err := j.loader(ctx, j.id)
	if err != nil {
		c.hooks.RebuildFailed(k, err)
		c.log.Error("async rebuild load failed", Fields{"key": k, "err": err})
		return
	}
	if !found {
		// source row is gone; drop the entry so readers stop serving it
		_ = c.store.Del(ctx, k)
		c.log.Info("async rebuild found no source row, entry dropped", Fields{"key": k})
		return
	}
	if serr := c.SetLogical(ctx, j.id, v, j.logicalTTL); serr != nil {
		c.hooks.RebuildFailed(k, serr)
		c.log.Error("async rebuild write failed", Fields{"key": k, "err": serr})
	}
}

func (c *Cache[V]) key(id string) string     { return c.prefix + id }
func (c *Cache[V]) lockKey(id string) string { return c.lockPrefix + id }
