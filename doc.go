// Package flashcache protects a durable store behind Redis for high-read,
// bursty-write catalogs: cache-aside reads hardened against penetration,
// breakdown and avalanche, plus a flash-sale admission pipeline that admits
// an order at most once per user without blocking callers on durable-storage
// latency.
//
// Components:
//   - Cache[V]: generic cache-aside engine. Pass-through reads with negative
//     caching, logical-expiry reads with stale-while-revalidate, mutex-rebuild
//     reads with bounded lock retries.
//   - Pipeline: atomic stock/duplicate check-and-reserve (one Lua step),
//     bounded task queue, single consumer committing orders durably under a
//     per-user lock.
//   - lock.Mutex: non-blocking distributed lock with ownership-checked release.
//   - IDGenerator: time+sequence 64-bit ids from a day-rotated counter.
//   - kv.Store: the key-value capabilities everything above needs (get/set
//     with TTL, SETNX, INCR, DEL, scripted eval). kv/redis adapts go-redis.
//
// Keys:
//
//	<prefix><id>           cache entries (framed; see internal/wire)
//	lock:<prefix><id>      cache rebuild locks
//	seckill:stock:<v>      remaining stock for voucher v
//	seckill:order:<v>      set of user ids holding a reservation for v
//	lock:order:<user>      per-user order lock
//	icr:<prefix>:<date>    id sequence counters
//
// Read pattern:
//
//	// miss -> load once; absent -> short-lived negative marker
//	v, err := c.Get(ctx, id, loadFromDB, 30*time.Minute)
//	// pre-warmed entries; stale value served, rebuild runs in background
//	v, err := c.GetLogical(ctx, id, loadFromDB, time.Hour)
package flashcache
