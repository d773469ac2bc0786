package flashcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/flashcache/codec"
	"github.com/unkn0wn-root/flashcache/internal/wire"
	"github.com/unkn0wn-root/flashcache/kv"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memStore is an in-memory kv.Store. Eval emulates the three scripts this
// module runs (admission reserve, reservation release, ownership-checked
// unlock) under the store mutex, so scripted steps stay atomic in tests.
type memStore struct {
	mu   sync.Mutex
	m    map[string]memEntry
	sets map[string]map[string]struct{}
}

var _ kv.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		m:    make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
	}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	return v, ok, nil
}

func (s *memStore) getLocked(key string) ([]byte, bool) {
	e, ok := s.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.m, key)
		return nil, false
	}
	return e.v, true
}

func (s *memStore) Set(_ context.Context, key string, v []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, v, ttl)
	return nil
}

func (s *memStore) setLocked(key string, v []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.m[key] = memEntry{v: v, exp: exp}
}

func (s *memStore) SetNX(_ context.Context, key string, v []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.getLocked(key); held {
		return false, nil
	}
	s.setLocked(key, v, ttl)
	return true, nil
}

func (s *memStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.intLocked(key) + 1
	s.setLocked(key, []byte(strconv.FormatInt(n, 10)), 0)
	return n, nil
}

func (s *memStore) intLocked(key string) int64 {
	v, ok := s.getLocked(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(v), 10, 64)
	return n
}

func (s *memStore) Eval(_ context.Context, script string, keys []string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(script, "sismember"): // admission reserve
		stock := s.intLocked(keys[0])
		if stock <= 0 {
			return 1, nil
		}
		user := fmt.Sprint(args[0])
		if _, dup := s.sets[keys[1]][user]; dup {
			return 2, nil
		}
		s.setLocked(keys[0], []byte(strconv.FormatInt(stock-1, 10)), 0)
		if s.sets[keys[1]] == nil {
			s.sets[keys[1]] = make(map[string]struct{})
		}
		s.sets[keys[1]][user] = struct{}{}
		return 0, nil

	case strings.Contains(script, "srem"): // reservation release
		s.setLocked(keys[0], []byte(strconv.FormatInt(s.intLocked(keys[0])+1, 10)), 0)
		delete(s.sets[keys[1]], fmt.Sprint(args[0]))
		return 0, nil

	default: // ownership-checked unlock
		if v, held := s.getLocked(keys[0]); held && string(v) == fmt.Sprint(args[0]) {
			delete(s.m, keys[0])
			return 1, nil
		}
		return 0, nil
	}
}

func (s *memStore) Close(context.Context) error { return nil }

// hookRecorder counts the callbacks tests care about.
type hookRecorder struct {
	NopHooks
	mu            sync.Mutex
	rebuildFailed int
	taskDropped   int
	persistErrs   []error
}

func (h *hookRecorder) RebuildFailed(string, error) {
	h.mu.Lock()
	h.rebuildFailed++
	h.mu.Unlock()
}

func (h *hookRecorder) TaskDropped(uint64, uint64) {
	h.mu.Lock()
	h.taskDropped++
	h.mu.Unlock()
}

func (h *hookRecorder) PersistFailed(_ uint64, err error) {
	h.mu.Lock()
	h.persistErrs = append(h.persistErrs, err)
	h.mu.Unlock()
}

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newTestCache(t *testing.T, ms kv.Store, optsOpt func(*Options[item])) *Cache[item] {
	t.Helper()
	opts := Options[item]{
		Prefix:         "cache:item:",
		Store:          ms,
		Codec:          codec.JSON[item]{},
		LockRetryDelay: 5 * time.Millisecond,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := New[item](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", d)
}

// ==============================
// Pass-through (penetration protection)
// ==============================

// TestPassThroughNegativeCaching verifies a durable miss is loaded at most
// once before the negative marker suppresses further loader calls.
func TestPassThroughNegativeCaching(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	c := newTestCache(t, ms, nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		return item{}, false, nil
	}

	if _, err := c.Get(ctx, "absent", loader, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("first Get: want ErrNotFound, got %v", err)
	}
	if _, err := c.Get(ctx, "absent", loader, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Get: want ErrNotFound, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}

	// the marker is a real entry, distinct from "key absent"
	raw, ok, _ := ms.Get(ctx, "cache:item:absent")
	if !ok {
		t.Fatalf("negative marker missing")
	}
	if e, err := wire.Decode(raw); err != nil || e.Kind != wire.KindNegative {
		t.Fatalf("stored entry kind = %v err = %v, want negative", e.Kind, err)
	}
}

// TestPassThroughLoadAndFill verifies miss -> load -> fill -> hit.
func TestPassThroughLoadAndFill(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	want := item{ID: "7", Name: "Ada"}
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		return want, true, nil
	}

	got, err := c.Get(ctx, "7", loader, time.Minute)
	if err != nil || got != want {
		t.Fatalf("Get: got=%v err=%v", got, err)
	}
	got, err = c.Get(ctx, "7", loader, time.Minute)
	if err != nil || got != want {
		t.Fatalf("Get (cached): got=%v err=%v", got, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

// TestPassThroughCollapsesConcurrentLoads verifies concurrent misses for one
// key share a single loader call.
func TestPassThroughCollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return item{ID: "hot"}, true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, "hot", loader, time.Minute); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

// ==============================
// Logical expiry (stale-while-revalidate)
// ==============================

// TestLogicalFreshHit verifies an unexpired entry is served with no rebuild.
func TestLogicalFreshHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	want := item{ID: "1", Name: "fresh"}
	if err := c.SetLogical(ctx, "1", want, time.Hour); err != nil {
		t.Fatalf("SetLogical: %v", err)
	}

	loader := func(context.Context, string) (item, bool, error) {
		t.Error("loader must not run for a fresh entry")
		return item{}, false, nil
	}
	got, err := c.GetLogical(ctx, "1", loader, time.Hour)
	if err != nil || got != want {
		t.Fatalf("GetLogical: got=%v err=%v", got, err)
	}
}

// TestLogicalMiss verifies the pre-warmed contract: a true miss never loads.
func TestLogicalMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	loader := func(context.Context, string) (item, bool, error) {
		t.Error("loader must not run on a logical miss")
		return item{}, false, nil
	}
	if _, err := c.GetLogical(ctx, "cold", loader, time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

// TestLogicalStaleServedAndRebuilt verifies the expired entry is returned on
// the very call that schedules the rebuild, and the rebuild lands async.
func TestLogicalStaleServedAndRebuilt(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	c := newTestCache(t, ms, nil)
	defer c.Close(ctx)

	stale := item{ID: "1", Name: "stale"}
	fresh := item{ID: "1", Name: "fresh"}
	if err := c.SetLogical(ctx, "1", stale, -time.Second); err != nil { // already expired
		t.Fatalf("SetLogical: %v", err)
	}

	loader := func(context.Context, string) (item, bool, error) {
		return fresh, true, nil
	}
	got, err := c.GetLogical(ctx, "1", loader, time.Hour)
	if err != nil || got != stale {
		t.Fatalf("stale read: got=%v err=%v, want stale value", got, err)
	}

	waitFor(t, time.Second, func() bool {
		v, err := c.GetLogical(ctx, "1", loader, time.Hour)
		return err == nil && v == fresh
	})

	// rebuild lock must be gone once the rebuild finished
	waitFor(t, time.Second, func() bool {
		_, held, _ := ms.Get(ctx, "lock:cache:item:1")
		return !held
	})
}

// TestLogicalRebuildFailureSwallowed verifies loader errors during async
// rebuild are hooked, not surfaced, and the lock is still released.
func TestLogicalRebuildFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	hooks := &hookRecorder{}
	c := newTestCache(t, ms, func(o *Options[item]) { o.Hooks = hooks })
	defer c.Close(ctx)

	stale := item{ID: "1", Name: "stale"}
	if err := c.SetLogical(ctx, "1", stale, -time.Second); err != nil {
		t.Fatalf("SetLogical: %v", err)
	}

	loader := func(context.Context, string) (item, bool, error) {
		return item{}, false, errors.New("db down")
	}
	got, err := c.GetLogical(ctx, "1", loader, time.Hour)
	if err != nil || got != stale {
		t.Fatalf("stale read during failing rebuild: got=%v err=%v", got, err)
	}

	waitFor(t, time.Second, func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return hooks.rebuildFailed == 1
	})
	waitFor(t, time.Second, func() bool {
		_, held, _ := ms.Get(ctx, "lock:cache:item:1")
		return !held
	})
}

// TestLogicalSingleRebuildInFlight verifies a second stale read while the
// lock is held schedules nothing extra.
func TestLogicalSingleRebuildInFlight(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	c := newTestCache(t, ms, nil)
	defer c.Close(ctx)

	stale := item{ID: "1", Name: "stale"}
	if err := c.SetLogical(ctx, "1", stale, -time.Second); err != nil {
		t.Fatalf("SetLogical: %v", err)
	}

	var calls atomic.Int64
	block := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(block) })
	defer unblock() // keep Close from waiting on a parked rebuild if we bail early
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		<-block
		return item{ID: "1", Name: "fresh"}, true, nil
	}

	if _, err := c.GetLogical(ctx, "1", loader, time.Hour); err != nil {
		t.Fatalf("first stale read: %v", err)
	}
	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })

	// rebuild in flight holds the lock; this read serves stale and moves on
	if got, err := c.GetLogical(ctx, "1", loader, time.Hour); err != nil || got != stale {
		t.Fatalf("second stale read: got=%v err=%v", got, err)
	}
	unblock()
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

// ==============================
// Mutex rebuild (breakdown protection)
// ==============================

// TestGetWithLockFills verifies the miss -> lock -> load -> fill path and the
// cached follow-up.
func TestGetWithLockFills(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	want := item{ID: "9", Name: "Nia"}
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		return want, true, nil
	}

	got, err := c.GetWithLock(ctx, "9", loader, time.Minute)
	if err != nil || got != want {
		t.Fatalf("GetWithLock: got=%v err=%v", got, err)
	}
	if got, err := c.GetWithLock(ctx, "9", loader, time.Minute); err != nil || got != want {
		t.Fatalf("GetWithLock (cached): got=%v err=%v", got, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

// TestGetWithLockBoundedRetries verifies contenders give up with
// ErrLockUnavailable instead of spinning forever.
func TestGetWithLockBoundedRetries(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	c := newTestCache(t, ms, func(o *Options[item]) { o.LockRetries = 2 })
	defer c.Close(ctx)

	// hold the rebuild lock externally
	if ok, _ := ms.SetNX(ctx, "lock:cache:item:9", []byte("other"), time.Minute); !ok {
		t.Fatalf("could not pre-hold lock")
	}

	loader := func(context.Context, string) (item, bool, error) {
		t.Error("loader must not run while the lock is held elsewhere")
		return item{}, false, nil
	}
	if _, err := c.GetWithLock(ctx, "9", loader, time.Minute); !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("want ErrLockUnavailable, got %v", err)
	}
}

// TestGetWithLockNegative verifies a durable miss writes the marker under the
// lock and later reads stay off the loader.
func TestGetWithLockNegative(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		return item{}, false, nil
	}
	if _, err := c.GetWithLock(ctx, "gone", loader, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := c.GetWithLock(ctx, "gone", loader, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on marker, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader calls = %d, want 1", n)
	}
}

// ==============================
// Self-heal and lifecycle
// ==============================

// TestSelfHealOnCorrupt ensures foreign bytes under the cache prefix are
// deleted and treated as a miss.
func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	c := newTestCache(t, ms, nil)
	defer c.Close(ctx)

	if err := ms.Set(ctx, "cache:item:bad", []byte("not-wire-format"), time.Minute); err != nil {
		t.Fatalf("inject corrupt: %v", err)
	}

	want := item{ID: "bad", Name: "healed"}
	loader := func(context.Context, string) (item, bool, error) { return want, true, nil }

	got, err := c.Get(ctx, "bad", loader, time.Minute)
	if err != nil || got != want {
		t.Fatalf("Get over corrupt entry: got=%v err=%v", got, err)
	}
	raw, ok, _ := ms.Get(ctx, "cache:item:bad")
	if !ok {
		t.Fatalf("entry should have been refilled")
	}
	if e, err := wire.Decode(raw); err != nil || e.Kind != wire.KindPlain {
		t.Fatalf("refilled entry kind=%v err=%v", e.Kind, err)
	}
}

// TestInvalidate deletes the entry so the next read reloads.
func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	defer c.Close(ctx)

	var calls atomic.Int64
	loader := func(context.Context, string) (item, bool, error) {
		calls.Add(1)
		return item{ID: "5"}, true, nil
	}

	if _, err := c.Get(ctx, "5", loader, time.Minute); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Invalidate(ctx, "5"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(ctx, "5", loader, time.Minute); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("loader calls = %d, want 2", n)
	}
}

// TestCloseIdempotent verifies double Close is safe.
func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemStore(), nil)
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
