package flashcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/unkn0wn-root/flashcache/kv"
)

const (
	stockKeyPrefix    = "seckill:stock:"
	orderSetKeyPrefix = "seckill:order:"
	orderLockPrefix   = "lock:order:"
	orderIDPrefix     = "order"

	defaultQueueSize    = 1 << 20
	defaultOrderLockTTL = 10 * time.Second
)

// admitScript is the whole check-and-reserve in one indivisible step:
// stock and duplicate checks plus the reservation. Splitting these into
// separate round trips reopens the race between checking and reserving.
//
// KEYS[1] stock counter, KEYS[2] set of user ids; ARGV[1] user id.
// Returns 0 ok, 1 out of stock, 2 duplicate.
const admitScript = `local stock = tonumber(redis.call('get', KEYS[1]))
if not stock or stock <= 0 then
    return 1
end
if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return 2
end
redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
return 0`

// releaseScript undoes one reservation (queue-full compensation).
const releaseScript = `redis.call('incrby', KEYS[1], 1)
redis.call('srem', KEYS[2], ARGV[1])
return 0`

// PipelineOptions configure a Pipeline. Store, Orders and IDs are required.
type PipelineOptions struct {
	Store  kv.Store
	Orders OrderStore
	IDs    *IDGenerator

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// QueueSize bounds the admission queue; 0 => 1<<20. Admissions beyond a
	// full queue fail fast with ErrQueueSaturated.
	QueueSize int

	// LockTTL for the per-user order lock; 0 => 10s.
	LockTTL time.Duration
}

// Pipeline is the flash-sale front end. Admit is safe for unbounded caller
// parallelism: correctness rests entirely on the store's atomic scripted
// evaluation, no local lock is taken. Durable persistence runs on a single
// dedicated consumer decoupled from admission by the bounded queue.
type Pipeline struct {
	store  kv.Store
	orders OrderStore
	ids    *IDGenerator
	log    Logger
	hooks  Hooks

	lockTTL time.Duration
	tasks   chan Order

	startOnce sync.Once
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("flashcache: store is required")
	}
	if opts.Orders == nil {
		return nil, fmt.Errorf("flashcache: order store is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("flashcache: id generator is required")
	}

	p := &Pipeline{
		store:   opts.Store,
		orders:  opts.Orders,
		ids:     opts.IDs,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		lockTTL: coalesce[time.Duration](opts.LockTTL, defaultOrderLockTTL),
		tasks:   make(chan Order, coalesce[int](opts.QueueSize, defaultQueueSize)),
		stopCh:  make(chan struct{}),
	}
	return p, nil
}

// Start launches the single order consumer. Idempotent.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.closeWg.Add(1)
		go p.run()
	})
}

// Close stops the consumer after the task in flight, if any. Queued tasks are
// dropped; this is the accepted at-most-once loss window, recovered by
// re-seeding stock from the durable table.
func (p *Pipeline) Close(context.Context) error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.closeWg.Wait()
		if n := len(p.tasks); n > 0 {
			p.log.Warn("pipeline closed with queued tasks dropped", Fields{"dropped": n})
		}
	})
	return nil
}

// SeedStock writes the remaining stock for voucherID into the store. Call it
// when a sale is published, and again after a crash to re-seed from the
// durable table (the reservation set is left as is: durable rows are the
// source of truth for who already ordered).
func (p *Pipeline) SeedStock(ctx context.Context, voucherID uint64, stock int64) error {
	key := stockKeyPrefix + formatID(voucherID)
	return p.store.Set(ctx, key, []byte(strconv.FormatInt(stock, 10)), 0)
}

// Admit decides eligibility in one atomic scripted step against the store:
// out-of-stock and duplicate checks plus the reservation. On success the
// order id is returned immediately and the durable commit happens
// asynchronously in the consumer (optimistic accept).
func (p *Pipeline) Admit(ctx context.Context, voucherID, userID uint64) (uint64, error) {
	v := formatID(voucherID)
	u := formatID(userID)
	keys := []string{stockKeyPrefix + v, orderSetKeyPrefix + v}

	res, err := p.store.Eval(ctx, admitScript, keys, u)
	if err != nil {
		return 0, err
	}
	switch res {
	case 1:
		p.hooks.AdmitRejected(voucherID, userID, "out_of_stock")
		return 0, ErrOutOfStock
	case 2:
		p.hooks.AdmitRejected(voucherID, userID, "duplicate")
		return 0, ErrDuplicateOrder
	}

	orderID, err := p.ids.Next(ctx, orderIDPrefix)
	if err != nil {
		p.release(ctx, keys, u)
		return 0, err
	}

	task := Order{
		ID:        orderID,
		UserID:    userID,
		VoucherID: voucherID,
		CreatedAt: time.Now(),
	}
	select {
	case p.tasks <- task:
		return orderID, nil
	default:
		// never block the caller; give the reservation back so a retry is
		// not falsely rejected as a duplicate
		p.release(ctx, keys, u)
		p.hooks.AdmitRejected(voucherID, userID, "queue_full")
		return 0, ErrQueueSaturated
	}
}

// release is best-effort compensation; on failure the reservation leaks until
// the next stock re-seed.
func (p *Pipeline) release(ctx context.Context, keys []string, user string) {
	if _, err := p.store.Eval(ctx, releaseScript, keys, user); err != nil {
		p.log.Error("reservation release failed", Fields{"stock_key": keys[0], "user": user, "err": err})
	}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
