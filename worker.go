package flashcache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/flashcache/lock"
)

// run is the single dedicated consumer: it parks on the queue without burning
// CPU and wakes per enqueued task. One task at a time keeps the durable store
// uncontended and makes the per-user re-check easy to reason about.
func (p *Pipeline) run() {
	defer p.closeWg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.handle(task)
		case <-p.stopCh:
			return
		}
	}
}

// handle commits one admitted order durably. Failures are logged only: the
// caller already received an optimistic success at admission and has no
// channel for a late signal. Tasks are never requeued (at-most-once).
func (p *Pipeline) handle(task Order) {
	// no deadline beyond store and lock TTLs; once queued, a task is not
	// cancellable
	ctx := context.Background()

	mu := lock.New(p.store, orderLockPrefix+formatID(task.UserID), p.lockTTL)
	won, err := mu.TryLock(ctx)
	if err != nil {
		p.hooks.PersistFailed(task.ID, err)
		p.log.Error("order lock attempt failed", Fields{"order": task.ID, "user": task.UserID, "err": err})
		return
	}
	if !won {
		// another admission for this user is already being committed
		p.hooks.TaskDropped(task.ID, task.UserID)
		p.log.Warn("order task dropped, user lock busy", Fields{"order": task.ID, "user": task.UserID})
		return
	}
	defer func() {
		if uerr := mu.Unlock(ctx); uerr != nil {
			p.log.Warn("order lock release failed", Fields{"order": task.ID, "err": uerr})
		}
	}()

	if err := p.persist(ctx, task); err != nil {
		perr := &PersistenceError{OrderID: task.ID, Err: err}
		p.hooks.PersistFailed(task.ID, err)
		p.log.Error("order persistence failed", Fields{"order": task.ID, "user": task.UserID, "err": perr})
	}
}

// persist re-validates against durable storage and commits in one transaction
// scope. Durable storage may have diverged from the fast-path reservation, so
// the stock and duplicate checks run again here.
func (p *Pipeline) persist(ctx context.Context, task Order) error {
	return p.orders.InTx(ctx, func(tx OrderTx) error {
		exists, err := tx.HasOrder(ctx, task.UserID, task.VoucherID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateOrder
		}

		decremented, err := tx.DecrementStock(ctx, task.VoucherID)
		if err != nil {
			return err
		}
		if !decremented {
			return ErrOutOfStock
		}

		return tx.InsertOrder(ctx, task)
	})
}

// IsBusinessReject reports whether a persistence failure was a business
// rejection inside the transaction (duplicate or stock exhausted at the
// durable store) rather than an infrastructure error.
func IsBusinessReject(err error) bool {
	return errors.Is(err, ErrDuplicateOrder) || errors.Is(err, ErrOutOfStock)
}
