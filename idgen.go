package flashcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/flashcache/kv"
)

// epochAnchor is 2022-01-01T00:00:00Z; ids count seconds from here so the
// 32-bit timestamp component lasts until 2158.
const epochAnchor int64 = 1640995200

const seqBits = 32

// IDGenerator allocates composite time+sequence 64-bit identifiers:
// (secondsSinceAnchor << 32) | dailySequence. The sequence counter key
// rotates per calendar day, so values are monotonic within a day per prefix.
// Not strictly monotonic across a system clock rollback; accepted.
type IDGenerator struct {
	store kv.Store
	now   func() time.Time
}

func NewIDGenerator(store kv.Store) *IDGenerator {
	return &IDGenerator{store: store, now: time.Now}
}

// Next returns a fresh id for prefix. Two calls within the same second still
// return distinct, increasing values because the sequence always advances.
func (g *IDGenerator) Next(ctx context.Context, prefix string) (uint64, error) {
	now := g.now().UTC()
	ts := uint64(now.Unix() - epochAnchor)

	seq, err := g.store.Incr(ctx, "icr:"+prefix+":"+now.Format("2006:01:02"))
	if err != nil {
		return 0, err
	}
	return ts<<seqBits | uint64(seq), nil
}
