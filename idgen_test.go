package flashcache

import (
	"context"
	"testing"
	"time"
)

// TestNextDistinctWithinSecond verifies two ids minted in the same second are
// distinct and increasing.
func TestNextDistinctWithinSecond(t *testing.T) {
	ctx := context.Background()
	g := NewIDGenerator(newMemStore())
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return at }

	a, err := g.Next(ctx, "order")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	b, err := g.Next(ctx, "order")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if a == b || b <= a {
		t.Fatalf("ids not increasing: %d then %d", a, b)
	}

	wantTS := uint64(at.Unix() - epochAnchor)
	if a>>seqBits != wantTS || b>>seqBits != wantTS {
		t.Fatalf("timestamp component: got %d and %d, want %d", a>>seqBits, b>>seqBits, wantTS)
	}
	if a&0xFFFFFFFF != 1 || b&0xFFFFFFFF != 2 {
		t.Fatalf("sequence: got %d and %d, want 1 and 2", a&0xFFFFFFFF, b&0xFFFFFFFF)
	}
}

// TestNextCounterRotatesDaily verifies the sequence restarts when the
// calendar day (and with it the counter key) changes.
func TestNextCounterRotatesDaily(t *testing.T) {
	ctx := context.Background()
	g := NewIDGenerator(newMemStore())

	day1 := time.Date(2024, 6, 1, 23, 59, 59, 0, time.UTC)
	g.now = func() time.Time { return day1 }
	a, err := g.Next(ctx, "order")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	day2 := day1.Add(2 * time.Second)
	g.now = func() time.Time { return day2 }
	b, err := g.Next(ctx, "order")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if a&0xFFFFFFFF != 1 || b&0xFFFFFFFF != 1 {
		t.Fatalf("sequences: got %d and %d, want both 1 after rotation", a&0xFFFFFFFF, b&0xFFFFFFFF)
	}
	if b <= a {
		t.Fatalf("ids not increasing across days: %d then %d", a, b)
	}
}

// TestNextPrefixesIsolated verifies counters do not bleed across prefixes.
func TestNextPrefixesIsolated(t *testing.T) {
	ctx := context.Background()
	g := NewIDGenerator(newMemStore())
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return at }

	a, _ := g.Next(ctx, "order")
	b, _ := g.Next(ctx, "refund")
	if a&0xFFFFFFFF != 1 || b&0xFFFFFFFF != 1 {
		t.Fatalf("per-prefix sequences: got %d and %d, want both 1", a&0xFFFFFFFF, b&0xFFFFFFFF)
	}
}
