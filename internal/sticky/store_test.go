package sticky

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTTLFromLastTouch(t *testing.T) {
	store := NewMemoryStore(10 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Put(ctx, "sess", "a"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A touch inside the window restarts the clock.
	now = now.Add(8 * time.Minute)
	if err := store.Touch(ctx, "sess"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// 9 minutes after the touch (17 after Put) the binding still holds.
	now = now.Add(9 * time.Minute)
	if id, ok, _ := store.Get(ctx, "sess"); !ok || id != "a" {
		t.Fatalf("binding lost before TTL: ok=%v id=%q", ok, id)
	}

	// Past the TTL measured from the last touch it is gone.
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "sess"); ok {
		t.Fatal("binding survived past TTL")
	}
	// Lazy eviction removed it for good, even if the clock rolls back.
	now = now.Add(-5 * time.Minute)
	if _, ok, _ := store.Get(ctx, "sess"); ok {
		t.Fatal("evicted binding came back")
	}
}

func TestMemoryStoreTouchMissingIsNoop(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()
	if err := store.Touch(ctx, "missing"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Fatal("touch created a binding")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()
	_ = store.Put(ctx, "sess", "a")
	_ = store.Delete(ctx, "sess")
	if _, ok, _ := store.Get(ctx, "sess"); ok {
		t.Fatal("binding survived delete")
	}
}
