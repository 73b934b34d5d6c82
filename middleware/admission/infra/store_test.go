package infra

import (
	"context"
	"testing"
	"time"
)

func TestStore_GetSameResourceReturnsSameLimiter(t *testing.T) {
	s := NewStore()

	l1 := s.Get("/orders", 10, 1)
	l2 := s.Get("/orders", 10, 1)
	if l1 != l2 {
		t.Fatalf("expected same limiter pointer for same resource")
	}
	if s.Len() != 1 {
		t.Fatalf("expected one entry, got %d", s.Len())
	}
}

func TestStore_LowBurstRejectsSecondImmediateAllow(t *testing.T) {
	s := NewStore()

	lim := s.Get("/orders", 0.02, 1)
	if !lim.Allow() {
		t.Fatalf("expected first Allow to be true")
	}
	if lim.Allow() {
		t.Fatalf("expected second immediate Allow to be false (burst=1)")
	}
}

func TestStore_RuleChangeAdjustsLimiter(t *testing.T) {
	s := NewStore()

	before := s.Get("/orders", 1, 1)
	after := s.Get("/orders", 5, 3)
	if before != after {
		t.Fatalf("expected limiter to be adjusted in place")
	}
	if after.Burst() != 3 || float64(after.Limit()) != 5 {
		t.Fatalf("expected limit=5 burst=3, got limit=%v burst=%d", after.Limit(), after.Burst())
	}
}

func TestStore_CleanupRemovesIdleEntries(t *testing.T) {
	s := NewStore(WithIdleTTL(2*time.Millisecond), WithCleanupEvery(0))

	before := s.Get("/orders", 10, 1)
	time.Sleep(4 * time.Millisecond)

	s.Cleanup()

	after := s.Get("/orders", 10, 1)
	if before == after {
		t.Fatalf("expected limiter to be recreated after cleanup")
	}
}

func TestStore_JanitorStopsWithContext(t *testing.T) {
	s := NewStore(WithIdleTTL(time.Millisecond), WithCleanupEvery(time.Millisecond))
	s.Get("/orders", 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.StartJanitor(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected janitor to remove idle entry")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
}
