package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResetSchedulerNext(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := newTestPool(t, 1, clock)

	s, err := NewResetScheduler(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResetScheduler failed: %v", err)
	}
	want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := s.Next(); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	next := s.Next()
	if next.UTC().Hour() != 0 || next.UTC().Minute() != 0 {
		t.Errorf("Expected next run at UTC midnight, got %v", next.UTC())
	}
	cancel()
}

func TestResetSchedulerRun(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := newTestPool(t, 2, clock)
	p.ForceExhaust(0)

	s, err := NewResetScheduler(p, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResetScheduler failed: %v", err)
	}
	clock.Advance(12 * time.Hour)
	s.run()

	if p.Snapshot()[0].RequestsToday != 0 {
		t.Error("Expected scheduled run to reset key 0")
	}
}
