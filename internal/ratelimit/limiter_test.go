package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReserveWithinBudgetDoesNotBlock(t *testing.T) {
	l := New(3, time.Second)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			if err := l.Reserve(ctx); err != nil {
				t.Errorf("Reserve %d: %v", i, err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("reservations within budget blocked")
	}
}

func TestReserveEnforcesWindowCeiling(t *testing.T) {
	window := 150 * time.Millisecond
	l := New(2, window)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Reserve(ctx); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
	}

	// Third slot must wait for the first grant to leave the window.
	if err := l.Reserve(ctx); err != nil {
		t.Fatalf("Reserve 3: %v", err)
	}
	if waited := time.Since(start); waited < window {
		t.Fatalf("third slot granted after %v, want at least %v", waited, window)
	}
}

func TestReserveGrantsInFIFOOrder(t *testing.T) {
	l := New(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := l.Reserve(ctx); err != nil {
		t.Fatalf("initial reserve: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := l.Reserve(ctx); err != nil {
				t.Errorf("Reserve %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
		// Stagger the goroutines so the queue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("grant order %v, want FIFO", order)
		}
	}
}

func TestReserveHonoursContextCancel(t *testing.T) {
	l := New(1, time.Minute)
	if err := l.Reserve(context.Background()); err != nil {
		t.Fatalf("initial reserve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Reserve(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("Reserve returned %v, want context.DeadlineExceeded", err)
	}
	if got := l.Pending(); got != 0 {
		t.Fatalf("Pending = %d after cancel, want 0", got)
	}
}
