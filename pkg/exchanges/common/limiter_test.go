package common

import (
	"context"
	"testing"
	"time"
)

func TestVenueLimiterPoolSplit(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		wantBulk    int
		wantLive    int
	}{
		{"ten slots", 10, 7, 3},
		{"four slots", 4, 2, 2},
		{"minimum enforced", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vl := NewVenueLimiter(100, tt.concurrency)
			bulk, live := vl.Caps()
			if bulk != tt.wantBulk || live != tt.wantLive {
				t.Errorf("caps = (%d, %d), want (%d, %d)", bulk, live, tt.wantBulk, tt.wantLive)
			}
		})
	}
}

func TestVenueLimiterBlocksWhenPoolFull(t *testing.T) {
	vl := NewVenueLimiter(1000, 2) // 1 bulk, 1 live
	ctx := context.Background()

	if err := vl.Acquire(ctx, PoolLive); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- vl.Acquire(ctx, PoolLive)
	}()

	select {
	case err := <-done:
		t.Fatalf("second acquire should block, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	vl.Release(PoolLive)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestVenueLimiterAcquireHonorsContext(t *testing.T) {
	vl := NewVenueLimiter(1000, 2)
	if err := vl.Acquire(context.Background(), PoolBulk); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := vl.Acquire(ctx, PoolBulk); err == nil {
		t.Fatal("expected context error when pool exhausted")
	}
}

func TestVenueLimiterShiftToLive(t *testing.T) {
	vl := NewVenueLimiter(1000, 10)
	vl.ShiftToLive()
	bulk, live := vl.Caps()
	if bulk != 1 {
		t.Errorf("bulk cap after shift = %d, want 1", bulk)
	}
	if live != 9 {
		t.Errorf("live cap after shift = %d, want 9", live)
	}
}

func TestDirectionOpposite(t *testing.T) {
	if DirLong.Opposite() != DirShort {
		t.Error("LONG opposite should be SHORT")
	}
	if DirShort.Opposite() != DirLong {
		t.Error("SHORT opposite should be LONG")
	}
}
