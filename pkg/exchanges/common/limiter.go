package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pool selects which concurrency pool a request draws from. Bulk covers
// backfill and periodic snapshot traffic, live covers order placement and
// anything on the execution path. Both pools share the venue's request
// rate; the split only bounds in-flight concurrency so a backfill burst
// cannot starve order submission.
type Pool int

const (
	PoolBulk Pool = iota
	PoolLive
)

// VenueLimiter enforces a per-venue request rate plus a bulk/live
// concurrency split.
type VenueLimiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	bulkCap  int
	liveCap  int
	bulkUsed int
	liveUsed int
	waiters  []chan struct{}
}

// NewVenueLimiter builds a limiter for the given requests-per-second and
// total concurrency. 70% of slots go to the bulk pool and the rest to
// live, with at least one slot each.
func NewVenueLimiter(rps float64, concurrency int) *VenueLimiter {
	if concurrency < 2 {
		concurrency = 2
	}
	bulk := concurrency * 7 / 10
	if bulk < 1 {
		bulk = 1
	}
	live := concurrency - bulk
	if live < 1 {
		live = 1
	}
	return &VenueLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		bulkCap: bulk,
		liveCap: live,
	}
}

// Acquire blocks until a slot in the pool and a rate token are both
// available, or the context is cancelled. The caller must Release the
// same pool when the request finishes.
func (vl *VenueLimiter) Acquire(ctx context.Context, pool Pool) error {
	for {
		vl.mu.Lock()
		if vl.take(pool) {
			vl.mu.Unlock()
			break
		}
		ch := make(chan struct{})
		vl.waiters = append(vl.waiters, ch)
		vl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	if err := vl.limiter.Wait(ctx); err != nil {
		vl.Release(pool)
		return err
	}
	return nil
}

// Release returns a slot to the pool and wakes one waiter.
func (vl *VenueLimiter) Release(pool Pool) {
	vl.mu.Lock()
	switch pool {
	case PoolBulk:
		if vl.bulkUsed > 0 {
			vl.bulkUsed--
		}
	case PoolLive:
		if vl.liveUsed > 0 {
			vl.liveUsed--
		}
	}
	var wake chan struct{}
	if len(vl.waiters) > 0 {
		wake = vl.waiters[0]
		vl.waiters = vl.waiters[1:]
	}
	vl.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

// ShiftToLive moves the bulk pool's slots over to live. Called once
// backfill completes so the execution path gets the full concurrency
// budget.
func (vl *VenueLimiter) ShiftToLive() {
	vl.mu.Lock()
	if vl.bulkCap > 1 {
		vl.liveCap += vl.bulkCap - 1
		vl.bulkCap = 1
	}
	wake := vl.waiters
	vl.waiters = nil
	vl.mu.Unlock()
	for _, ch := range wake {
		close(ch)
	}
}

// Caps reports the current pool capacities.
func (vl *VenueLimiter) Caps() (bulk, live int) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.bulkCap, vl.liveCap
}

func (vl *VenueLimiter) take(pool Pool) bool {
	switch pool {
	case PoolBulk:
		if vl.bulkUsed < vl.bulkCap {
			vl.bulkUsed++
			return true
		}
	case PoolLive:
		if vl.liveUsed < vl.liveCap {
			vl.liveUsed++
			return true
		}
	}
	return false
}
