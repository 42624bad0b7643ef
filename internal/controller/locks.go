package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

type lockKey struct {
	venue  common.Venue
	symbol string
	action common.Action
}

// LockTable enforces at most one in-flight order per
// (venue, symbol, action). Check and set happen under one mutex hold so
// two goroutines can never both win the same key.
type LockTable struct {
	mu   sync.Mutex
	held map[lockKey]bool
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[lockKey]bool)}
}

// TryAcquire takes the lock if free. Returns false when already held.
func (lt *LockTable) TryAcquire(venue common.Venue, symbol string, action common.Action) bool {
	key := lockKey{venue, symbol, action}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.held[key] {
		return false
	}
	lt.held[key] = true
	return true
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (lt *LockTable) Release(venue common.Venue, symbol string, action common.Action) {
	key := lockKey{venue, symbol, action}
	lt.mu.Lock()
	delete(lt.held, key)
	lt.mu.Unlock()
}

// AcquirePair takes both venues' locks for a symbol/action as a unit.
// If either is busy, neither is held on return.
func (lt *LockTable) AcquirePair(a, b common.Venue, symbol string, action common.Action) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ka := lockKey{a, symbol, action}
	kb := lockKey{b, symbol, action}
	if lt.held[ka] || lt.held[kb] {
		return false
	}
	lt.held[ka] = true
	lt.held[kb] = true
	return true
}

// ReleasePair frees both venues' locks for a symbol/action.
func (lt *LockTable) ReleasePair(a, b common.Venue, symbol string, action common.Action) {
	lt.mu.Lock()
	delete(lt.held, lockKey{a, symbol, action})
	delete(lt.held, lockKey{b, symbol, action})
	lt.mu.Unlock()
}

// Held lists currently held locks, sorted, for status reporting.
func (lt *LockTable) Held() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]string, 0, len(lt.held))
	for k := range lt.held {
		out = append(out, fmt.Sprintf("%s:%s:%s", k.venue, k.symbol, k.action))
	}
	sort.Strings(out)
	return out
}
