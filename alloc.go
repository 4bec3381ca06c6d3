package trickle

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrLimitGreaterThanTotal is returned when the limit is greater than the total limit of the listener.
var ErrLimitGreaterThanTotal = errors.New("limit per conn cannot be greater than total limit")

// Allocator hands out write quota to a single connection.
// Every grant is taken from the global limiter shared by all connections first,
// then from the connection's own local limiter.
type Allocator struct {
	mu     sync.Mutex
	global *rate.Limiter
	local  *rate.Limiter

	// limit is the bandwidth of a single connection in bytes per second, 0 is unlimited.
	limit int
}

// NewLimiter returns a bytes per second limiter, limit <= 0 yields an unlimited one.
func NewLimiter(limit int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(limit), limit)
}

// NewAllocator returns an Allocator drawing from global, capped at limit bytes per second.
// A nil global is treated as unlimited.
func NewAllocator(global *rate.Limiter, limit int) *Allocator {
	if global == nil {
		global = NewLimiter(0)
	}
	if limit < 0 {
		limit = 0
	}
	return &Allocator{
		global: global,
		local:  NewLimiter(limit),
		limit:  limit,
	}
}

// Alloc blocks until it can grant up to amount bytes and returns the granted quota.
// The grant never exceeds the burst of either limiter, so callers loop until done.
func (a *Allocator) Alloc(ctx context.Context, amount int) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	a.mu.Lock()
	quota := amount
	if a.limit > 0 && quota > a.limit {
		quota = a.limit
	}
	local := a.local
	a.mu.Unlock()

	if a.global.Limit() != rate.Inf && quota > a.global.Burst() {
		quota = a.global.Burst()
	}

	if err := a.global.WaitN(ctx, quota); err != nil {
		return 0, err
	}
	if err := local.WaitN(ctx, quota); err != nil {
		return 0, err
	}
	return quota, nil
}

// Limit returns the current per connection limit, 0 meaning unlimited.
func (a *Allocator) Limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit
}

// SetLimit changes the per connection limit; waits already in progress keep the old one.
func (a *Allocator) SetLimit(limit int) error {
	if limit < 0 {
		limit = 0
	}
	if a.global.Limit() != rate.Inf && limit > a.global.Burst() {
		return ErrLimitGreaterThanTotal
	}

	a.mu.Lock()
	a.limit = limit
	a.local = NewLimiter(limit)
	a.mu.Unlock()
	return nil
}
