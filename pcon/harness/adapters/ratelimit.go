package adapters

import (
	"context"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests with one token bucket per key. Acquire waits
// for a token rather than failing, so callers see added latency, not errors,
// until their context ends.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rps requests per second per key with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Acquire blocks until key has a token or ctx ends.
func (r *RateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := r.limiter(key).Wait(ctx); err != nil {
		return nil, &RateLimitError{Key: key, Err: err}
	}
	return func() {}, nil
}

// RateLimitError reports a wait that could not be satisfied.
type RateLimitError struct {
	Key string
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit for %q: %v", e.Key, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

var _ ports.RateLimiter = (*RateLimiter)(nil)
