package harnessports

import "context"

// RateLimiter paces outbound requests per logical key.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
