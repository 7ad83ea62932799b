package harnessports

import (
	"context"
	"time"
)

// Cache memoizes backend reads that are safe to serve stale for a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
