package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	"github.com/ZanzyTHEbar/prompt-console/pcon/harness/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	prompts []gateway.Prompt
	err     error
	calls   atomic.Int32
}

func (s *countingSource) ListPrompts(ctx context.Context) ([]gateway.Prompt, error) {
	s.calls.Add(1)
	return s.prompts, s.err
}

var samplePrompts = []gateway.Prompt{
	{Version: "v1", Name: "Helpful", Prompt: "You are helpful."},
	{Version: "v2", Name: "Terse", Prompt: "Answer briefly."},
	{Version: "v1", Name: "Duplicate", Prompt: "ignored"},
	{Version: "", Name: "Blank", Prompt: "ignored"},
	{Version: "v10", Name: "Pirate", Prompt: "Speak like a pirate."},
}

// TestCatalogDedupesFirstWins tests that repeated versions keep their first entry.
func TestCatalogDedupesFirstWins(t *testing.T) {
	catalog := NewCatalog(&countingSource{prompts: samplePrompts}, nil, 0)

	prompts, err := catalog.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	assert.Equal(t, []string{"v1", "v2", "v10"}, []string{prompts[0].Version, prompts[1].Version, prompts[2].Version})

	p, ok, err := catalog.Lookup(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Helpful", p.Name)
}

func TestCatalogComplete(t *testing.T) {
	catalog := NewCatalog(&countingSource{prompts: samplePrompts}, nil, 0)

	got, err := catalog.Complete(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v10"}, got)

	got, err = catalog.Complete(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCatalogLookupUnknown(t *testing.T) {
	catalog := NewCatalog(&countingSource{prompts: samplePrompts}, nil, 0)

	_, ok, err := catalog.Lookup(context.Background(), "v3")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCatalogCachesUntilTTL tests that reads within the TTL skip the backend.
func TestCatalogCachesUntilTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := adapters.NewLRUCacheWithClock(8, func() time.Time { return now })
	src := &countingSource{prompts: samplePrompts}
	catalog := NewCatalog(src, cache, 30*time.Second)
	ctx := context.Background()

	_, err := catalog.Prompts(ctx)
	require.NoError(t, err)
	_, _, err = catalog.Lookup(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(31 * time.Second)
	_, err = catalog.Prompts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	_, err = catalog.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

// growingSource returns one more prompt on every call.
type growingSource struct {
	calls atomic.Int32
}

func (s *growingSource) ListPrompts(ctx context.Context) ([]gateway.Prompt, error) {
	n := int(s.calls.Add(1))
	return samplePrompts[:min(n, len(samplePrompts))], nil
}

// TestCatalogLookupMissRefetchesWithinTTL tests that a version added on the
// backend after the list was cached is still found.
func TestCatalogLookupMissRefetchesWithinTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := adapters.NewLRUCacheWithClock(8, func() time.Time { return now })
	src := &growingSource{}
	catalog := NewCatalog(src, cache, time.Hour)
	ctx := context.Background()

	prompts, err := catalog.Prompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	p, ok, err := catalog.Lookup(ctx, "v2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Terse", p.Name)
	assert.Equal(t, int32(2), src.calls.Load())

	_, ok, err = catalog.Lookup(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), src.calls.Load(), "hits stay cached")
}

func TestCatalogLookupUnknownFetchesOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := adapters.NewLRUCacheWithClock(8, func() time.Time { return now })
	src := &countingSource{prompts: samplePrompts}
	catalog := NewCatalog(src, cache, time.Hour)
	ctx := context.Background()

	_, ok, err := catalog.Lookup(ctx, "v3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), src.calls.Load())

	_, ok, err = catalog.Lookup(ctx, "v3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCatalogWithoutCacheAlwaysFetches(t *testing.T) {
	src := &countingSource{prompts: samplePrompts}
	catalog := NewCatalog(src, nil, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := catalog.Prompts(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCatalogPropagatesErrors(t *testing.T) {
	boom := errors.New("unreachable")
	catalog := NewCatalog(&countingSource{err: boom}, nil, 0)

	_, _, err := catalog.Lookup(context.Background(), "v1")
	assert.ErrorIs(t, err, boom)
}
