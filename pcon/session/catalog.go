package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	radix "github.com/armon/go-radix"
)

const catalogCacheKey = "prompts"

// PromptSource lists stored prompt versions.
type PromptSource interface {
	ListPrompts(ctx context.Context) ([]gateway.Prompt, error)
}

// Catalog is a cached, version-indexed view of the backend's prompts.
// The cached list is authoritative until its TTL lapses; then the next read
// fetches again. A Lookup that misses the cached list fetches once more
// before reporting the version unknown.
type Catalog struct {
	src   PromptSource
	cache ports.Cache
	ttl   time.Duration

	mu      sync.RWMutex
	prompts []gateway.Prompt
	tree    *radix.Tree
	raw     string // cached payload the index was built from
}

// NewCatalog builds a catalog over src. A nil cache or zero ttl disables
// caching, so every read fetches.
func NewCatalog(src PromptSource, cache ports.Cache, ttl time.Duration) *Catalog {
	return &Catalog{src: src, cache: cache, ttl: ttl, tree: radix.New()}
}

// Refresh drops the cached list and fetches it again.
func (c *Catalog) Refresh(ctx context.Context) ([]gateway.Prompt, error) {
	if c.cache != nil {
		_ = c.cache.Delete(ctx, catalogCacheKey)
	}
	if _, err := c.fetch(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]gateway.Prompt(nil), c.prompts...), nil
}

// Prompts returns every version in backend order with duplicates removed.
func (c *Catalog) Prompts(ctx context.Context) ([]gateway.Prompt, error) {
	if _, err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]gateway.Prompt(nil), c.prompts...), nil
}

// Lookup finds version exactly.
func (c *Catalog) Lookup(ctx context.Context, version string) (gateway.Prompt, bool, error) {
	fetched, err := c.ensure(ctx)
	if err != nil {
		return gateway.Prompt{}, false, err
	}
	if p, ok := c.get(version); ok || fetched {
		return p, ok, nil
	}
	if c.cache != nil {
		_ = c.cache.Delete(ctx, catalogCacheKey)
	}
	if _, err := c.fetch(ctx); err != nil {
		return gateway.Prompt{}, false, err
	}
	p, ok := c.get(version)
	return p, ok, nil
}

func (c *Catalog) get(version string) (gateway.Prompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tree.Get(version)
	if !ok {
		return gateway.Prompt{}, false
	}
	return v.(gateway.Prompt), true
}

// Complete returns the versions starting with prefix, in lexical order.
func (c *Catalog) Complete(ctx context.Context, prefix string) ([]string, error) {
	if _, err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	c.tree.WalkPrefix(prefix, func(k string, _ interface{}) bool {
		out = append(out, k)
		return false
	})
	return out, nil
}

// ensure loads the index from the cache when it holds the list, otherwise
// from the source. fetched reports the latter.
func (c *Catalog) ensure(ctx context.Context) (fetched bool, err error) {
	if c.cache != nil && c.ttl > 0 {
		if raw, ok := c.cache.Get(ctx, catalogCacheKey); ok {
			c.mu.RLock()
			fresh := c.raw == string(raw)
			c.mu.RUnlock()
			if fresh {
				return false, nil
			}
			var prompts []gateway.Prompt
			if err := json.Unmarshal(raw, &prompts); err == nil {
				c.index(prompts, string(raw))
				return false, nil
			}
		}
	}
	return c.fetch(ctx)
}

func (c *Catalog) fetch(ctx context.Context) (bool, error) {
	prompts, err := c.src.ListPrompts(ctx)
	if err != nil {
		return false, err
	}
	prompts = dedupePrompts(prompts)
	raw, err := json.Marshal(prompts)
	if err != nil {
		return false, err
	}
	if c.cache != nil && c.ttl > 0 {
		_ = c.cache.Set(ctx, catalogCacheKey, raw, c.ttl)
	}
	c.index(prompts, string(raw))
	return true, nil
}

func (c *Catalog) index(prompts []gateway.Prompt, raw string) {
	tree := radix.New()
	for _, p := range prompts {
		tree.Insert(p.Version, p)
	}
	c.mu.Lock()
	c.prompts = prompts
	c.tree = tree
	c.raw = raw
	c.mu.Unlock()
}

// dedupePrompts keeps the first occurrence of each version and drops
// entries without one.
func dedupePrompts(prompts []gateway.Prompt) []gateway.Prompt {
	seen := make(map[string]struct{}, len(prompts))
	out := make([]gateway.Prompt, 0, len(prompts))
	for _, p := range prompts {
		p.Version = strings.TrimSpace(p.Version)
		if p.Version == "" {
			continue
		}
		if _, dup := seen[p.Version]; dup {
			continue
		}
		seen[p.Version] = struct{}{}
		out = append(out, p)
	}
	return out
}
