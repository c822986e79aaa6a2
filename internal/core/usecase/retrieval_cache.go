package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

const DefaultCacheTTL = 300 * time.Second

// RetrievalCache memoizes reranked retrieval results. The store only holds bytes;
// expiry is judged here against the injected clock.
type RetrievalCache struct {
	store  ports.RetrievalCacheStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	// epoch is bumped by Clear; writes started under an older epoch are dropped.
	mu    sync.RWMutex
	epoch uint64
}

func NewRetrievalCache(store ports.RetrievalCacheStore, ttl time.Duration, logger *slog.Logger) *RetrievalCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalCache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

func (c *RetrievalCache) WithClock(now func() time.Time) *RetrievalCache {
	if now != nil {
		c.now = now
	}
	return c
}

// CacheKey hashes the organization, the sorted dataset list, the query and every retrieval option.
func CacheKey(query string, scope domain.Scope, opts domain.RetrievalOptions) string {
	scope = scope.Normalized()
	optionBytes, _ := json.Marshal(opts.KeyMaterial())

	material := strings.Join([]string{
		scope.Key(),
		hashHex(normalizeCacheQuery(query)),
		strconv.Itoa(opts.TopK),
		strconv.FormatFloat(opts.MinScore, 'g', -1, 64),
		hashHex(string(optionBytes)),
	}, ":")
	return "rag:" + hashHex(material)[:32]
}

func normalizeCacheQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Get reports a miss for absent, expired or unreadable entries. Expired entries are evicted.
func (c *RetrievalCache) Get(ctx context.Context, key string) (domain.RetrievalResult, bool, error) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return domain.RetrievalResult{}, false, err
	}
	if !ok {
		c.misses.Add(1)
		return domain.RetrievalResult{}, false, nil
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl {
		c.misses.Add(1)
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.logger.Warn("retrieval_cache_evict_failed", "key", key, "error", delErr)
		}
		return domain.RetrievalResult{}, false, nil
	}
	c.hits.Add(1)
	return entry.Result, true, nil
}

// Epoch identifies the current cache generation. Capture it before retrieving
// and pass it to SetIfCurrent.
func (c *RetrievalCache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Set stores a complete result under the current epoch.
func (c *RetrievalCache) Set(ctx context.Context, key string, result domain.RetrievalResult) error {
	return c.SetIfCurrent(ctx, key, result, c.Epoch())
}

// SetIfCurrent stores a complete result unless the cache was cleared after epoch was taken.
// Degraded results and cancelled requests are not cached.
func (c *RetrievalCache) SetIfCurrent(ctx context.Context, key string, result domain.RetrievalResult, epoch uint64) error {
	if ctx.Err() != nil {
		c.logger.Debug("retrieval_cache_write_skipped", "key", key, "reason", "cancelled")
		return nil
	}
	if result.Degraded() {
		c.logger.Debug("retrieval_cache_write_skipped", "key", key, "reason", "degraded")
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.epoch != epoch {
		c.logger.Debug("retrieval_cache_write_skipped", "key", key, "reason", "invalidated")
		return nil
	}
	return c.store.Set(ctx, key, domain.CacheEntry{Result: result, StoredAt: c.now()})
}

// Clear bumps the epoch and empties the store. Writes holding the old epoch become no-ops.
func (c *RetrievalCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.store.Clear(ctx)
}

func (c *RetrievalCache) Stats(ctx context.Context) domain.CacheStats {
	stats := domain.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if size, err := c.store.Len(ctx); err == nil {
		stats.Size = size
	} else {
		c.logger.Warn("retrieval_cache_size_failed", "error", err)
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
