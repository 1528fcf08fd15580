package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/storage"
)

// SemanticEntry is one cached response keyed by query embedding.
type SemanticEntry struct {
	ID        string    `json:"id"`
	Embedding []float64 `json:"query_embedding"`
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// bypassKeywords are query terms whose answers change with the clock;
// such queries are neither looked up nor stored.
var bypassKeywords = []string{
	"weather", "news", "stock", "price",
	"today", "tonight", "tomorrow", "yesterday",
	"now", "current", "latest", "score",
}

// Semantic caches planner responses keyed by query embedding, returning
// the best match above a cosine similarity threshold.
type Semantic struct {
	store      Store
	threshold  float64
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger
}

// NewSemantic creates a semantic response cache.
func NewSemantic(store Store, cfg model.SemanticCacheConfig, logger *slog.Logger) *Semantic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Semantic{
		store:      store,
		threshold:  cfg.SimilarityThreshold,
		ttl:        time.Duration(cfg.TTLMs) * time.Millisecond,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
	}
}

// Bypass reports whether a query is time-sensitive and must skip the
// cache in both directions.
func Bypass(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range bypassKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Lookup scans entries for the same model and returns the response of
// the closest non-expired match at or above the threshold.
func (c *Semantic) Lookup(ctx context.Context, embedding []float64, modelName string) (string, bool) {
	keys, err := c.store.CacheKeys(ctx, storage.SemanticCacheBucket)
	if err != nil {
		c.logger.Warn("semantic cache scan failed", "error", err)
		return "", false
	}

	best := ""
	bestScore := c.threshold
	found := false
	now := time.Now().UTC()
	for _, key := range keys {
		var entry SemanticEntry
		if err := c.store.CacheGet(ctx, storage.SemanticCacheBucket, key, &entry); err != nil {
			continue
		}
		if entry.Model != modelName {
			continue
		}
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			_ = c.store.CacheDelete(ctx, storage.SemanticCacheBucket, key)
			continue
		}
		score := CosineSimilarity(embedding, entry.Embedding)
		if score >= bestScore {
			best, bestScore, found = entry.Response, score, true
		}
	}
	return best, found
}

// Store saves a response under its query embedding, evicting the oldest
// entry at capacity.
func (c *Semantic) Store(ctx context.Context, embedding []float64, response, modelName string) error {
	if err := c.evictIfFull(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := SemanticEntry{
		ID:        uuid.NewString(),
		Embedding: embedding,
		Response:  response,
		Model:     modelName,
		CreatedAt: now,
	}
	if c.ttl > 0 {
		entry.ExpiresAt = now.Add(c.ttl)
	}
	if err := c.store.CachePut(ctx, storage.SemanticCacheBucket, entry.ID, entry); err != nil {
		return fmt.Errorf("store semantic cache entry: %w", err)
	}
	return nil
}

func (c *Semantic) evictIfFull(ctx context.Context) error {
	if c.maxEntries <= 0 {
		return nil
	}
	keys, err := c.store.CacheKeys(ctx, storage.SemanticCacheBucket)
	if err != nil {
		return fmt.Errorf("list semantic cache keys: %w", err)
	}
	if len(keys) < c.maxEntries {
		return nil
	}

	var oldestKey string
	var oldest time.Time
	for _, key := range keys {
		var entry SemanticEntry
		if err := c.store.CacheGet(ctx, storage.SemanticCacheBucket, key, &entry); err != nil {
			continue
		}
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey, oldest = key, entry.CreatedAt
		}
	}
	if oldestKey != "" {
		return c.store.CacheDelete(ctx, storage.SemanticCacheBucket, oldestKey)
	}
	return nil
}

// Prune removes expired entries. Returns the number removed.
func (c *Semantic) Prune(ctx context.Context) (int, error) {
	keys, err := c.store.CacheKeys(ctx, storage.SemanticCacheBucket)
	if err != nil {
		return 0, err
	}
	removed := 0
	now := time.Now().UTC()
	for _, key := range keys {
		var entry SemanticEntry
		if err := c.store.CacheGet(ctx, storage.SemanticCacheBucket, key, &entry); err != nil {
			continue
		}
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			if err := c.store.CacheDelete(ctx, storage.SemanticCacheBucket, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// CosineSimilarity computes the cosine of the angle between two
// embedding vectors. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
