package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/storage"
)

// Store is the persistence surface the caches need.
type Store interface {
	CacheGet(ctx context.Context, b storage.CacheBucket, key string, v any) error
	CachePut(ctx context.Context, b storage.CacheBucket, key string, v any) error
	CacheDelete(ctx context.Context, b storage.CacheBucket, key string) error
	CacheKeys(ctx context.Context, b storage.CacheBucket) ([]string, error)
}

// PlanEntry is one cached plan keyed by normalized input. ApprovalHash
// is set when the source job's plan passed the user approval gate,
// recording what was approved.
type PlanEntry struct {
	InputHash    string      `json:"input_hash"`
	Plan         *model.Plan `json:"plan"`
	ApprovalHash string      `json:"approval_hash,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	HitCount     int         `json:"hit_count"`
}

// ApprovalHash fingerprints an approved plan for the cache entry.
func ApprovalHash(plan *model.Plan) string {
	data, err := json.Marshal(plan)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// nonDeterministicGears are tools whose output varies run to run; plans
// using them are never replayed.
var nonDeterministicGears = map[string]bool{
	"web-search": true,
	"web-fetch":  true,
}

// timeSensitiveParams are step parameter keys that bind a plan to the
// moment it was produced.
var timeSensitiveParams = map[string]bool{
	"timestamp": true,
	"date":      true,
	"time":      true,
	"now":       true,
	"today":     true,
	"yesterday": true,
	"tomorrow":  true,
}

// PlanReplay caches plans for scheduled jobs so repeat runs skip the
// planner entirely.
type PlanReplay struct {
	store      Store
	maxEntries int
	ttl        time.Duration
	logger     *slog.Logger
}

// NewPlanReplay creates a plan replay cache.
func NewPlanReplay(store Store, cfg model.PlanCacheConfig, logger *slog.Logger) *PlanReplay {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanReplay{
		store:      store,
		maxEntries: cfg.MaxEntries,
		ttl:        time.Duration(cfg.TTLMs) * time.Millisecond,
		logger:     logger,
	}
}

// Key derives the cache key from the normalized user message and the
// sorted tool catalog.
func (c *PlanReplay) Key(userMessage string, catalog []string) string {
	sorted := append([]string(nil), catalog...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(Normalize(userMessage) + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// Eligible reports whether a job's plan may be stored for replay. Only
// scheduled jobs with at least one deterministic, time-insensitive step
// qualify.
func (c *PlanReplay) Eligible(source model.JobSource, plan *model.Plan) bool {
	if source != model.SourceSchedule {
		return false
	}
	if plan == nil || len(plan.Steps) == 0 {
		return false
	}
	for _, step := range plan.Steps {
		if nonDeterministicGears[step.Gear] {
			return false
		}
		for param := range step.Parameters {
			if timeSensitiveParams[strings.ToLower(param)] {
				return false
			}
		}
	}
	return true
}

// Get returns the cached plan for a key, or nil on miss or expiry. Hits
// bump the entry's hit count.
func (c *PlanReplay) Get(ctx context.Context, key string) *model.Plan {
	var entry PlanEntry
	if err := c.store.CacheGet(ctx, storage.PlanCacheBucket, key, &entry); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("plan cache get failed", "key", key, "error", err)
		}
		return nil
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		_ = c.store.CacheDelete(ctx, storage.PlanCacheBucket, key)
		return nil
	}
	entry.HitCount++
	if err := c.store.CachePut(ctx, storage.PlanCacheBucket, key, entry); err != nil {
		c.logger.Warn("plan cache hit count update failed", "key", key, "error", err)
	}
	return entry.Plan
}

// Put stores a plan under the key, evicting the oldest entry when the
// cache is at capacity. approvalHash is empty unless the plan passed
// the user approval gate.
func (c *PlanReplay) Put(ctx context.Context, key string, plan *model.Plan, approvalHash string) error {
	if err := c.evictIfFull(ctx); err != nil {
		return err
	}
	entry := PlanEntry{
		InputHash:    key,
		Plan:         plan,
		ApprovalHash: approvalHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.CachePut(ctx, storage.PlanCacheBucket, key, entry); err != nil {
		return fmt.Errorf("store plan cache entry: %w", err)
	}
	return nil
}

func (c *PlanReplay) evictIfFull(ctx context.Context) error {
	if c.maxEntries <= 0 {
		return nil
	}
	keys, err := c.store.CacheKeys(ctx, storage.PlanCacheBucket)
	if err != nil {
		return fmt.Errorf("list plan cache keys: %w", err)
	}
	if len(keys) < c.maxEntries {
		return nil
	}

	var oldestKey string
	var oldest time.Time
	for _, key := range keys {
		var entry PlanEntry
		if err := c.store.CacheGet(ctx, storage.PlanCacheBucket, key, &entry); err != nil {
			continue
		}
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey, oldest = key, entry.CreatedAt
		}
	}
	if oldestKey != "" {
		return c.store.CacheDelete(ctx, storage.PlanCacheBucket, oldestKey)
	}
	return nil
}

// Prune removes expired entries. Returns the number removed.
func (c *PlanReplay) Prune(ctx context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	keys, err := c.store.CacheKeys(ctx, storage.PlanCacheBucket)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		var entry PlanEntry
		if err := c.store.CacheGet(ctx, storage.PlanCacheBucket, key, &entry); err != nil {
			continue
		}
		if time.Since(entry.CreatedAt) > c.ttl {
			if err := c.store.CacheDelete(ctx, storage.PlanCacheBucket, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
