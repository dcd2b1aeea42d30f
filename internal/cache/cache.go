// ABOUTME: Two-tier prompt cache: exact-match L1 with LRU eviction, semantic L2 in a vector store.
// ABOUTME: L1 is authoritative; L2 reads and writes are best-effort and never fail a caller.

package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OmegaTeee/mcp-router/internal/vectorstore"
)

// DefaultMaxSize bounds the L1 tier.
const DefaultMaxSize = 1000

// DefaultSimilarityThreshold is the minimum cosine score for an L2 hit.
// Vectors are unit-normalized on write and on query, so the cosine score and
// the dot product are the same quantity.
const DefaultSimilarityThreshold = 0.85

// Embedder produces embedding vectors for prompts. Satisfied by inference.Client.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// VectorStore is the slice of the vector store API the cache needs.
// Satisfied by vectorstore.Client.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32) ([]vectorstore.Point, error)
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error
	Recreate(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// Entry is a cached enhancement with its metadata.
type Entry struct {
	Prompt    string
	Response  string
	Model     string
	CreatedAt time.Time
	Hits      int
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	L1Size      int     `json:"l1_size"`
	L1Capacity  int     `json:"l1_capacity"`
	L1Hits      int     `json:"l1_hits"`
	L1Misses    int     `json:"l1_misses"`
	L2Hits      int     `json:"l2_hits"`
	L2Misses    int     `json:"l2_misses"`
	HitRate     float64 `json:"hit_rate"`
	L2Available bool    `json:"l2_available"`
	L2Entries   int     `json:"l2_entries"`
}

// Hits and Misses aggregate both tiers.
func (s Stats) Hits() int   { return s.L1Hits + s.L2Hits }
func (s Stats) Misses() int { return s.L1Misses + s.L2Misses }

// Config configures a PromptCache.
type Config struct {
	MaxSize             int
	SimilarityThreshold float32
	EmbedModel          string
	Embedder            Embedder    // nil disables L2
	Store               VectorStore // nil disables L2
	Logger              *slog.Logger
}

// lruNode is the list element payload for L1 ordering.
type lruNode struct {
	key   string
	entry *Entry
}

// PromptCache is the two-tier prompt cache. Safe for concurrent use; the L1
// map and counters sit under one mutex, L2 calls run outside it.
type PromptCache struct {
	maxSize             int
	similarityThreshold float32
	embedModel          string
	embedder            Embedder
	store               VectorStore
	logger              *slog.Logger

	mu          sync.Mutex
	exact       map[string]*list.Element
	order       *list.List // oldest at front
	l1Hits      int
	l1Misses    int
	l2Hits      int
	l2Misses    int
	l2Available bool
}

// New creates a prompt cache and, when a store is configured, ensures the
// backing collection exists. A failed ensure disables L2 rather than failing.
func New(ctx context.Context, cfg Config) *PromptCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &PromptCache{
		maxSize:             cfg.MaxSize,
		similarityThreshold: cfg.SimilarityThreshold,
		embedModel:          cfg.EmbedModel,
		embedder:            cfg.Embedder,
		store:               cfg.Store,
		logger:              cfg.Logger,
		exact:               make(map[string]*list.Element),
		order:               list.New(),
	}

	if cfg.Store != nil && cfg.Embedder != nil {
		if err := cfg.Store.EnsureCollection(ctx); err != nil {
			c.logger.Warn("vector store unavailable, L2 cache disabled", "error", err)
		} else {
			c.l2Available = true
			c.logger.Info("L2 semantic cache enabled")
		}
	}

	return c
}

// hashPrompt derives the L1 key: the first 16 hex chars of sha256(prompt).
func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// Get looks up a prompt, first by exact text, then by semantic similarity.
// L2 hits are returned without promotion into L1 since the exact text differs.
func (c *PromptCache) Get(ctx context.Context, prompt string) (*Entry, bool) {
	key := hashPrompt(prompt)

	c.mu.Lock()
	if elem, ok := c.exact[key]; ok {
		c.order.MoveToBack(elem)
		node := elem.Value.(*lruNode)
		node.entry.Hits++
		c.l1Hits++
		entry := *node.entry
		c.mu.Unlock()
		return &entry, true
	}
	c.l1Misses++
	l2 := c.l2Available
	c.mu.Unlock()

	if !l2 {
		return nil, false
	}

	entry := c.searchSimilar(ctx, prompt)
	c.mu.Lock()
	if entry != nil {
		c.l2Hits++
	} else {
		c.l2Misses++
	}
	c.mu.Unlock()

	if entry == nil {
		return nil, false
	}
	return entry, true
}

// searchSimilar embeds the prompt and queries the vector store.
// Any failure is a miss.
func (c *PromptCache) searchSimilar(ctx context.Context, prompt string) *Entry {
	vector, err := c.embedder.Embed(ctx, c.embedModel, prompt)
	if err != nil {
		c.logger.Debug("embedding failed, skipping L2 lookup", "error", err)
		return nil
	}
	normalize(vector)

	points, err := c.store.Search(ctx, vector, 1, c.similarityThreshold)
	if err != nil {
		c.logger.Warn("L2 search failed", "error", err)
		return nil
	}
	if len(points) == 0 {
		return nil
	}

	payload := points[0].Payload
	createdAt := time.Now()
	if raw, ok := payload["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			createdAt = t
		}
	}
	return &Entry{
		Prompt:    payload["prompt"],
		Response:  payload["response"],
		Model:     payload["model"],
		CreatedAt: createdAt,
	}
}

// Put stores an enhancement. L1 insertion always succeeds, evicting the
// least-recently-used entry at capacity. The L2 write is best-effort.
func (c *PromptCache) Put(ctx context.Context, prompt, response, model string) {
	entry := &Entry{
		Prompt:    prompt,
		Response:  response,
		Model:     model,
		CreatedAt: time.Now(),
	}
	key := hashPrompt(prompt)

	c.mu.Lock()
	if elem, ok := c.exact[key]; ok {
		elem.Value.(*lruNode).entry = entry
		c.order.MoveToBack(elem)
	} else {
		if len(c.exact) >= c.maxSize {
			c.evictOldestLocked()
		}
		c.exact[key] = c.order.PushBack(&lruNode{key: key, entry: entry})
	}
	l2 := c.l2Available
	c.mu.Unlock()

	if l2 {
		c.storeSimilar(ctx, entry)
	}
}

// storeSimilar embeds and upserts one point; failures are logged and swallowed.
func (c *PromptCache) storeSimilar(ctx context.Context, entry *Entry) {
	vector, err := c.embedder.Embed(ctx, c.embedModel, entry.Prompt)
	if err != nil {
		c.logger.Debug("embedding failed, skipping L2 store", "error", err)
		return
	}
	normalize(vector)

	payload := map[string]string{
		"prompt":     entry.Prompt,
		"response":   entry.Response,
		"model":      entry.Model,
		"created_at": entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if err := c.store.Upsert(ctx, uuid.New().String(), vector, payload); err != nil {
		c.logger.Warn("L2 store failed", "error", err)
	}
}

// evictOldestLocked removes the least-recently-used entry. Must hold mu.
func (c *PromptCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	node := front.Value.(*lruNode)
	c.order.Remove(front)
	delete(c.exact, node.key)
}

// Clear empties L1, zeroes counters, and recreates the L2 collection.
func (c *PromptCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.exact = make(map[string]*list.Element)
	c.order = list.New()
	c.l1Hits, c.l1Misses, c.l2Hits, c.l2Misses = 0, 0, 0, 0
	l2 := c.l2Available
	c.mu.Unlock()

	if l2 {
		if err := c.store.Recreate(ctx); err != nil {
			c.logger.Warn("failed to clear L2 collection", "error", err)
		}
	}
	c.logger.Info("prompt cache cleared")
}

// Stats reports cache behavior. The L2 entry count is queried live and
// reported as zero when the store cannot answer.
func (c *PromptCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	st := Stats{
		L1Size:      len(c.exact),
		L1Capacity:  c.maxSize,
		L1Hits:      c.l1Hits,
		L1Misses:    c.l1Misses,
		L2Hits:      c.l2Hits,
		L2Misses:    c.l2Misses,
		L2Available: c.l2Available,
	}
	c.mu.Unlock()

	total := st.Hits() + st.Misses()
	if total > 0 {
		st.HitRate = math.Round(float64(st.Hits())/float64(total)*10000) / 10000
	}

	if st.L2Available {
		if n, err := c.store.Count(ctx); err == nil {
			st.L2Entries = n
		}
	}
	return st
}

// normalize scales the vector to unit length in place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
