// Package embedding generates and caches memory embeddings on top of the
// capability.EmbeddingProvider, with a persistent retry queue for when the
// provider is unavailable or not configured.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kittclouds/memoryd/internal/apperr"
	"github.com/kittclouds/memoryd/internal/capability"
	"github.com/kittclouds/memoryd/internal/store"
)

const (
	cacheTTL         = time.Hour
	workerInterval   = 30 * time.Second
	batchSize        = 100
	maxRetries       = 3
)

// Store is the slice of store.SQLiteStore the embedding service needs.
type Store interface {
	SetEmbedding(ctx context.Context, memoryID string, vec []float32, now int64) error
	EnqueueEmbeddingItem(ctx context.Context, item *store.EmbeddingQueueItem) error
	NextEmbeddingQueueItems(ctx context.Context, limit int) ([]*store.EmbeddingQueueItem, error)
	MarkEmbeddingProcessed(ctx context.Context, id string, now int64, errMsg string) error
	FinalizeEmbeddingItem(ctx context.Context, id string, now int64, errMsg string) error
}

// Service is the EmbeddingService (C6): generate/generateBatch with a
// cache-first path, plus getOrGenerate used by the MemoryEngine.
type Service struct {
	provider capability.EmbeddingProvider
	cache    capability.KV
	store    Store
	dim      int

	mu        sync.Mutex
	processing bool
}

// New builds an EmbeddingService against the given provider, cache, and
// store. dim is the fixed embedding dimension D for this service instance.
func New(provider capability.EmbeddingProvider, cache capability.KV, st Store, dim int) *Service {
	return &Service{provider: provider, cache: cache, store: st, dim: dim}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// Generate computes (or fetches from cache) the embedding for text. It
// returns capability.ErrNotConfigured if no provider is wired; callers
// must treat that as ExternalUnavailable, not as a hard failure.
func (s *Service) Generate(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		if v := decodeCSV(cached); len(v) == s.dim {
			return v, nil
		}
	}

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != s.dim {
		return nil, apperr.Wrap(apperr.KindExternalUnavailable, "embedding: dimension mismatch", fmt.Errorf("got %d want %d", len(vec), s.dim))
	}

	_ = s.cache.Set(ctx, key, encodeCSV(vec), cacheTTL)
	return vec, nil
}

// GenerateBatch embeds texts, consulting the cache for each before issuing
// one provider call for the misses.
func (s *Service) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		key := cacheKey(t)
		if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			if v := decodeCSV(cached); len(v) == s.dim {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.provider.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		if j >= len(vecs) || len(vecs[j]) != s.dim {
			continue
		}
		out[idx] = vecs[j]
		_ = s.cache.Set(ctx, cacheKey(missTexts[j]), encodeCSV(vecs[j]), cacheTTL)
	}
	return out, nil
}

// GetOrGenerate returns an embedding for a memory's content, preferring an
// already-stored vector. On provider failure or misconfiguration, it
// enqueues the content for later processing by the background worker and
// returns nil (not an error): ingestion must never block on this.
func (s *Service) GetOrGenerate(ctx context.Context, memoryID string, existing []float32, content string, now int64) []float32 {
	if len(existing) == s.dim && s.dim > 0 {
		return existing
	}
	vec, err := s.Generate(ctx, content)
	if err == nil {
		return vec
	}

	log.Warn().Str("memoryId", memoryID).Err(err).Msg("embedding: inline generation failed, queuing for retry")
	item := &store.EmbeddingQueueItem{
		ID:        uuid.NewString(),
		MemoryID:  memoryID,
		Content:   content,
		CreatedAt: now,
	}
	if err := s.store.EnqueueEmbeddingItem(ctx, item); err != nil {
		log.Warn().Str("memoryId", memoryID).Err(err).Msg("embedding: failed to enqueue retry item")
	}
	return nil
}

// RunWorkerOnce pulls up to batchSize oldest unprocessed queue items,
// embeds them in one batch call, writes vectors back onto their memories,
// and marks each item processed (or bumps its retry count). Guarded by a
// processing flag so overlapping ticks never run concurrently.
func (s *Service) RunWorkerOnce(ctx context.Context, now int64) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	items, err := s.store.NextEmbeddingQueueItems(ctx, batchSize)
	if err != nil {
		log.Warn().Err(err).Msg("embedding: worker failed to fetch queue items")
		return
	}
	if len(items) == 0 {
		return
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Content
	}

	vecs, err := s.GenerateBatch(ctx, texts)
	if err != nil {
		for _, it := range items {
			s.failOrRetry(ctx, it, now, err.Error())
		}
		return
	}

	for i, it := range items {
		if vecs[i] == nil {
			s.failOrRetry(ctx, it, now, "embedding: batch returned no vector")
			continue
		}
		if err := s.store.SetEmbedding(ctx, it.MemoryID, vecs[i], now); err != nil {
			s.failOrRetry(ctx, it, now, err.Error())
			continue
		}
		if err := s.store.MarkEmbeddingProcessed(ctx, it.ID, now, ""); err != nil {
			log.Warn().Str("queueItemId", it.ID).Err(err).Msg("embedding: failed to mark item processed")
		}
	}
}

func (s *Service) failOrRetry(ctx context.Context, it *store.EmbeddingQueueItem, now int64, errMsg string) {
	if it.RetryCount+1 > maxRetries {
		if err := s.store.FinalizeEmbeddingItem(ctx, it.ID, now, errMsg); err != nil {
			log.Warn().Str("queueItemId", it.ID).Err(err).Msg("embedding: failed to finalize exhausted item")
		}
		return
	}
	if err := s.store.MarkEmbeddingProcessed(ctx, it.ID, now, errMsg); err != nil {
		log.Warn().Str("queueItemId", it.ID).Err(err).Msg("embedding: failed to record retry")
	}
}

// RunWorker ticks RunWorkerOnce every workerInterval (and once at start)
// until ctx is canceled.
func (s *Service) RunWorker(ctx context.Context, nowFn func() int64) {
	s.RunWorkerOnce(ctx, nowFn())
	ticker := time.NewTicker(workerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunWorkerOnce(ctx, nowFn())
		}
	}
}

// encodeCSV/decodeCSV give the KV cache (a string-valued store) a simple,
// dependency-free wire format for float32 vectors.
func encodeCSV(v []float32) string {
	buf := make([]byte, 0, len(v)*10)
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	return string(buf)
}

func decodeCSV(s string) []float32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
