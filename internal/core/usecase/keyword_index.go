package usecase

import (
	"context"
	"sync"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

// KeywordIndexRegistry builds one BM25 index per scope and swaps it whole.
// Readers always hold either a complete old index or a complete new one.
type KeywordIndexRegistry struct {
	chunks ports.ChunkStore
	params BM25Params

	mu         sync.RWMutex
	indexes    map[string]*keywordIndexEntry
	generation uint64
	build      sync.Mutex
}

type keywordIndexEntry struct {
	scope  domain.Scope
	ranker *KeywordRanker
}

func NewKeywordIndexRegistry(chunks ports.ChunkStore, params BM25Params) *KeywordIndexRegistry {
	return &KeywordIndexRegistry{
		chunks:  chunks,
		params:  params.normalize(),
		indexes: make(map[string]*keywordIndexEntry),
	}
}

// Ranker returns the index for scope, building it from the chunk store on first use.
func (r *KeywordIndexRegistry) Ranker(ctx context.Context, scope domain.Scope) (*KeywordRanker, error) {
	scope = scope.Normalized()
	key := scope.Key()

	r.mu.RLock()
	entry, ok := r.indexes[key]
	r.mu.RUnlock()
	if ok {
		return entry.ranker, nil
	}

	r.build.Lock()
	defer r.build.Unlock()

	r.mu.RLock()
	entry, ok = r.indexes[key]
	r.mu.RUnlock()
	if ok {
		return entry.ranker, nil
	}

	return r.rebuildLocked(ctx, scope)
}

// Rebuild replaces the index for scope with one built from the current corpus snapshot.
func (r *KeywordIndexRegistry) Rebuild(ctx context.Context, scope domain.Scope) (*KeywordRanker, error) {
	r.build.Lock()
	defer r.build.Unlock()
	return r.rebuildLocked(ctx, scope.Normalized())
}

func (r *KeywordIndexRegistry) rebuildLocked(ctx context.Context, scope domain.Scope) (*KeywordRanker, error) {
	r.mu.RLock()
	startGeneration := r.generation
	r.mu.RUnlock()

	passages, err := r.chunks.ListPassages(ctx, scope)
	if err != nil {
		return nil, err
	}
	ranker := NewKeywordRanker(passages, r.params)

	r.mu.Lock()
	// A drop during the build means the snapshot may already be stale; serve it once, do not keep it.
	if r.generation == startGeneration {
		r.indexes[scope.Key()] = &keywordIndexEntry{scope: scope, ranker: ranker}
	}
	r.mu.Unlock()
	return ranker, nil
}

// Drop forgets every index whose scope covers datasetID.
func (r *KeywordIndexRegistry) Drop(datasetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	dropped := 0
	for key, entry := range r.indexes {
		if entry.scope.Covers(datasetID) {
			delete(r.indexes, key)
			dropped++
		}
	}
	return dropped
}

func (r *KeywordIndexRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes)
}
