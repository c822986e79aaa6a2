package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

const (
	defaultDenseTimeout = 8 * time.Second
	DefaultCandidateK   = 20
)

// HybridOutcome is the fused pool plus what each source contributed.
type HybridOutcome struct {
	Fused        []domain.FusedResult
	DenseCount   int
	KeywordCount int
	DenseErr     error
	KeywordErr   error
}

func (o HybridOutcome) Degradations() []string {
	var out []string
	if o.DenseErr != nil {
		out = append(out, domain.DegradedDense)
	}
	if o.KeywordErr != nil {
		out = append(out, domain.DegradedKeyword)
	}
	return out
}

type HybridRetriever struct {
	embedder     ports.QueryEmbedder
	vectors      ports.VectorSearcher
	chunks       ports.ChunkStore
	keywords     *KeywordIndexRegistry
	denseTimeout time.Duration
	logger       *slog.Logger
}

func NewHybridRetriever(
	embedder ports.QueryEmbedder,
	vectors ports.VectorSearcher,
	chunks ports.ChunkStore,
	keywords *KeywordIndexRegistry,
	denseTimeout time.Duration,
	logger *slog.Logger,
) *HybridRetriever {
	if denseTimeout <= 0 {
		denseTimeout = defaultDenseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		embedder:     embedder,
		vectors:      vectors,
		chunks:       chunks,
		keywords:     keywords,
		denseTimeout: denseTimeout,
		logger:       logger,
	}
}

// Retrieve runs dense and keyword ranking concurrently and waits for both
// before fusing. One failed source degrades; two failed sources is an error.
func (h *HybridRetriever) Retrieve(
	ctx context.Context,
	expansion Expansion,
	scope domain.Scope,
	opts domain.RetrievalOptions,
) (HybridOutcome, error) {
	if opts.CandidateK <= 0 {
		opts.CandidateK = DefaultCandidateK
	}

	var (
		dense      []denseCandidate
		keyword    []domain.KeywordHit
		denseErr   error
		keywordErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		dense, denseErr = h.denseSearch(ctx, expansion.DenseQuery(), scope, opts.CandidateK)
		dense = filterByMinScore(dense, opts.MinScore)
		return nil
	})
	g.Go(func() error {
		keyword, keywordErr = h.keywordSearch(ctx, expansion.KeywordQuery(), scope, opts.CandidateK)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return HybridOutcome{}, err
	}
	if denseErr != nil && keywordErr != nil {
		return HybridOutcome{DenseErr: denseErr, KeywordErr: keywordErr},
			domain.WrapError(domain.ErrRetrievalFailed, "hybrid retrieve", errors.Join(denseErr, keywordErr))
	}
	if denseErr != nil {
		h.logger.Warn("dense_search_failed", "scope", scope.Key(), "error", denseErr)
	}
	if keywordErr != nil {
		h.logger.Warn("keyword_search_failed", "scope", scope.Key(), "error", keywordErr)
	}

	weights := FusionWeights{RRFK: opts.RRFK, VectorWeight: opts.VectorWeight, KeywordWeight: opts.KeywordWeight}
	return HybridOutcome{
		Fused:        fuseRRF(dense, keyword, weights),
		DenseCount:   len(dense),
		KeywordCount: len(keyword),
		DenseErr:     denseErr,
		KeywordErr:   keywordErr,
	}, nil
}

func (h *HybridRetriever) denseSearch(ctx context.Context, query string, scope domain.Scope, topK int) ([]denseCandidate, error) {
	if h.embedder == nil || h.vectors == nil {
		return nil, fmt.Errorf("dense search is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.denseTimeout)
	defer cancel()

	vector, err := h.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := h.vectors.Search(ctx, vector, topK, scope)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.PassageID)
	}
	passages, err := h.chunks.GetPassagesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load dense passages: %w", err)
	}
	byID := make(map[string]domain.Passage, len(passages))
	for _, p := range passages {
		byID[p.ID] = p
	}

	out := make([]denseCandidate, 0, len(hits))
	for _, hit := range hits {
		p, ok := byID[hit.PassageID]
		if !ok {
			continue
		}
		out = append(out, denseCandidate{passage: p, score: hit.Score})
	}
	if missing := len(hits) - len(out); missing > 0 {
		h.logger.Debug("dense_hits_without_passage", "scope", scope.Key(), "missing", missing)
	}
	return out, nil
}

func (h *HybridRetriever) keywordSearch(ctx context.Context, query string, scope domain.Scope, topK int) ([]domain.KeywordHit, error) {
	if h.keywords == nil {
		return nil, fmt.Errorf("keyword search is not configured")
	}
	ranker, err := h.keywords.Ranker(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("keyword index: %w", err)
	}
	return ranker.Rank(query, topK), nil
}
