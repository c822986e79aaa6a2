package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

type embedderFake struct {
	vector []float32
	err    error
	calls  int
	last   string
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.calls++
	f.last = text
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type vectorSearcherFake struct {
	hits  []domain.VectorHit
	err   error
	block bool
	topK  int
}

func (f *vectorSearcherFake) Search(ctx context.Context, _ []float32, topK int, _ domain.Scope) ([]domain.VectorHit, error) {
	f.topK = topK
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func hybridCorpus() []domain.Passage {
	return []domain.Passage{
		{ID: "p1", DocumentID: "d1", DocumentTitle: "Refunds", Content: "refund requests are created with the refunds endpoint"},
		{ID: "p2", DocumentID: "d2", DocumentTitle: "Webhooks", Content: "webhook callbacks deliver payment status updates"},
		{ID: "p3", DocumentID: "d3", DocumentTitle: "Payouts", Content: "payout schedules are configured per merchant"},
	}
}

func newTestRetriever(store *chunkStoreFake, embedder *embedderFake, vectors *vectorSearcherFake) *HybridRetriever {
	return NewHybridRetriever(embedder, vectors, store, NewKeywordIndexRegistry(store, BM25Params{}), time.Second, nil)
}

func TestHybridRetrieveFusesUnionOfBothSources(t *testing.T) {
	store := newChunkStoreFake(hybridCorpus())
	embedder := &embedderFake{vector: []float32{0.1, 0.2}}
	vectors := &vectorSearcherFake{hits: []domain.VectorHit{{PassageID: "p2", Score: 0.91}, {PassageID: "missing", Score: 0.5}}}
	retriever := newTestRetriever(store, embedder, vectors)

	expansion := Expansion{Original: "refund webhook", Corrected: "refund webhook", Boosted: "refund webhook"}
	out, err := retriever.Retrieve(context.Background(), expansion, testScope(), domain.RetrievalOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors.topK != DefaultCandidateK {
		t.Fatalf("expected default candidate k, got %d", vectors.topK)
	}
	if out.DenseCount != 1 {
		t.Fatalf("expected hits without passages to be dropped, got %d", out.DenseCount)
	}
	ids := map[string]bool{}
	for _, f := range out.Fused {
		ids[f.Passage.ID] = true
	}
	if len(ids) != 2 || !ids["p1"] || !ids["p2"] {
		t.Fatalf("expected union {p1,p2}, got %v", ids)
	}
	if len(out.Degradations()) != 0 {
		t.Fatalf("expected no degradations, got %v", out.Degradations())
	}
}

func TestHybridRetrieveDegradesToKeywordOnly(t *testing.T) {
	store := newChunkStoreFake(hybridCorpus())
	retriever := newTestRetriever(store, &embedderFake{err: errors.New("ollama down")}, &vectorSearcherFake{})

	out, err := retriever.Retrieve(context.Background(), Expansion{Original: "payout schedules"}, testScope(), domain.RetrievalOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Fused) != 1 || out.Fused[0].Passage.ID != "p3" {
		t.Fatalf("expected keyword-only result p3, got %+v", out.Fused)
	}
	degradations := out.Degradations()
	if len(degradations) != 1 || degradations[0] != domain.DegradedDense {
		t.Fatalf("expected dense degradation, got %v", degradations)
	}
}

func TestHybridRetrieveFailsWhenBothSourcesFail(t *testing.T) {
	store := newChunkStoreFake(hybridCorpus())
	store.listErr = errors.New("postgres down")
	retriever := newTestRetriever(store, &embedderFake{vector: []float32{1}}, &vectorSearcherFake{err: errors.New("qdrant down")})

	_, err := retriever.Retrieve(context.Background(), Expansion{Original: "refund"}, testScope(), domain.RetrievalOptions{})
	if !domain.IsKind(err, domain.ErrRetrievalFailed) {
		t.Fatalf("expected retrieval failed, got %v", err)
	}
}

func TestHybridRetrieveAppliesMinScoreToDenseHits(t *testing.T) {
	store := newChunkStoreFake(hybridCorpus())
	vectors := &vectorSearcherFake{hits: []domain.VectorHit{{PassageID: "p2", Score: 0.2}}}
	retriever := newTestRetriever(store, &embedderFake{vector: []float32{1}}, vectors)

	out, err := retriever.Retrieve(context.Background(), Expansion{Original: "nothing matches"}, testScope(), domain.RetrievalOptions{MinScore: 0.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.DenseCount != 0 || len(out.Fused) != 0 {
		t.Fatalf("expected dense hit under threshold dropped, got %+v", out)
	}
}

func TestHybridRetrieveReturnsContextErrorOnCancel(t *testing.T) {
	store := newChunkStoreFake(hybridCorpus())
	retriever := newTestRetriever(store, &embedderFake{vector: []float32{1}}, &vectorSearcherFake{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out, err := retriever.Retrieve(ctx, Expansion{Original: "refund"}, testScope(), domain.RetrievalOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if len(out.Fused) != 0 {
		t.Fatalf("expected no fused results on cancel")
	}
}
