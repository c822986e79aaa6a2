package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

type generatorFake struct {
	mu       sync.Mutex
	answer   string
	err      error
	block    bool
	started  chan struct{}
	release  chan struct{}
	calls    int
	messages []domain.PromptMessage
}

func (f *generatorFake) Generate(ctx context.Context, messages []domain.PromptMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	f.messages = messages
	f.mu.Unlock()
	if f.release != nil {
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return f.answer, nil
	}
	if f.block {
		if f.started != nil {
			close(f.started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type publisherFake struct {
	published []string
	err       error
}

func (f *publisherFake) PublishDatasetChanged(_ context.Context, datasetID string) error {
	f.published = append(f.published, datasetID)
	return f.err
}

type answerFixture struct {
	chunks    *chunkStoreFake
	embedder  *embedderFake
	vectors   *vectorSearcherFake
	generator *generatorFake
	cache     *cacheStoreFake
	store     *conversationStoreFake
	publisher *publisherFake
	uc        *AnswerUseCase
}

func answerCorpus() []domain.Passage {
	return []domain.Passage{
		{ID: "r1", DocumentID: "d-refunds", DocumentTitle: "Refunds", SectionPath: "API/Refunds", Page: 2,
			Content: "To create a refund call POST /v1/refunds with the payment id. The refund endpoint returns the refund status and identifier."},
		{ID: "w1", DocumentID: "d-webhooks", DocumentTitle: "Webhooks", SectionPath: "API/Webhooks",
			Content: "Webhook callbacks notify your server about refund status changes. Configure the callback url in the merchant dashboard."},
		{ID: "m1", DocumentID: "d-merchants", DocumentTitle: "Merchants", SectionPath: "Guides/Merchants",
			Content: "The destinationMerchantGroupId field identifies the merchant group that receives settlement for a payment split."},
	}
}

func newAnswerFixture(t *testing.T) *answerFixture {
	t.Helper()
	f := &answerFixture{
		chunks:    newChunkStoreFake(answerCorpus()),
		embedder:  &embedderFake{vector: []float32{0.3, 0.4}},
		vectors:   &vectorSearcherFake{hits: []domain.VectorHit{{PassageID: "r1", Score: 0.88}, {PassageID: "w1", Score: 0.61}}},
		generator: &generatorFake{answer: "Call POST /v1/refunds with the payment id."},
		cache:     newCacheStoreFake(),
		store:     newConversationStoreFake(),
		publisher: &publisherFake{},
	}
	keywords := NewKeywordIndexRegistry(f.chunks, BM25Params{})
	f.uc = NewAnswerUseCase(AnswerDeps{
		Retriever: NewHybridRetriever(f.embedder, f.vectors, f.chunks, keywords, 0, nil),
		Memory:    NewConversationMemory(f.store, MemoryLimits{}, nil),
		Cache:     NewRetrievalCache(f.cache, 0, nil),
		Keywords:  keywords,
		Generator: f.generator,
		Publisher: f.publisher,
	}, AnswerSettings{}, nil)
	return f
}

func answerRequest(query string) domain.AnswerRequest {
	return domain.AnswerRequest{
		Query:   query,
		Scope:   domain.Scope{OrganizationID: "org-1", DatasetIDs: []string{"ds-1"}},
		Session: domain.SessionContext{UserIdentifier: "user-1"},
	}
}

func TestAnswerQueryRunsFullPipeline(t *testing.T) {
	f := newAnswerFixture(t)

	out, err := f.uc.AnswerQuery(context.Background(), answerRequest("how do I create a refund"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Answer == "" || out.CacheHit {
		t.Fatalf("unexpected result: %+v", out)
	}
	if len(out.CitedDocuments) == 0 || out.CitedDocuments[0].DocumentID != "d-refunds" {
		t.Fatalf("expected refunds citation first, got %+v", out.CitedDocuments)
	}
	if out.SessionID == "" {
		t.Fatalf("expected session id")
	}
	if len(out.Degradations) != 0 {
		t.Fatalf("expected no degradations, got %v", out.Degradations)
	}
	if len(f.store.messages) != 2 {
		t.Fatalf("expected user and assistant messages stored, got %d", len(f.store.messages))
	}
	if f.generator.messages[0].Role != domain.PromptRoleSystem || !strings.Contains(f.generator.messages[0].Content, "INTENT: "+string(out.Intent)) {
		t.Fatalf("expected system prompt with intent, got %+v", f.generator.messages[0])
	}
	if f.cache.sets != 1 {
		t.Fatalf("expected one cache write, got %d", f.cache.sets)
	}
}

func TestAnswerQueryServesRepeatFromCacheUntilInvalidated(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()

	if _, err := f.uc.AnswerQuery(ctx, answerRequest("refund status")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.uc.AnswerQuery(ctx, answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit || second.Timing.RetrieveMS != 0 || second.Timing.RerankMS != 0 {
		t.Fatalf("expected cache hit with zero retrieval timing, got %+v", second)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("expected a single embedding call, got %d", f.embedder.calls)
	}

	if err := f.uc.NotifyDatasetChanged(ctx, "ds-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.publisher.published) != 1 || f.publisher.published[0] != "ds-1" {
		t.Fatalf("expected invalidation broadcast, got %v", f.publisher.published)
	}

	third, err := f.uc.AnswerQuery(ctx, answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.CacheHit {
		t.Fatalf("expected stale entry to be gone after invalidation")
	}
	if f.embedder.calls != 2 {
		t.Fatalf("expected fresh retrieval after invalidation, got %d embed calls", f.embedder.calls)
	}
}

func TestAnswerQueryInvalidatedMidTurnDoesNotCacheStaleResult(t *testing.T) {
	f := newAnswerFixture(t)
	f.generator.started = make(chan struct{})
	f.generator.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.uc.AnswerQuery(ctx, answerRequest("refund status"))
		done <- err
	}()
	<-f.generator.started
	if err := f.uc.Invalidate(ctx, "ds-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(f.generator.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size, _ := f.cache.Len(ctx); size != 0 {
		t.Fatalf("expected no cache entries after invalidation, got %d", size)
	}

	f.generator.release = nil
	repeat, err := f.uc.AnswerQuery(ctx, answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repeat.CacheHit {
		t.Fatalf("expected repeat after invalidation to retrieve fresh results")
	}
}

func TestAnswerQueryDegradesWhenDenseSearchFails(t *testing.T) {
	f := newAnswerFixture(t)
	f.vectors.err = errors.New("qdrant down")

	out, err := f.uc.AnswerQuery(context.Background(), answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Degradations) != 1 || out.Degradations[0] != domain.DegradedDense {
		t.Fatalf("expected dense degradation, got %v", out.Degradations)
	}
	if f.cache.sets != 0 {
		t.Fatalf("expected degraded result not to be cached")
	}
}

func TestAnswerQueryFailsWhenBothSourcesFail(t *testing.T) {
	f := newAnswerFixture(t)
	f.vectors.err = errors.New("qdrant down")
	f.chunks.listErr = errors.New("postgres down")

	_, err := f.uc.AnswerQuery(context.Background(), answerRequest("refund status"))
	if !domain.IsKind(err, domain.ErrRetrievalFailed) {
		t.Fatalf("expected retrieval failed, got %v", err)
	}
}

func TestAnswerQueryReturnsUnavailableAnswerWhenGenerationFails(t *testing.T) {
	f := newAnswerFixture(t)
	f.generator.err = errors.New("ollama 503")

	out, err := f.uc.AnswerQuery(context.Background(), answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Answer != generationUnavailableAnswer {
		t.Fatalf("expected unavailable answer, got %q", out.Answer)
	}
	if len(out.Degradations) != 1 || out.Degradations[0] != domain.DegradedGeneration {
		t.Fatalf("expected generation degradation, got %v", out.Degradations)
	}
	if f.cache.sets != 0 {
		t.Fatalf("expected failed generation not to write the cache, got %d writes", f.cache.sets)
	}
}

func TestAnswerQueryCancelledDuringGenerationDoesNotCache(t *testing.T) {
	f := newAnswerFixture(t)
	f.generator.block = true
	f.generator.started = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.generator.started
		cancel()
	}()

	_, err := f.uc.AnswerQuery(ctx, answerRequest("refund status"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if f.cache.sets != 0 {
		t.Fatalf("expected cancelled request not to write the cache, got %d writes", f.cache.sets)
	}
}

func TestAnswerQueryWithoutPassagesSkipsGeneration(t *testing.T) {
	f := newAnswerFixture(t)
	f.vectors.hits = nil

	out, err := f.uc.AnswerQuery(context.Background(), answerRequest("show a sample json payload kittens"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Intent != domain.IntentJSON || out.Answer != JSONFallbackSentence {
		t.Fatalf("expected JSON fallback sentence, got intent=%s answer=%q", out.Intent, out.Answer)
	}
	if out.ConfidenceTier != domain.ConfidenceLow {
		t.Fatalf("expected low confidence, got %s", out.ConfidenceTier)
	}
	if f.generator.calls != 0 {
		t.Fatalf("expected generation skipped, got %d calls", f.generator.calls)
	}
}

func TestAnswerQuerySurvivesMemoryFailure(t *testing.T) {
	f := newAnswerFixture(t)
	f.store.findErr = errors.New("postgres down")

	out, err := f.uc.AnswerQuery(context.Background(), answerRequest("refund status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.SessionID, "temp-") {
		t.Fatalf("expected temporary session, got %q", out.SessionID)
	}
	found := false
	for _, d := range out.Degradations {
		found = found || d == domain.DegradedMemory
	}
	if !found {
		t.Fatalf("expected memory degradation, got %v", out.Degradations)
	}
}

func TestAnswerQueryContinuesSuppliedSession(t *testing.T) {
	f := newAnswerFixture(t)
	now := time.Now().UTC()
	f.store.sessions["thread-a"] = &domain.Session{ID: "thread-a", OrganizationID: "org-1", UserIdentifier: "user-1", LastActivityAt: now.Add(-time.Hour)}
	f.store.sessions["thread-b"] = &domain.Session{ID: "thread-b", OrganizationID: "org-1", UserIdentifier: "user-1", LastActivityAt: now.Add(-time.Minute)}

	req := answerRequest("refund status")
	req.Session.SessionID = "thread-a"
	out, err := f.uc.AnswerQuery(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SessionID != "thread-a" {
		t.Fatalf("expected supplied session to be continued, got %q", out.SessionID)
	}
	for _, m := range f.store.messages {
		if m.SessionID != "thread-a" {
			t.Fatalf("expected messages in thread-a, got %+v", m)
		}
	}

	req.Session.UserIdentifier = "user-2"
	out, err = f.uc.AnswerQuery(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SessionID == "thread-a" || out.SessionID == "thread-b" {
		t.Fatalf("expected another user's session id to be ignored, got %q", out.SessionID)
	}
}

func TestAnswerQueryRejectsInvalidRequest(t *testing.T) {
	f := newAnswerFixture(t)
	req := answerRequest("   ")
	if _, err := f.uc.AnswerQuery(context.Background(), req); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := f.uc.Invalidate(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dataset, got %v", err)
	}
}

func TestPreferKeywordShiftsFusionWeights(t *testing.T) {
	f := newAnswerFixture(t)
	opts := f.uc.RetrievalOptionsFor(Expansion{PreferKeyword: true})
	if opts.VectorWeight != 0.5 || opts.KeywordWeight != 0.5 {
		t.Fatalf("expected balanced weights, got %+v", opts)
	}
	defaults := f.uc.RetrievalOptionsFor(Expansion{})
	if defaults.VectorWeight != DefaultVectorWeight || defaults.TopK != DefaultRerankLimit {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
}
