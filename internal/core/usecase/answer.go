package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

const (
	defaultGenerationTimeout = 45 * time.Second
	preferKeywordWeight      = 0.5

	generationUnavailableAnswer = "The answer service is temporarily unavailable. Please try again in a moment."
)

// AnswerSettings are the per-process defaults applied to every turn.
type AnswerSettings struct {
	Retrieval         domain.RetrievalOptions
	RerankLimit       int
	GenerationTimeout time.Duration
	HistoryExchanges  int
}

func (s AnswerSettings) normalize() AnswerSettings {
	if s.RerankLimit <= 0 {
		s.RerankLimit = DefaultRerankLimit
	}
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = defaultGenerationTimeout
	}
	if s.HistoryExchanges <= 0 {
		s.HistoryExchanges = DefaultHistoryExchanges
	}
	if s.Retrieval.CandidateK <= 0 {
		s.Retrieval.CandidateK = DefaultCandidateK
	}
	if s.Retrieval.RRFK <= 0 {
		s.Retrieval.RRFK = DefaultRRFK
	}
	if s.Retrieval.VectorWeight <= 0 && s.Retrieval.KeywordWeight <= 0 {
		s.Retrieval.VectorWeight = DefaultVectorWeight
		s.Retrieval.KeywordWeight = DefaultKeywordWeight
	}
	s.Retrieval.TopK = s.RerankLimit
	return s
}

type AnswerDeps struct {
	Expander   *QueryExpander
	Retriever  *HybridRetriever
	Reranker   *ResultReranker
	Classifier *IntentClassifier
	Router     *PromptRouter
	Memory     *ConversationMemory
	Cache      *RetrievalCache
	Keywords   *KeywordIndexRegistry
	Generator  ports.AnswerGenerator
	Publisher  ports.InvalidationPublisher
}

// AnswerUseCase runs one question-answering turn end to end.
type AnswerUseCase struct {
	deps     AnswerDeps
	settings AnswerSettings
	now      func() time.Time
	logger   *slog.Logger
}

func NewAnswerUseCase(deps AnswerDeps, settings AnswerSettings, logger *slog.Logger) *AnswerUseCase {
	if deps.Expander == nil {
		deps.Expander = NewQueryExpander(nil, logger)
	}
	if deps.Reranker == nil {
		deps.Reranker = NewResultReranker(nil)
	}
	if deps.Classifier == nil {
		deps.Classifier = NewIntentClassifier(nil)
	}
	if deps.Router == nil {
		deps.Router = NewPromptRouter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerUseCase{
		deps:     deps,
		settings: settings.normalize(),
		now:      time.Now,
		logger:   logger,
	}
}

func (uc *AnswerUseCase) WithClock(now func() time.Time) *AnswerUseCase {
	if now != nil {
		uc.now = now
	}
	return uc
}

// RetrievalOptionsFor returns the options used for an expanded query; they are part of the cache key.
func (uc *AnswerUseCase) RetrievalOptionsFor(expansion Expansion) domain.RetrievalOptions {
	opts := uc.settings.Retrieval
	opts.PreferTables = expansion.PreferTables
	if expansion.PreferKeyword {
		opts.VectorWeight = preferKeywordWeight
		opts.KeywordWeight = preferKeywordWeight
	}
	return opts
}

func (uc *AnswerUseCase) AnswerQuery(ctx context.Context, req domain.AnswerRequest) (*domain.AnswerResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := uc.now()
	query := strings.TrimSpace(req.Query)
	scope := req.Scope.Normalized()
	degradations := newDegradationSet()

	var (
		session *domain.Session
		history []domain.Message
	)
	if uc.deps.Memory != nil {
		datasetID := ""
		if len(scope.DatasetIDs) == 1 {
			datasetID = scope.DatasetIDs[0]
		}
		var err error
		session, err = uc.deps.Memory.ResumeSession(ctx, req.Session.SessionID, scope.OrganizationID, req.Session.UserIdentifier, datasetID)
		if err != nil {
			degradations.add(domain.DegradedMemory)
		}
		history = uc.deps.Memory.GetConversationHistory(ctx, session.ID, uc.settings.HistoryExchanges)
	}

	timing := domain.TimingBreakdown{}
	stageStart := uc.now()
	expansion := uc.deps.Expander.Expand(query)
	timing.ExpandMS = elapsedMS(uc.now(), stageStart)

	opts := uc.RetrievalOptionsFor(expansion)
	cacheKey := CacheKey(query, scope, opts)
	var cacheEpoch uint64
	if uc.deps.Cache != nil {
		cacheEpoch = uc.deps.Cache.Epoch()
	}
	result, cacheHit, err := uc.retrieve(ctx, cacheKey, expansion, scope, opts, &timing, degradations)
	if err != nil {
		return nil, err
	}
	for _, reason := range result.Degradations {
		degradations.add(reason)
	}

	intent := uc.deps.Classifier.Classify(expansion.Corrected, result.Passages)
	answer, warnings, err := uc.generate(ctx, intent, query, result.Passages, history, &timing, degradations)
	if err != nil {
		return nil, err
	}
	// The turn completed; only now is the retrieval result safe to reuse.
	if !cacheHit && uc.deps.Cache != nil && !degradations.has(domain.DegradedGeneration) {
		if err := uc.deps.Cache.SetIfCurrent(ctx, cacheKey, result, cacheEpoch); err != nil {
			uc.logger.Warn("retrieval_cache_write_failed", "error", err)
			degradations.add(domain.DegradedCache)
		}
	}

	out := &domain.AnswerResult{
		Answer:         answer,
		Intent:         intent,
		CitedDocuments: Citations(result.Passages),
		ConfidenceTier: ConfidenceTier(result.Passages),
		CacheHit:       cacheHit,
		Warnings:       warnings,
	}

	if session != nil {
		out.SessionID = session.ID
		if err := uc.deps.Memory.AddMessage(ctx, session.ID, domain.RoleUser, query, nil); err != nil {
			degradations.add(domain.DegradedMemory)
		}
		meta := map[string]string{"intent": string(intent), "confidence": string(out.ConfidenceTier)}
		if err := uc.deps.Memory.AddMessage(ctx, session.ID, domain.RoleAssistant, answer, meta); err != nil {
			degradations.add(domain.DegradedMemory)
		}
	}

	timing.TotalMS = elapsedMS(uc.now(), started)
	out.Timing = timing
	out.Degradations = degradations.list()

	uc.logger.Info("answer_completed",
		"organization_id", scope.OrganizationID,
		"intent", intent,
		"confidence", out.ConfidenceTier,
		"passages", len(result.Passages),
		"cache_hit", cacheHit,
		"degradations", out.Degradations,
		"total_ms", timing.TotalMS,
	)
	return out, nil
}

// retrieve serves from cache when fresh, otherwise runs hybrid retrieval and rerank.
// A cancelled request returns the context error.
func (uc *AnswerUseCase) retrieve(
	ctx context.Context,
	key string,
	expansion Expansion,
	scope domain.Scope,
	opts domain.RetrievalOptions,
	timing *domain.TimingBreakdown,
	degradations *degradationSet,
) (domain.RetrievalResult, bool, error) {
	if uc.deps.Cache != nil {
		cached, ok, err := uc.deps.Cache.Get(ctx, key)
		if err != nil {
			uc.logger.Warn("retrieval_cache_read_failed", "error", err)
			degradations.add(domain.DegradedCache)
		}
		if ok {
			return cached, true, nil
		}
	}
	if uc.deps.Retriever == nil {
		return domain.RetrievalResult{}, false, domain.WrapError(domain.ErrRetrievalFailed, "answer query", errors.New("retriever is not configured"))
	}

	stageStart := uc.now()
	outcome, err := uc.deps.Retriever.Retrieve(ctx, expansion, scope, opts)
	timing.RetrieveMS = elapsedMS(uc.now(), stageStart)
	if err != nil {
		return domain.RetrievalResult{}, false, err
	}

	stageStart = uc.now()
	passages := uc.deps.Reranker.Rerank(expansion.Corrected, outcome.Fused, uc.settings.RerankLimit, opts.PreferTables)
	timing.RerankMS = elapsedMS(uc.now(), stageStart)

	if err := ctx.Err(); err != nil {
		return domain.RetrievalResult{}, false, err
	}

	return domain.RetrievalResult{
		Passages:     passages,
		DenseCount:   outcome.DenseCount,
		KeywordCount: outcome.KeywordCount,
		FusedCount:   len(outcome.Fused),
		Degradations: outcome.Degradations(),
	}, false, nil
}

func (uc *AnswerUseCase) generate(
	ctx context.Context,
	intent domain.Intent,
	query string,
	passages []domain.RankedPassage,
	history []domain.Message,
	timing *domain.TimingBreakdown,
	degradations *degradationSet,
) (string, []string, error) {
	if len(passages) == 0 {
		return uc.deps.Router.NotFoundAnswer(intent), nil, nil
	}
	if uc.deps.Generator == nil {
		degradations.add(domain.DegradedGeneration)
		return generationUnavailableAnswer, nil, nil
	}

	prompt := uc.deps.Router.BuildPrompt(intent, query, passages)
	var messages []domain.PromptMessage
	if uc.deps.Memory != nil {
		messages = uc.deps.Memory.BuildPromptMessages(prompt.System, history, prompt.User)
	} else {
		messages = []domain.PromptMessage{
			{Role: domain.PromptRoleSystem, Content: prompt.System},
			{Role: domain.PromptRoleUser, Content: prompt.User},
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, uc.settings.GenerationTimeout)
	defer cancel()

	stageStart := uc.now()
	raw, err := uc.deps.Generator.Generate(genCtx, messages)
	timing.GenerateMS = elapsedMS(uc.now(), stageStart)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		uc.logger.Warn("generation_failed", "intent", intent, "error", err)
		degradations.add(domain.DegradedGeneration)
		return generationUnavailableAnswer, nil, nil
	}

	answer := uc.deps.Router.PostProcess(intent, raw, passages)
	warnings := uc.deps.Router.Validate(intent, answer)
	if len(warnings) > 0 {
		uc.logger.Warn("intent_validation_warning", "intent", intent, "warnings", warnings)
	}
	return answer, warnings, nil
}

// Invalidate drops every cached retrieval and every keyword index covering datasetID.
func (uc *AnswerUseCase) Invalidate(ctx context.Context, datasetID string) error {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "invalidate dataset", errors.New("dataset id is required"))
	}
	dropped := 0
	if uc.deps.Keywords != nil {
		dropped = uc.deps.Keywords.Drop(datasetID)
	}
	if uc.deps.Cache != nil {
		if err := uc.deps.Cache.Clear(ctx); err != nil {
			return domain.WrapError(domain.ErrTemporary, "invalidate dataset", fmt.Errorf("clear retrieval cache: %w", err))
		}
	}
	uc.logger.Info("dataset_invalidated", "dataset_id", datasetID, "keyword_indexes_dropped", dropped)
	return nil
}

// InvalidateOrganization clears the whole cache; keyword indexes rebuild lazily.
func (uc *AnswerUseCase) InvalidateOrganization(ctx context.Context, organizationID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "invalidate organization", errors.New("organization id is required"))
	}
	if uc.deps.Cache == nil {
		return nil
	}
	if err := uc.deps.Cache.Clear(ctx); err != nil {
		return domain.WrapError(domain.ErrTemporary, "invalidate organization", err)
	}
	uc.logger.Info("organization_invalidated", "organization_id", organizationID)
	return nil
}

// NotifyDatasetChanged invalidates locally, then broadcasts to the other replicas.
func (uc *AnswerUseCase) NotifyDatasetChanged(ctx context.Context, datasetID string) error {
	if err := uc.Invalidate(ctx, datasetID); err != nil {
		return err
	}
	if uc.deps.Publisher == nil {
		return nil
	}
	if err := uc.deps.Publisher.PublishDatasetChanged(ctx, strings.TrimSpace(datasetID)); err != nil {
		return fmt.Errorf("publish dataset changed: %w", err)
	}
	return nil
}

func (uc *AnswerUseCase) CacheStats(ctx context.Context) domain.CacheStats {
	if uc.deps.Cache == nil {
		return domain.CacheStats{}
	}
	return uc.deps.Cache.Stats(ctx)
}

func elapsedMS(now, since time.Time) float64 {
	return float64(now.Sub(since).Microseconds()) / 1000
}

type degradationSet struct {
	seen  map[string]struct{}
	order []string
}

func newDegradationSet() *degradationSet {
	return &degradationSet{seen: map[string]struct{}{}}
}

func (d *degradationSet) add(reason string) {
	if _, ok := d.seen[reason]; ok {
		return
	}
	d.seen[reason] = struct{}{}
	d.order = append(d.order, reason)
}

func (d *degradationSet) list() []string {
	if len(d.order) == 0 {
		return nil
	}
	return append([]string(nil), d.order...)
}

func (d *degradationSet) has(reason string) bool {
	_, ok := d.seen[reason]
	return ok
}
