package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/grounded-qa/internal/config"
	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/policy"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
	"github.com/kirillkom/grounded-qa/internal/core/usecase"
	memorycache "github.com/kirillkom/grounded-qa/internal/infrastructure/cache/memory"
	rediscache "github.com/kirillkom/grounded-qa/internal/infrastructure/cache/redis"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/queue/nats"
	memoryrepo "github.com/kirillkom/grounded-qa/internal/infrastructure/repository/memory"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/resilience"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/vector/qdrant"
)

type Options struct {
	Logger        *slog.Logger
	StateObserver resilience.StateObserver
	// WithBroadcaster connects to NATS for dataset-changed fan-out.
	WithBroadcaster bool
}

type App struct {
	Config config.Config
	Logger *slog.Logger
	DB     *sql.DB

	Answer      *usecase.AnswerUseCase
	Diagnose    *usecase.DiagnoseUseCase
	Memory      *usecase.ConversationMemory
	Broadcaster *nats.Broadcaster

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	schema := postgres.SchemaOptions{}
	if cfg.VectorBackend == "pgvector" {
		schema.VectorDimensions = cfg.PGVectorDimensions
	}
	if err := postgres.EnsureSchema(ctx, db, schema); err != nil {
		closeAll()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	upstream := newExecutor(cfg, resilience.DefaultConfig(), logger, opts.StateObserver)
	generation := newExecutor(cfg, resilience.GenerationConfig(), logger, opts.StateObserver)

	chunks := postgres.NewChunkRepository(db)
	vectors, err := newVectorBackend(cfg, db, upstream)
	if err != nil {
		closeAll()
		return nil, err
	}

	embedder := ollama.NewEmbedder(ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		HTTPTimeout: cfg.OllamaHTTPTimeout,
		Executor:    upstream,
	}))
	generator := ollama.NewGenerator(ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		HTTPTimeout: cfg.OllamaHTTPTimeout,
		Executor:    generation,
	}))

	cacheStore, closeCache := newCacheStore(cfg)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}
	conversations := newConversationStore(cfg, db)

	var broadcaster *nats.Broadcaster
	var publisher ports.InvalidationPublisher
	if opts.WithBroadcaster {
		broadcaster, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSInvalidationSubject, nats.Options{
			ResilienceExecutor: upstream,
			Logger:             logger,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init invalidation broadcaster: %w", err)
		}
		closers = append(closers, broadcaster.Close)
		publisher = broadcaster
	}

	keywords := usecase.NewKeywordIndexRegistry(chunks, usecase.BM25Params{K1: cfg.RAGBM25K1, B: cfg.RAGBM25B})
	memory := usecase.NewConversationMemory(conversations, usecase.MemoryLimits{
		FreshnessWindow: cfg.MemoryFreshnessWindow,
		RetentionWindow: cfg.MemoryRetention,
		PromptMessages:  cfg.MemoryPromptMessages,
	}, logger)

	deps := usecase.AnswerDeps{
		Expander:   usecase.NewQueryExpander(pol, logger),
		Retriever:  usecase.NewHybridRetriever(embedder, vectors, chunks, keywords, cfg.RAGDenseTimeout, logger),
		Reranker:   usecase.NewResultReranker(pol),
		Classifier: usecase.NewIntentClassifier(pol),
		Router:     usecase.NewPromptRouter(),
		Memory:     memory,
		Cache:      usecase.NewRetrievalCache(cacheStore, cfg.CacheTTL, logger),
		Keywords:   keywords,
		Generator:  generator,
		Publisher:  publisher,
	}
	settings := usecase.AnswerSettings{
		Retrieval: domain.RetrievalOptions{
			CandidateK:    cfg.RAGCandidateK,
			RRFK:          cfg.RAGRRFK,
			VectorWeight:  cfg.RAGVectorWeight,
			KeywordWeight: cfg.RAGKeywordWeight,
			MinScore:      cfg.RAGMinScore,
		},
		RerankLimit:       cfg.RAGRerankLimit,
		GenerationTimeout: cfg.RAGGenerationTimeout,
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Answer:      usecase.NewAnswerUseCase(deps, settings, logger),
		Diagnose:    usecase.NewDiagnoseUseCase(chunks, vectors, deps, settings, logger),
		Memory:      memory,
		Broadcaster: broadcaster,
		closeFn:     closeAll,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

type vectorBackend interface {
	ports.VectorSearcher
	ports.VectorCounter
}

func newVectorBackend(cfg config.Config, db *sql.DB, executor *resilience.Executor) (vectorBackend, error) {
	switch cfg.VectorBackend {
	case "", "qdrant":
		return qdrant.NewWithExecutor(cfg.QdrantURL, cfg.QdrantCollection, executor), nil
	case "pgvector":
		return pgvector.NewWithExecutor(db, executor), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func newCacheStore(cfg config.Config) (ports.RetrievalCacheStore, func()) {
	if cfg.CacheBackend == "redis" {
		client := rediscache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		// Redis expiry lags the logical TTL so lazy expiry stays authoritative.
		return rediscache.New(client, rediscache.DefaultPrefix, 2*cfg.CacheTTL), func() { _ = client.Close() }
	}
	return memorycache.New(cfg.CacheCapacity), nil
}

func newConversationStore(cfg config.Config, db *sql.DB) ports.ConversationStore {
	if cfg.MemoryBackend == "memory" {
		return memoryrepo.NewConversationStore(cfg.MemoryRetention, 0)
	}
	return postgres.NewConversationRepository(db)
}

func newExecutor(cfg config.Config, base resilience.Config, logger *slog.Logger, observer resilience.StateObserver) *resilience.Executor {
	base.BreakerEnabled = cfg.ResilienceBreakerEnabled
	if cfg.ResilienceRetryAttempts > 0 && base.RetryMaxAttempts > 1 {
		base.RetryMaxAttempts = cfg.ResilienceRetryAttempts
	}
	executor := resilience.NewExecutor(base, logger)
	if observer != nil {
		executor.WithStateObserver(observer)
	}
	return executor
}
