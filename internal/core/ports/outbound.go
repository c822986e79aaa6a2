package ports

import (
	"context"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

// QueryEmbedder builds the dense vector for query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher returns passage ids ranked by similarity within a scope.
type VectorSearcher interface {
	Search(ctx context.Context, queryVector []float32, topK int, scope domain.Scope) ([]domain.VectorHit, error)
}

// VectorCounter reports how many vectors are stored for a scope.
type VectorCounter interface {
	CountVectors(ctx context.Context, scope domain.Scope) (int, error)
}

// ChunkStore is the read-only view of ingested passages.
type ChunkStore interface {
	GetPassagesByIDs(ctx context.Context, ids []string) ([]domain.Passage, error)
	ListPassages(ctx context.Context, scope domain.Scope) ([]domain.Passage, error)
	DatasetStats(ctx context.Context, organizationID, datasetID string) (domain.DatasetStats, error)
}

// AnswerGenerator turns assembled prompt messages into free text.
type AnswerGenerator interface {
	Generate(ctx context.Context, messages []domain.PromptMessage) (string, error)
}

// ConversationStore persists sessions and their append-only messages.
type ConversationStore interface {
	// FindActiveSession returns ErrNotFound when no session had activity since activeSince.
	FindActiveSession(ctx context.Context, organizationID, userIdentifier string, activeSince time.Time) (*domain.Session, error)
	// GetSession returns ErrNotFound for unknown or expired ids.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	CreateSession(ctx context.Context, session *domain.Session) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	AppendMessage(ctx context.Context, message domain.Message) error
	// ListRecentMessages returns at most limit messages, newest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	DeleteSessionsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetrievalCacheStore holds cache entries; expiry is decided by the caller.
type RetrievalCacheStore interface {
	Get(ctx context.Context, key string) (domain.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry domain.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// InvalidationPublisher broadcasts dataset changes to every replica.
type InvalidationPublisher interface {
	PublishDatasetChanged(ctx context.Context, datasetID string) error
}

// InvalidationSubscriber consumes dataset change events until ctx is done.
type InvalidationSubscriber interface {
	SubscribeDatasetChanged(ctx context.Context, handler func(context.Context, string) error) error
}
