package ports

import (
	"context"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

type QuestionAnswerer interface {
	AnswerQuery(ctx context.Context, req domain.AnswerRequest) (*domain.AnswerResult, error)
}

type RetrievalInvalidator interface {
	Invalidate(ctx context.Context, datasetID string) error
}

type RetrievalDiagnostician interface {
	Diagnose(ctx context.Context, organizationID string, datasetIDs []string, sampleQuery string) (*domain.DiagnosticReport, error)
}

type CacheStatsReader interface {
	CacheStats(ctx context.Context) domain.CacheStats
}

type ConversationJanitor interface {
	Cleanup(ctx context.Context) (int64, error)
}

// DatasetChangeNotifier invalidates locally and tells every other replica.
type DatasetChangeNotifier interface {
	NotifyDatasetChanged(ctx context.Context, datasetID string) error
}
