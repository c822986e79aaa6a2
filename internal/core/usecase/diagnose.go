package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
)

const (
	diagnosticMaxFinalUsed = 8
	diagnosticTopPassages  = 5
	diagnosticMinAvgChars  = 250
	diagnosticMaxAvgChars  = 2500
)

// DiagnoseUseCase reports retrieval health. It reads only and never touches the cache.
type DiagnoseUseCase struct {
	chunks      ports.ChunkStore
	vectors     ports.VectorCounter
	expander    *QueryExpander
	retriever   *HybridRetriever
	reranker    *ResultReranker
	classifier  *IntentClassifier
	retrieval   domain.RetrievalOptions
	rerankLimit int
	now         func() time.Time
	logger      *slog.Logger
}

func NewDiagnoseUseCase(
	chunks ports.ChunkStore,
	vectors ports.VectorCounter,
	deps AnswerDeps,
	settings AnswerSettings,
	logger *slog.Logger,
) *DiagnoseUseCase {
	settings = settings.normalize()
	if deps.Expander == nil {
		deps.Expander = NewQueryExpander(nil, logger)
	}
	if deps.Reranker == nil {
		deps.Reranker = NewResultReranker(nil)
	}
	if deps.Classifier == nil {
		deps.Classifier = NewIntentClassifier(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnoseUseCase{
		chunks:      chunks,
		vectors:     vectors,
		expander:    deps.Expander,
		retriever:   deps.Retriever,
		reranker:    deps.Reranker,
		classifier:  deps.Classifier,
		retrieval:   settings.Retrieval,
		rerankLimit: settings.RerankLimit,
		now:         time.Now,
		logger:      logger,
	}
}

func (uc *DiagnoseUseCase) Diagnose(ctx context.Context, organizationID string, datasetIDs []string, sampleQuery string) (*domain.DiagnosticReport, error) {
	scope := domain.Scope{OrganizationID: organizationID, DatasetIDs: datasetIDs}.Normalized()
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	report := &domain.DiagnosticReport{
		OrganizationID: scope.OrganizationID,
		Datasets:       make([]domain.DatasetDiagnostic, 0, len(scope.DatasetIDs)),
		GeneratedAt:    uc.now().UTC(),
	}

	for _, datasetID := range scope.DatasetIDs {
		stats, err := uc.chunks.DatasetStats(ctx, scope.OrganizationID, datasetID)
		if err != nil {
			return nil, fmt.Errorf("dataset stats %s: %w", datasetID, err)
		}
		stats.DatasetID = datasetID
		item := domain.DatasetDiagnostic{DatasetStats: stats, HasValidChunks: stats.ChunkCount > 0}

		if uc.vectors != nil {
			count, err := uc.vectors.CountVectors(ctx, domain.Scope{OrganizationID: scope.OrganizationID, DatasetIDs: []string{datasetID}})
			if err != nil {
				uc.logger.Warn("diagnose_vector_count_failed", "dataset_id", datasetID, "error", err)
				report.Warnings = append(report.Warnings, fmt.Sprintf("vector count unavailable for dataset %s", datasetID))
			} else {
				item.VectorCount = count
				item.VectorCountKnown = true
				if missing := stats.ChunkCount - count; missing > 0 {
					item.MissingVectors = missing
				}
				if count != stats.ChunkCount {
					report.Flags.VectorMismatch = true
				}
			}
		}
		if stats.ChunkCount > 0 && (stats.AvgChunkChars < diagnosticMinAvgChars || stats.AvgChunkChars > diagnosticMaxAvgChars) {
			report.Flags.ChunkSizeIssue = true
		}
		report.Datasets = append(report.Datasets, item)
	}

	if query := strings.TrimSpace(sampleQuery); query != "" {
		report.Retrieval = uc.sampleRetrieval(ctx, query, scope, report)
		report.Flags.RetrievalTooStrict = report.Retrieval.DenseHits > 0 && report.Retrieval.FinalUsed == 0
	}

	uc.logger.Info("retrieval_diagnosed",
		"organization_id", scope.OrganizationID,
		"datasets", len(report.Datasets),
		"vector_mismatch", report.Flags.VectorMismatch,
		"chunk_size_issue", report.Flags.ChunkSizeIssue,
		"retrieval_too_strict", report.Flags.RetrievalTooStrict,
	)
	return report, nil
}

func (uc *DiagnoseUseCase) sampleRetrieval(ctx context.Context, query string, scope domain.Scope, report *domain.DiagnosticReport) *domain.RetrievalDiagnostic {
	expansion := uc.expander.Expand(query)
	diag := &domain.RetrievalDiagnostic{
		Query:         query,
		ExpandedQuery: expansion.Expanded,
		Confidence:    domain.ConfidenceLow,
	}
	if uc.retriever == nil {
		diag.Intent = uc.classifier.Classify(expansion.Corrected, nil)
		report.Warnings = append(report.Warnings, "retriever is not configured")
		return diag
	}

	opts := uc.retrieval
	opts.PreferTables = expansion.PreferTables
	outcome, err := uc.retriever.Retrieve(ctx, expansion, scope, opts)
	diag.Degradations = outcome.Degradations()
	if err != nil {
		uc.logger.Warn("diagnose_retrieval_failed", "organization_id", scope.OrganizationID, "error", err)
		report.Warnings = append(report.Warnings, "sample retrieval failed: "+err.Error())
		diag.Intent = uc.classifier.Classify(expansion.Corrected, nil)
		return diag
	}

	reranked := uc.reranker.Rerank(expansion.Corrected, outcome.Fused, uc.rerankLimit*2, opts.PreferTables)
	diag.DenseHits = outcome.DenseCount
	diag.KeywordHits = outcome.KeywordCount
	diag.Fused = len(outcome.Fused)
	diag.Reranked = len(reranked)
	diag.FinalUsed = min(len(reranked), diagnosticMaxFinalUsed)
	diag.Intent = uc.classifier.Classify(expansion.Corrected, reranked)
	diag.Confidence = ConfidenceTier(reranked)
	diag.TopPassages = outcome.Fused[:min(len(outcome.Fused), diagnosticTopPassages)]
	return diag
}
