// Package pgvector serves dense search from the embedding column of the passages table.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/resilience"
)

type Searcher struct {
	db       *sql.DB
	executor *resilience.Executor
}

func New(db *sql.DB) *Searcher {
	return NewWithExecutor(db, nil)
}

func NewWithExecutor(db *sql.DB, executor *resilience.Executor) *Searcher {
	return &Searcher{db: db, executor: executor}
}

// Search ranks by cosine similarity, reported as 1 - cosine distance.
func (s *Searcher) Search(ctx context.Context, queryVector []float32, topK int, scope domain.Scope) ([]domain.VectorHit, error) {
	if len(queryVector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "pgvector search", fmt.Errorf("query vector is empty"))
	}
	if topK <= 0 {
		topK = 10
	}
	scope = scope.Normalized()
	vector := pgvector.NewVector(queryVector)

	return resilience.Do(ctx, s.executor, "pgvector.search", func(ctx context.Context) ([]domain.VectorHit, error) {
		rows, err := s.db.QueryContext(ctx, `
SELECT id, 1 - (embedding <=> $1) AS similarity
FROM passages
WHERE embedding IS NOT NULL
  AND organization_id = $2
  AND dataset_id = ANY($3)
ORDER BY embedding <=> $1
LIMIT $4
`, vector, scope.OrganizationID, scope.DatasetIDs, topK)
		if err != nil {
			return nil, wrapTemporary("pgvector search", err)
		}
		defer rows.Close()

		hits := make([]domain.VectorHit, 0, topK)
		for rows.Next() {
			var hit domain.VectorHit
			if err := rows.Scan(&hit.PassageID, &hit.Score); err != nil {
				return nil, fmt.Errorf("scan pgvector hit: %w", err)
			}
			hits = append(hits, hit)
		}
		if err := rows.Err(); err != nil {
			return nil, wrapTemporary("iterate pgvector hits", err)
		}
		return hits, nil
	}, resilience.TemporaryClassifier)
}

func (s *Searcher) CountVectors(ctx context.Context, scope domain.Scope) (int, error) {
	scope = scope.Normalized()
	return resilience.Do(ctx, s.executor, "pgvector.count", func(ctx context.Context) (int, error) {
		var count int
		err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM passages
WHERE embedding IS NOT NULL
  AND organization_id = $1
  AND dataset_id = ANY($2)
`, scope.OrganizationID, scope.DatasetIDs).Scan(&count)
		if err != nil {
			return 0, wrapTemporary("pgvector count", err)
		}
		return count, nil
	}, resilience.TemporaryClassifier)
}

// Connection-level failures are retryable; query errors are not.
func wrapTemporary(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "broken pipe") {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
