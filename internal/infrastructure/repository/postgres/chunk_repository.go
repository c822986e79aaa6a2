package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const (
	smallChunkChars = 250
	largeChunkChars = 2500
)

// ChunkRepository is the read-only passage view used by retrieval and diagnostics.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const passageColumns = `id, document_id, document_title, content, ordinal, page, section_path, element_type, has_verbatim`

func scanPassage(rows *sql.Rows) (domain.Passage, error) {
	var p domain.Passage
	err := rows.Scan(
		&p.ID,
		&p.DocumentID,
		&p.DocumentTitle,
		&p.Content,
		&p.Ordinal,
		&p.Page,
		&p.SectionPath,
		&p.Metadata.ElementType,
		&p.Metadata.HasVerbatim,
	)
	return p, err
}

func (r *ChunkRepository) GetPassagesByIDs(ctx context.Context, ids []string) ([]domain.Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+passageColumns+`
FROM passages
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, fmt.Errorf("get passages by ids: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Passage, 0, len(ids))
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}
	return out, nil
}

// ListPassages returns the whole scope, ordered so BM25 indexes build deterministically.
func (r *ChunkRepository) ListPassages(ctx context.Context, scope domain.Scope) ([]domain.Passage, error) {
	scope = scope.Normalized()
	rows, err := r.db.QueryContext(ctx, `
SELECT `+passageColumns+`
FROM passages
WHERE organization_id = $1 AND dataset_id = ANY($2)
ORDER BY document_id, ordinal, id
`, scope.OrganizationID, scope.DatasetIDs)
	if err != nil {
		return nil, fmt.Errorf("list passages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Passage, 0)
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) DatasetStats(ctx context.Context, organizationID, datasetID string) (domain.DatasetStats, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT
	COUNT(DISTINCT document_id),
	COUNT(*),
	COALESCE(AVG(char_length(content)), 0),
	COUNT(*) FILTER (WHERE char_length(content) < $3),
	COUNT(*) FILTER (WHERE char_length(content) BETWEEN $3 AND $4),
	COUNT(*) FILTER (WHERE char_length(content) > $4)
FROM passages
WHERE organization_id = $1 AND dataset_id = $2
`, organizationID, datasetID, smallChunkChars, largeChunkChars)

	stats := domain.DatasetStats{DatasetID: datasetID}
	if err := row.Scan(
		&stats.DocumentCount,
		&stats.ChunkCount,
		&stats.AvgChunkChars,
		&stats.SmallChunks,
		&stats.NormalChunks,
		&stats.LargeChunks,
	); err != nil {
		return domain.DatasetStats{}, fmt.Errorf("dataset stats: %w", err)
	}
	return stats, nil
}
