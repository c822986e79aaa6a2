package domain

import "time"

// DatasetStats are chunk-store aggregates for a single dataset.
type DatasetStats struct {
	DatasetID     string  `json:"dataset_id"`
	DocumentCount int     `json:"document_count"`
	ChunkCount    int     `json:"chunk_count"`
	AvgChunkChars float64 `json:"avg_chunk_chars"`
	SmallChunks   int     `json:"small_chunks"`
	NormalChunks  int     `json:"normal_chunks"`
	LargeChunks   int     `json:"large_chunks"`
}

type DatasetDiagnostic struct {
	DatasetStats
	VectorCount    int  `json:"vector_count"`
	MissingVectors int  `json:"missing_vectors"`
	HasValidChunks bool `json:"has_valid_chunks"`

	// VectorCountKnown is false when the vector backend could not be counted.
	VectorCountKnown bool `json:"vector_count_known"`
}

type RetrievalDiagnostic struct {
	Query         string         `json:"query"`
	ExpandedQuery string         `json:"expanded_query"`
	Intent        Intent         `json:"intent"`
	DenseHits     int            `json:"dense_hits"`
	KeywordHits   int            `json:"keyword_hits"`
	Fused         int            `json:"fused"`
	Reranked      int            `json:"reranked"`
	FinalUsed     int            `json:"final_used"`
	TopPassages   []FusedResult  `json:"top_passages,omitempty"`
	Degradations  []string       `json:"degradations,omitempty"`
	Confidence    ConfidenceTier `json:"confidence"`
}

type DiagnosticFlags struct {
	VectorMismatch     bool `json:"vector_mismatch"`
	ChunkSizeIssue     bool `json:"chunk_size_issue"`
	RetrievalTooStrict bool `json:"retrieval_too_strict"`
}

type DiagnosticReport struct {
	OrganizationID string               `json:"organization_id"`
	Datasets       []DatasetDiagnostic  `json:"datasets"`
	Retrieval      *RetrievalDiagnostic `json:"retrieval,omitempty"`
	Flags          DiagnosticFlags      `json:"flags"`
	Warnings       []string             `json:"warnings,omitempty"`
	GeneratedAt    time.Time            `json:"generated_at"`
}
