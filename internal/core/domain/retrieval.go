package domain

import "time"

// RetrievalOptions are every knob that changes the shape of a retrieval result.
type RetrievalOptions struct {
	TopK          int     `json:"top_k"`
	CandidateK    int     `json:"candidate_k"`
	RRFK          int     `json:"rrf_k"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
	PreferTables  bool    `json:"prefer_tables"`
}

// KeyMaterial lists every option by name; map keys marshal sorted.
func (o RetrievalOptions) KeyMaterial() map[string]any {
	return map[string]any{
		"top_k":          o.TopK,
		"candidate_k":    o.CandidateK,
		"rrf_k":          o.RRFK,
		"vector_weight":  o.VectorWeight,
		"keyword_weight": o.KeywordWeight,
		"min_score":      o.MinScore,
		"prefer_tables":  o.PreferTables,
	}
}

const (
	DegradedDense      = "dense_unavailable"
	DegradedKeyword    = "keyword_unavailable"
	DegradedGeneration = "generation_unavailable"
	DegradedMemory     = "memory_unavailable"
	DegradedCache      = "cache_unavailable"
)

// RetrievalResult is the fused and reranked output of one retrieval.
type RetrievalResult struct {
	Passages     []RankedPassage `json:"passages"`
	DenseCount   int             `json:"dense_count"`
	KeywordCount int             `json:"keyword_count"`
	FusedCount   int             `json:"fused_count"`
	Degradations []string        `json:"degradations,omitempty"`
}

func (r RetrievalResult) Degraded() bool {
	return len(r.Degradations) > 0
}

type CacheEntry struct {
	Result   RetrievalResult `json:"result"`
	StoredAt time.Time       `json:"stored_at"`
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}
