package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Passage is a read-only unit of retrievable text produced by ingestion.
type Passage struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	DocumentTitle string          `json:"document_title"`
	Content       string          `json:"content"`
	Ordinal       int             `json:"ordinal"`
	Page          int             `json:"page,omitempty"`
	SectionPath   string          `json:"section_path,omitempty"`
	Metadata      PassageMetadata `json:"metadata"`
}

type PassageMetadata struct {
	ElementType string `json:"element_type,omitempty"`
	HasVerbatim bool   `json:"has_verbatim,omitempty"`
}

type RankSource string

const (
	SourceDense   RankSource = "dense"
	SourceKeyword RankSource = "keyword"
)

// Scope restricts retrieval to one organization and a set of datasets.
type Scope struct {
	OrganizationID string   `json:"organization_id"`
	DatasetIDs     []string `json:"dataset_ids"`
}

// Normalized returns a copy with trimmed, deduplicated and sorted dataset ids.
func (s Scope) Normalized() Scope {
	seen := make(map[string]struct{}, len(s.DatasetIDs))
	ids := make([]string, 0, len(s.DatasetIDs))
	for _, id := range s.DatasetIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Scope{
		OrganizationID: strings.TrimSpace(s.OrganizationID),
		DatasetIDs:     ids,
	}
}

func (s Scope) Validate() error {
	if strings.TrimSpace(s.OrganizationID) == "" {
		return WrapError(ErrInvalidInput, "validate scope", fmt.Errorf("organization id is required"))
	}
	ids := s.Normalized().DatasetIDs
	if len(ids) == 0 {
		return WrapError(ErrInvalidInput, "validate scope", fmt.Errorf("at least one dataset id is required"))
	}
	for _, id := range ids {
		if strings.Contains(id, ",") {
			return WrapError(ErrInvalidInput, "validate scope", fmt.Errorf("dataset id %q must not contain a comma", id))
		}
	}
	return nil
}

// Key is a stable identifier of the normalized scope. Ids are quoted, so
// ["a,b"] and ["a", "b"] never share a key.
func (s Scope) Key() string {
	n := s.Normalized()
	var b strings.Builder
	b.WriteString(strconv.Quote(n.OrganizationID))
	for _, id := range n.DatasetIDs {
		b.WriteByte(':')
		b.WriteString(strconv.Quote(id))
	}
	return b.String()
}

func (s Scope) Covers(datasetID string) bool {
	for _, id := range s.DatasetIDs {
		if id == datasetID {
			return true
		}
	}
	return false
}

type VectorHit struct {
	PassageID string  `json:"passage_id"`
	Score     float64 `json:"score"`
}

// KeywordHit is a BM25 match carrying the query terms found in the passage.
type KeywordHit struct {
	Passage      Passage  `json:"passage"`
	Score        float64  `json:"score"`
	MatchedTerms []string `json:"matched_terms"`
}

// FusedResult keeps both per-source scores next to the fused score.
// A zero rank means the passage was absent from that source.
type FusedResult struct {
	Passage      Passage  `json:"passage"`
	DenseScore   float64  `json:"dense_score"`
	DenseRank    int      `json:"dense_rank"`
	KeywordScore float64  `json:"keyword_score"`
	KeywordRank  int      `json:"keyword_rank"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
	FusedScore   float64  `json:"fused_score"`
}

func (f FusedResult) Sources() []RankSource {
	out := make([]RankSource, 0, 2)
	if f.DenseRank > 0 {
		out = append(out, SourceDense)
	}
	if f.KeywordRank > 0 {
		out = append(out, SourceKeyword)
	}
	return out
}

type RankedPassage struct {
	FusedResult
	RerankScore float64 `json:"rerank_score"`
}
