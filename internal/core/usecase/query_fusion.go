package usecase

import (
	"sort"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const (
	DefaultRRFK          = 60
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
)

type FusionWeights struct {
	RRFK          int
	VectorWeight  float64
	KeywordWeight float64
}

func (w FusionWeights) normalize() FusionWeights {
	if w.RRFK <= 0 {
		w.RRFK = DefaultRRFK
	}
	if w.VectorWeight <= 0 && w.KeywordWeight <= 0 {
		w.VectorWeight = DefaultVectorWeight
		w.KeywordWeight = DefaultKeywordWeight
	}
	return w
}

type denseCandidate struct {
	passage domain.Passage
	score   float64
}

// fuseRRF scores the union of both lists with weighted reciprocal rank fusion.
// Ranks are 1-based; absence from a list contributes nothing from that list.
func fuseRRF(dense []denseCandidate, keyword []domain.KeywordHit, weights FusionWeights) []domain.FusedResult {
	weights = weights.normalize()
	k := float64(weights.RRFK)

	acc := make(map[string]*domain.FusedResult, len(dense)+len(keyword))
	order := make([]string, 0, len(dense)+len(keyword))
	entry := func(p domain.Passage) *domain.FusedResult {
		if existing, ok := acc[p.ID]; ok {
			existing.Passage = preferRicherPassage(existing.Passage, p)
			return existing
		}
		fused := &domain.FusedResult{Passage: p}
		acc[p.ID] = fused
		order = append(order, p.ID)
		return fused
	}

	for i, c := range dense {
		fused := entry(c.passage)
		if fused.DenseRank != 0 {
			continue
		}
		fused.DenseRank = i + 1
		fused.DenseScore = c.score
		fused.FusedScore += weights.VectorWeight / (k + float64(i+1))
	}
	for i, hit := range keyword {
		fused := entry(hit.Passage)
		if fused.KeywordRank != 0 {
			continue
		}
		fused.KeywordRank = i + 1
		fused.KeywordScore = hit.Score
		fused.MatchedTerms = hit.MatchedTerms
		fused.FusedScore += weights.KeywordWeight / (k + float64(i+1))
	}

	out := make([]domain.FusedResult, 0, len(order))
	for _, id := range order {
		out = append(out, *acc[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if out[i].Passage.DocumentID != out[j].Passage.DocumentID {
			return out[i].Passage.DocumentID < out[j].Passage.DocumentID
		}
		if out[i].Passage.Ordinal != out[j].Passage.Ordinal {
			return out[i].Passage.Ordinal < out[j].Passage.Ordinal
		}
		return out[i].Passage.ID < out[j].Passage.ID
	})
	return out
}

// filterByMinScore drops dense candidates below a similarity threshold. RRF scores are
// rank-derived and not comparable to a threshold, so filtering happens before fusion.
func filterByMinScore(dense []denseCandidate, minScore float64) []denseCandidate {
	if minScore <= 0 {
		return dense
	}
	out := dense[:0:0]
	for _, c := range dense {
		if c.score >= minScore {
			out = append(out, c)
		}
	}
	return out
}

func preferRicherPassage(current, candidate domain.Passage) domain.Passage {
	if current.Content == "" && candidate.Content != "" {
		current.Content = candidate.Content
	}
	if current.DocumentTitle == "" && candidate.DocumentTitle != "" {
		current.DocumentTitle = candidate.DocumentTitle
	}
	if current.DocumentID == "" && candidate.DocumentID != "" {
		current.DocumentID = candidate.DocumentID
	}
	if current.SectionPath == "" && candidate.SectionPath != "" {
		current.SectionPath = candidate.SectionPath
	}
	if current.Page == 0 && candidate.Page != 0 {
		current.Page = candidate.Page
	}
	return current
}
