package usecase

import (
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

// ConfidenceTier buckets how well the final passages support an answer.
func ConfidenceTier(passages []domain.RankedPassage) domain.ConfidenceTier {
	if len(passages) == 0 {
		return domain.ConfidenceLow
	}

	score := 0.0
	top := passages[0].DenseScore
	switch {
	case top > 0.8:
		score += 0.4
	case top > 0.5:
		score += 0.2
	}
	if len(passages) > 1 && top-passages[1].DenseScore < 0.1 {
		score -= 0.1
	}

	matched := 0
	sections := map[string]struct{}{}
	documents := map[string]struct{}{}
	for _, p := range passages {
		matched += len(p.MatchedTerms)
		if section := strings.TrimSpace(p.Passage.SectionPath); section != "" {
			sections[section] = struct{}{}
		}
		documents[documentKey(p.Passage)] = struct{}{}
	}
	if float64(matched)/float64(len(passages)) >= 2 {
		score += 0.2
	}
	if len(sections) >= 3 {
		score += 0.1
	}
	if len(documents) > 1 {
		score += 0.1
	}

	switch {
	case score >= 0.7:
		return domain.ConfidenceHigh
	case score >= 0.4:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// Citations lists each cited document once, in passage order.
func Citations(passages []domain.RankedPassage) []domain.Citation {
	seen := make(map[string]struct{}, len(passages))
	out := make([]domain.Citation, 0, len(passages))
	for _, p := range passages {
		key := documentKey(p.Passage)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.Citation{
			DocumentID:  p.Passage.DocumentID,
			Title:       p.Passage.DocumentTitle,
			Page:        p.Passage.Page,
			SectionPath: p.Passage.SectionPath,
		})
	}
	return out
}
