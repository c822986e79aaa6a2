package usecase

import (
	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/policy"
)

// IntentClassifier maps a query, and optionally the shape of its passages, to one intent.
type IntentClassifier struct {
	policy *policy.Policy
}

func NewIntentClassifier(p *policy.Policy) *IntentClassifier {
	if p == nil {
		p = policy.Default()
	}
	return &IntentClassifier{policy: p}
}

func (c *IntentClassifier) Classify(query string, passages []domain.RankedPassage) domain.Intent {
	contents := make([]string, 0, len(passages))
	for _, p := range passages {
		contents = append(contents, p.Passage.Content)
	}
	intent, _ := c.policy.MatchIntent(query, contents)
	return intent
}
