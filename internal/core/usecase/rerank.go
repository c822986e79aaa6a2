package usecase

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/policy"
)

const (
	DefaultRerankLimit = 4

	junkMinChars       = 80
	junkMinPrintable   = 0.55
	junkMinLetterRatio = 0.20
	dedupePrefixRunes  = 100
	maxWordOverlap     = 3.0
)

var (
	overlapSplitRe = regexp.MustCompile(`[^a-z0-9]+`)
	alignedLineRe  = regexp.MustCompile(`\s{4,}`)
)

// ResultReranker prunes junk, deduplicates, rescores and diversifies a fused pool.
type ResultReranker struct {
	policy *policy.Policy
}

func NewResultReranker(p *policy.Policy) *ResultReranker {
	if p == nil {
		p = policy.Default()
	}
	return &ResultReranker{policy: p}
}

type scoredCandidate struct {
	result domain.FusedResult
	score  float64
}

// Rerank applies junk filter, dedupe, scoring and per-document diversity, in that order.
func (r *ResultReranker) Rerank(query string, pool []domain.FusedResult, limit int, preferTables bool) []domain.RankedPassage {
	if limit <= 0 {
		limit = DefaultRerankLimit
	}

	cleaned := make([]domain.FusedResult, 0, len(pool))
	for _, candidate := range pool {
		if r.isJunk(candidate.Passage.Content) {
			continue
		}
		cleaned = append(cleaned, candidate)
	}

	seen := make(map[string]struct{}, len(cleaned))
	deduped := cleaned[:0:0]
	for _, candidate := range cleaned {
		key := dedupeKey(candidate.Passage)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, candidate)
	}

	tableQuery := preferTables || r.policy.IsTableQuery(query)
	scored := make([]scoredCandidate, 0, len(deduped))
	for _, candidate := range deduped {
		content := candidate.Passage.Content
		score := wordOverlapScore(query, content) +
			r.policy.SignalBoost(content) +
			r.policy.ExactTermBoost(query, content)
		if tableQuery && r.looksTableLike(content) {
			score += r.policy.TableBonus()
		}
		scored = append(scored, scoredCandidate{result: candidate, score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].result.FusedScore > scored[j].result.FusedScore
	})

	return diversify(scored, limit)
}

func diversify(scored []scoredCandidate, limit int) []domain.RankedPassage {
	maxPerDocument := int(math.Ceil(float64(limit) / 2))
	picked := make([]bool, len(scored))
	positions := make(map[string]struct{}, limit)
	perDocument := make(map[string]int)
	out := make([]domain.RankedPassage, 0, limit)

	take := func(i int) {
		picked[i] = true
		positions[positionKey(scored[i].result.Passage)] = struct{}{}
		perDocument[documentKey(scored[i].result.Passage)]++
		out = append(out, domain.RankedPassage{FusedResult: scored[i].result, RerankScore: scored[i].score})
	}
	available := func(i int) bool {
		if picked[i] {
			return false
		}
		_, dup := positions[positionKey(scored[i].result.Passage)]
		return !dup
	}

	for i := range scored {
		if len(out) >= limit {
			return out
		}
		if !available(i) || perDocument[documentKey(scored[i].result.Passage)] >= maxPerDocument {
			continue
		}
		take(i)
	}
	for i := range scored {
		if len(out) >= limit {
			break
		}
		if available(i) {
			take(i)
		}
	}
	return out
}

func (r *ResultReranker) isJunk(content string) bool {
	total := utf8.RuneCountInString(content)
	if total < junkMinChars {
		return true
	}
	printable, letters := 0, 0
	for _, c := range content {
		if c >= 32 && c <= 126 {
			printable++
		}
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			letters++
		}
	}
	if float64(printable)/float64(total) < junkMinPrintable {
		return true
	}
	return float64(letters)/float64(total) < junkMinLetterRatio && !r.policy.HasSignalTerm(content)
}

func (r *ResultReranker) looksTableLike(content string) bool {
	if r.policy.HasTableVocabulary(content) {
		return true
	}
	lines := strings.Split(content, "\n")
	pipeLines, alignedLines := 0, 0
	for _, line := range lines {
		if strings.Contains(line, "|") {
			pipeLines++
		}
		if alignedLineRe.MatchString(line) {
			alignedLines++
		}
	}
	n := float64(len(lines))
	return float64(pipeLines)/n > 0.3 || float64(alignedLines)/n > 0.4
}

func wordOverlapScore(query, content string) float64 {
	queryWords := wordSet(query)
	contentWords := wordSet(content)
	if len(queryWords) == 0 || len(contentWords) == 0 {
		return 0
	}
	overlap := 0
	for w := range queryWords {
		if _, ok := contentWords[w]; ok {
			overlap++
		}
	}
	score := float64(overlap) / math.Max(1, math.Sqrt(float64(len(contentWords)))) * 3
	return math.Min(maxWordOverlap, score)
}

func wordSet(text string) map[string]struct{} {
	parts := overlapSplitRe.Split(strings.ToLower(text), -1)
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

func dedupeKey(p domain.Passage) string {
	prefix := p.Content
	if utf8.RuneCountInString(prefix) > dedupePrefixRunes {
		prefix = string([]rune(prefix)[:dedupePrefixRunes])
	}
	return positionKey(p) + "|" + prefix
}

func positionKey(p domain.Passage) string {
	return p.DocumentTitle + "|" + strconv.Itoa(p.Ordinal)
}

func documentKey(p domain.Passage) string {
	if p.DocumentID != "" {
		return p.DocumentID
	}
	return p.DocumentTitle
}
