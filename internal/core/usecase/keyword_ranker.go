package usecase

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const (
	DefaultBM25K1 = 1.5
	DefaultBM25B  = 0.75
)

var bm25StripRe = regexp.MustCompile(`[^a-z0-9\s-]`)

type BM25Params struct {
	K1 float64
	B  float64
}

func (p BM25Params) normalize() BM25Params {
	if p.K1 <= 0 {
		p.K1 = DefaultBM25K1
	}
	if p.B < 0 || p.B > 1 {
		p.B = DefaultBM25B
	}
	return p
}

type indexedPassage struct {
	passage domain.Passage
	tf      map[string]int
	length  int
}

// KeywordRanker is an immutable BM25 index over a fixed passage set.
type KeywordRanker struct {
	params BM25Params
	docs   []indexedPassage
	idf    map[string]float64
	avgdl  float64
}

func NewKeywordRanker(passages []domain.Passage, params BM25Params) *KeywordRanker {
	params = params.normalize()
	r := &KeywordRanker{
		params: params,
		docs:   make([]indexedPassage, 0, len(passages)),
		idf:    make(map[string]float64),
	}

	df := make(map[string]int)
	totalLength := 0
	for _, p := range passages {
		terms := TokenizeBM25(p.Content)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		totalLength += len(terms)
		r.docs = append(r.docs, indexedPassage{passage: p, tf: tf, length: len(terms)})
	}

	n := float64(len(r.docs))
	if len(r.docs) > 0 {
		r.avgdl = float64(totalLength) / n
	}
	for term, freq := range df {
		f := float64(freq)
		r.idf[term] = math.Log((n-f+0.5)/(f+0.5) + 1)
	}
	return r
}

func (r *KeywordRanker) Size() int {
	return len(r.docs)
}

// Rank returns up to topK passages with at least one matching term, best first.
// Repeated query terms count repeatedly, which is how boosted queries weigh terms.
func (r *KeywordRanker) Rank(query string, topK int) []domain.KeywordHit {
	queryTerms := TokenizeBM25(query)
	if len(queryTerms) == 0 || len(r.docs) == 0 || topK <= 0 {
		return nil
	}

	hits := make([]domain.KeywordHit, 0)
	for _, doc := range r.docs {
		score, matches := r.score(doc, queryTerms)
		if len(matches) == 0 {
			continue
		}
		hits = append(hits, domain.KeywordHit{
			Passage:      doc.passage,
			Score:        score,
			MatchedTerms: matches,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Passage.ID < hits[j].Passage.ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (r *KeywordRanker) score(doc indexedPassage, queryTerms []string) (float64, []string) {
	k1, b := r.params.K1, r.params.B
	lengthNorm := 1.0
	if r.avgdl > 0 {
		lengthNorm = 1 - b + b*(float64(doc.length)/r.avgdl)
	}

	score := 0.0
	matched := make([]string, 0, len(queryTerms))
	seen := make(map[string]struct{}, len(queryTerms))
	for _, term := range queryTerms {
		tf := doc.tf[term]
		if tf == 0 {
			continue
		}
		if _, ok := seen[term]; !ok {
			seen[term] = struct{}{}
			matched = append(matched, term)
		}
		f := float64(tf)
		score += r.idf[term] * (f * (k1 + 1)) / (f + k1*lengthNorm)
	}
	return score, matched
}

// TokenizeBM25 lowercases, keeps alphanumerics and hyphens, and drops tokens of two characters or fewer.
func TokenizeBM25(text string) []string {
	cleaned := bm25StripRe.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(cleaned)
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
