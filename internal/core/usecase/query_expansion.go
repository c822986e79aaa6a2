package usecase

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/policy"
)

var (
	endpointTermRe = regexp.MustCompile(`/v\d+/[^\s?,;]+`)
	methodTermRe   = regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE)\b`)
	fieldTermRe    = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b|\b[a-z]+(?:_[a-z0-9]+)+\b`)
	actionTermRe   = regexp.MustCompile(`\b[A-Z_]+[A-Z]\b`)
	contextTermRe  = regexp.MustCompile(`\b[A-Z]+(?:_[A-Z]+){2,}\b`)
	nonWordRe      = regexp.MustCompile(`\W+`)
)

// APITerms are literal API-shaped tokens found in a query.
type APITerms struct {
	Endpoints []string
	Methods   []string
	Fields    []string
	Actions   []string
	Contexts  []string
}

func (t APITerms) Empty() bool {
	return len(t.Endpoints)+len(t.Methods)+len(t.Fields)+len(t.Actions)+len(t.Contexts) == 0
}

// Expansion is the normalized form of one raw query.
type Expansion struct {
	Original  string
	Corrected string
	Expanded  string
	Boosted   string
	// Variations are original, corrected, expanded, boosted and API-only, deduplicated in that order.
	Variations []string
	Terms      APITerms

	PreferTables  bool
	PreferKeyword bool
}

// DenseQuery is the text embedded for similarity search.
func (e Expansion) DenseQuery() string {
	if e.Corrected != "" {
		return e.Corrected
	}
	return e.Original
}

// KeywordQuery is the text scored by BM25.
func (e Expansion) KeywordQuery() string {
	if e.Boosted != "" {
		return e.Boosted
	}
	return e.Original
}

type QueryExpander struct {
	policy *policy.Policy
	logger *slog.Logger
}

func NewQueryExpander(p *policy.Policy, logger *slog.Logger) *QueryExpander {
	if p == nil {
		p = policy.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryExpander{policy: p, logger: logger}
}

// Expand never fails: any internal fault yields the original query unchanged.
func (e *QueryExpander) Expand(query string) (out Expansion) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("query_expansion_failed", "error", r)
			out = passthroughExpansion(query)
		}
	}()

	corrected := e.policy.CanonicalizeFields(e.policy.CorrectTypos(query))
	expanded := e.addSynonyms(corrected)
	terms := ExtractAPITerms(corrected)
	boosted := boostAPITerms(expanded, terms)

	variations := []string{query, corrected, expanded, boosted}
	if len(terms.Endpoints) > 0 || len(terms.Methods) > 0 {
		apiOnly := make([]string, 0, len(terms.Endpoints)+len(terms.Methods)+len(terms.Fields))
		apiOnly = append(apiOnly, terms.Endpoints...)
		apiOnly = append(apiOnly, terms.Methods...)
		apiOnly = append(apiOnly, terms.Fields...)
		variations = append(variations, strings.Join(apiOnly, " "))
	}

	return Expansion{
		Original:      query,
		Corrected:     corrected,
		Expanded:      expanded,
		Boosted:       boosted,
		Variations:    dedupeNonEmpty(variations),
		Terms:         terms,
		PreferTables:  e.policy.PrefersTables(query) || e.policy.PrefersTables(corrected),
		PreferKeyword: e.policy.PrefersKeyword(corrected),
	}
}

func passthroughExpansion(query string) Expansion {
	return Expansion{
		Original:   query,
		Corrected:  query,
		Expanded:   query,
		Boosted:    query,
		Variations: dedupeNonEmpty([]string{query}),
	}
}

// addSynonyms keeps every token in place and appends the canonical form plus
// up to two synonyms after tokens that hit the synonym table.
func (e *QueryExpander) addSynonyms(query string) string {
	words := strings.Fields(query)
	out := make([]string, 0, len(words))
	for _, word := range words {
		out = append(out, word)
		clean := nonWordRe.ReplaceAllString(word, "")
		if clean == "" {
			continue
		}
		group, ok := e.policy.Synonyms(clean)
		if !ok {
			continue
		}
		if !strings.EqualFold(group.Canonical, clean) {
			out = append(out, group.Canonical)
		}
		added := 0
		for _, variant := range group.Variants {
			if added == 2 {
				break
			}
			if strings.EqualFold(variant, clean) {
				continue
			}
			out = append(out, variant)
			added++
		}
	}
	return strings.Join(out, " ")
}

func ExtractAPITerms(query string) APITerms {
	methods := methodTermRe.FindAllString(query, -1)
	for i := range methods {
		methods[i] = strings.ToUpper(methods[i])
	}
	return APITerms{
		Endpoints: dedupeNonEmpty(endpointTermRe.FindAllString(query, -1)),
		Methods:   dedupeNonEmpty(methods),
		Fields:    dedupeNonEmpty(fieldTermRe.FindAllString(query, -1)),
		Actions:   dedupeNonEmpty(actionTermRe.FindAllString(query, -1)),
		Contexts:  dedupeNonEmpty(contextTermRe.FindAllString(query, -1)),
	}
}

func boostAPITerms(query string, terms APITerms) string {
	parts := []string{query}
	for _, endpoint := range terms.Endpoints {
		parts = append(parts, repeatTerm(endpoint, 3))
	}
	for _, method := range terms.Methods {
		parts = append(parts, repeatTerm(method, 2))
	}
	for _, field := range terms.Fields {
		parts = append(parts, repeatTerm(field, 2))
	}
	for _, ctxTerm := range terms.Contexts {
		parts = append(parts, repeatTerm(ctxTerm, 2))
	}
	return strings.Join(parts, " ")
}

func repeatTerm(term string, n int) string {
	return strings.TrimSpace(strings.Repeat(term+" ", n))
}

func dedupeNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
