package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

// Policy is the compiled, immutable form of Tables. It is safe for concurrent use.
type Policy struct {
	typos         []rewriteRule
	fieldRewrites []rewriteRule

	synonyms     []SynonymGroup
	synonymIndex map[string]int

	preferTables  []*regexp.Regexp
	preferKeyword []*regexp.Regexp

	signalTerms     []string
	signalWeight    float64
	codeFence       *regexp.Regexp
	codeFenceWeight float64
	brand           *regexp.Regexp
	brandWeight     float64
	signalCap       float64

	exactTerms []WeightedTerm
	exactCap   float64

	tableQuery   *regexp.Regexp
	tableContent *regexp.Regexp
	tableBonus   float64

	intents []intentRule
}

type rewriteRule struct {
	pattern     *regexp.Regexp
	replacement string
}

type intentRule struct {
	intent   domain.Intent
	all      []*regexp.Regexp
	exclude  []*regexp.Regexp
	passages *regexp.Regexp
}

func Compile(t Tables) (*Policy, error) {
	p := &Policy{
		synonymIndex:    make(map[string]int),
		signalWeight:    t.Signals.Weight,
		codeFenceWeight: t.Signals.CodeFenceWeight,
		brandWeight:     t.Signals.BrandWeight,
		signalCap:       t.Signals.Cap,
		exactCap:        t.ExactTerms.Cap,
		tableBonus:      t.TableHints.Bonus,
	}

	typoKeys := make([]string, 0, len(t.Typos))
	for typo := range t.Typos {
		typoKeys = append(typoKeys, typo)
	}
	sort.Strings(typoKeys)
	for _, typo := range typoKeys {
		word := strings.TrimSpace(typo)
		if word == "" {
			continue
		}
		p.typos = append(p.typos, rewriteRule{
			pattern:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`),
			replacement: t.Typos[typo],
		})
	}

	for i, rw := range t.FieldPatterns {
		re, err := regexp.Compile(rw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field_patterns[%d]: %w", i, err)
		}
		p.fieldRewrites = append(p.fieldRewrites, rewriteRule{pattern: re, replacement: rw.Replacement})
	}

	for i, group := range t.Synonyms {
		if strings.TrimSpace(group.Canonical) == "" {
			return nil, fmt.Errorf("synonyms[%d]: canonical term is required", i)
		}
		p.synonyms = append(p.synonyms, group)
		for _, word := range append([]string{group.Canonical}, group.Variants...) {
			key := strings.ToLower(word)
			if _, exists := p.synonymIndex[key]; !exists {
				p.synonymIndex[key] = len(p.synonyms) - 1
			}
		}
	}

	var err error
	if p.preferTables, err = compileAll("prefer_tables", t.PreferTables); err != nil {
		return nil, err
	}
	if p.preferKeyword, err = compileAll("prefer_keyword", t.PreferKeyword); err != nil {
		return nil, err
	}

	for _, term := range t.Signals.Terms {
		if term != "" {
			p.signalTerms = append(p.signalTerms, strings.ToLower(term))
		}
	}
	if p.codeFence, err = compileOptional("signal_terms.code_fence_pattern", t.Signals.CodeFencePattern); err != nil {
		return nil, err
	}
	if p.brand, err = compileOptional("signal_terms.brand_pattern", t.Signals.BrandPattern); err != nil {
		return nil, err
	}

	for _, term := range t.ExactTerms.Terms {
		if strings.TrimSpace(term.Term) == "" {
			continue
		}
		p.exactTerms = append(p.exactTerms, WeightedTerm{Term: strings.ToLower(term.Term), Weight: term.Weight})
	}

	if p.tableQuery, err = compileOptional("tables.query_pattern", t.TableHints.QueryPattern); err != nil {
		return nil, err
	}
	if p.tableContent, err = compileOptional("tables.content_pattern", t.TableHints.ContentPattern); err != nil {
		return nil, err
	}

	for i, rule := range t.Intents {
		intent, ok := domain.ParseIntent(rule.Intent)
		if !ok {
			return nil, fmt.Errorf("intents[%d]: unknown intent %q", i, rule.Intent)
		}
		if len(rule.All) == 0 {
			return nil, fmt.Errorf("intents[%d]: at least one pattern is required", i)
		}
		compiled := intentRule{intent: intent}
		if compiled.all, err = compileAll(fmt.Sprintf("intents[%d].all", i), rule.All); err != nil {
			return nil, err
		}
		if compiled.exclude, err = compileAll(fmt.Sprintf("intents[%d].exclude", i), rule.Exclude); err != nil {
			return nil, err
		}
		if compiled.passages, err = compileOptional(fmt.Sprintf("intents[%d].passages", i), rule.Passages); err != nil {
			return nil, err
		}
		p.intents = append(p.intents, compiled)
	}

	return p, nil
}

func compileAll(section string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func compileOptional(section, pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", section, err)
	}
	return re, nil
}

// CorrectTypos applies whole-word phonetic substitutions.
func (p *Policy) CorrectTypos(text string) string {
	for _, rule := range p.typos {
		text = rule.pattern.ReplaceAllLiteralString(text, rule.replacement)
	}
	return text
}

// CanonicalizeFields rewrites spaced or underscored identifier variants to canonical form.
func (p *Policy) CanonicalizeFields(text string) string {
	for _, rule := range p.fieldRewrites {
		text = rule.pattern.ReplaceAllLiteralString(text, rule.replacement)
	}
	return text
}

// Synonyms looks up a cleaned token against canonical forms and variants, case-insensitively.
func (p *Policy) Synonyms(word string) (SynonymGroup, bool) {
	idx, ok := p.synonymIndex[strings.ToLower(word)]
	if !ok {
		return SynonymGroup{}, false
	}
	return p.synonyms[idx], true
}

func (p *Policy) PrefersTables(query string) bool {
	return anyMatch(p.preferTables, query)
}

func (p *Policy) PrefersKeyword(query string) bool {
	return anyMatch(p.preferKeyword, query)
}

// HasSignalTerm reports whether content mentions any domain-signal keyword.
func (p *Policy) HasSignalTerm(content string) bool {
	lower := strings.ToLower(content)
	for _, term := range p.signalTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func (p *Policy) SignalBoost(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.0
	for _, term := range p.signalTerms {
		if strings.Contains(lower, term) {
			score += p.signalWeight
		}
	}
	if p.codeFence != nil && p.codeFence.MatchString(content) {
		score += p.codeFenceWeight
	}
	if p.brand != nil && p.brand.MatchString(content) {
		score += p.brandWeight
	}
	return capAt(score, p.signalCap)
}

// ExactTermBoost adds each curated term present in both query and content.
func (p *Policy) ExactTermBoost(query, content string) float64 {
	lowerQuery := strings.ToLower(query)
	lowerContent := strings.ToLower(content)
	boost := 0.0
	for _, term := range p.exactTerms {
		if strings.Contains(lowerQuery, term.Term) && strings.Contains(lowerContent, term.Term) {
			boost += term.Weight
		}
	}
	return capAt(boost, p.exactCap)
}

func (p *Policy) IsTableQuery(query string) bool {
	return p.tableQuery != nil && p.tableQuery.MatchString(query)
}

func (p *Policy) HasTableVocabulary(content string) bool {
	return p.tableContent != nil && p.tableContent.MatchString(content)
}

func (p *Policy) TableBonus() float64 {
	return p.tableBonus
}

// MatchIntent returns the first rule's intent matching the query and passage contents.
func (p *Policy) MatchIntent(query string, passages []string) (domain.Intent, bool) {
	for _, rule := range p.intents {
		if !allMatch(rule.all, query) || anyMatch(rule.exclude, query) {
			continue
		}
		if rule.passages != nil && !anyMatch([]*regexp.Regexp{rule.passages}, passages...) {
			continue
		}
		return rule.intent, true
	}
	return domain.IntentDefault, false
}

func anyMatch(patterns []*regexp.Regexp, texts ...string) bool {
	for _, re := range patterns {
		for _, text := range texts {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func allMatch(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if !re.MatchString(text) {
			return false
		}
	}
	return true
}

func capAt(v, limit float64) float64 {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
