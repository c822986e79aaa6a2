// Package policy holds the editable heuristics behind query expansion,
// reranking boosts and intent classification.
package policy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTablesYAML []byte

// Tables is the raw, editable form of the policy.
type Tables struct {
	Typos         map[string]string `yaml:"typos"`
	FieldPatterns []Rewrite         `yaml:"field_patterns"`
	Synonyms      []SynonymGroup    `yaml:"synonyms"`
	PreferTables  []string          `yaml:"prefer_tables"`
	PreferKeyword []string          `yaml:"prefer_keyword"`
	Signals       SignalTable       `yaml:"signal_terms"`
	ExactTerms    ExactTermTable    `yaml:"exact_terms"`
	TableHints    TableHintTable    `yaml:"tables"`
	Intents       []IntentRule      `yaml:"intents"`
}

type Rewrite struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type SynonymGroup struct {
	Canonical string   `yaml:"canonical"`
	Variants  []string `yaml:"variants"`
}

type SignalTable struct {
	Terms            []string `yaml:"terms"`
	Weight           float64  `yaml:"weight"`
	CodeFencePattern string   `yaml:"code_fence_pattern"`
	CodeFenceWeight  float64  `yaml:"code_fence_weight"`
	BrandPattern     string   `yaml:"brand_pattern"`
	BrandWeight      float64  `yaml:"brand_weight"`
	Cap              float64  `yaml:"cap"`
}

type WeightedTerm struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

type ExactTermTable struct {
	Terms []WeightedTerm `yaml:"terms"`
	Cap   float64        `yaml:"cap"`
}

type TableHintTable struct {
	QueryPattern   string  `yaml:"query_pattern"`
	ContentPattern string  `yaml:"content_pattern"`
	Bonus          float64 `yaml:"bonus"`
}

// IntentRule matches when every All pattern matches the query, no Exclude
// pattern does and, if Passages is set, at least one passage matches it.
type IntentRule struct {
	Intent   string   `yaml:"intent"`
	All      []string `yaml:"all"`
	Exclude  []string `yaml:"exclude"`
	Passages string   `yaml:"passages"`
}

func DefaultTables() (Tables, error) {
	var tables Tables
	if err := yaml.Unmarshal(defaultTablesYAML, &tables); err != nil {
		return Tables{}, fmt.Errorf("decode default policy tables: %w", err)
	}
	return tables, nil
}

// Load compiles the embedded defaults, overlaid with the YAML file at path when given.
func Load(path string) (*Policy, error) {
	tables, err := DefaultTables()
	if err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &tables); err != nil {
			return nil, fmt.Errorf("decode policy file %s: %w", path, err)
		}
	}
	return Compile(tables)
}

// Default returns the compiled embedded policy and panics if it is invalid.
func Default() *Policy {
	p, err := Load("")
	if err != nil {
		panic(err)
	}
	return p
}
