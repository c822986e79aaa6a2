package domain

import (
	"fmt"
	"strings"
)

type SessionContext struct {
	UserIdentifier string `json:"user_identifier"`
	SessionID      string `json:"session_id,omitempty"`
}

type AnswerRequest struct {
	Query   string         `json:"query"`
	Scope   Scope          `json:"scope"`
	Session SessionContext `json:"session"`
}

const maxQueryChars = 4000

func (r AnswerRequest) Validate() error {
	query := strings.TrimSpace(r.Query)
	if query == "" {
		return WrapError(ErrInvalidInput, "validate answer request", fmt.Errorf("query is required"))
	}
	if len(query) > maxQueryChars {
		return WrapError(ErrInvalidInput, "validate answer request", fmt.Errorf("query exceeds %d characters", maxQueryChars))
	}
	if strings.TrimSpace(r.Session.UserIdentifier) == "" {
		return WrapError(ErrInvalidInput, "validate answer request", fmt.Errorf("user identifier is required"))
	}
	return r.Scope.Validate()
}

type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

type Citation struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	Page        int    `json:"page,omitempty"`
	SectionPath string `json:"section_path,omitempty"`
}

type TimingBreakdown struct {
	ExpandMS   float64 `json:"expand_ms"`
	RetrieveMS float64 `json:"retrieve_ms"`
	RerankMS   float64 `json:"rerank_ms"`
	GenerateMS float64 `json:"generate_ms"`
	TotalMS    float64 `json:"total_ms"`
}

type AnswerResult struct {
	Answer         string          `json:"answer"`
	Intent         Intent          `json:"intent"`
	CitedDocuments []Citation      `json:"cited_documents"`
	ConfidenceTier ConfidenceTier  `json:"confidence_tier"`
	Timing         TimingBreakdown `json:"timing"`
	SessionID      string          `json:"session_id,omitempty"`
	CacheHit       bool            `json:"cache_hit"`
	Degradations   []string        `json:"degradations,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}
