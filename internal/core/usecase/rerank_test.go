package usecase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

func prose(topic string) string {
	return fmt.Sprintf("This section explains %s in detail so that integrators understand the expected behaviour and the configuration involved.", topic)
}

func candidate(id, docID, title string, ordinal int, content string, fused float64) domain.FusedResult {
	return domain.FusedResult{
		Passage: domain.Passage{
			ID:            id,
			DocumentID:    docID,
			DocumentTitle: title,
			Ordinal:       ordinal,
			Content:       content,
		},
		FusedScore: fused,
	}
}

func TestRerankDropsJunkButKeepsShortTechnicalSnippets(t *testing.T) {
	reranker := NewResultReranker(nil)
	numeric := strings.Repeat("1234 5678 | ", 8)
	pool := []domain.FusedResult{
		candidate("short", "d1", "A", 0, "too short", 0.1),
		candidate("binary", "d1", "A", 1, strings.Repeat("\x00\x01\x02ab", 30), 0.1),
		candidate("numbers", "d1", "A", 2, numeric, 0.1),
		candidate("gradle", "d2", "B", 0, "gradle "+numeric, 0.1),
		candidate("prose", "d3", "C", 0, prose("webhooks"), 0.1),
	}

	out := reranker.Rerank("webhooks", pool, 10, false)
	ids := map[string]bool{}
	for _, p := range out {
		ids[p.Passage.ID] = true
	}
	if ids["short"] || ids["binary"] || ids["numbers"] {
		t.Fatalf("expected junk removed, got %v", ids)
	}
	if !ids["gradle"] || !ids["prose"] {
		t.Fatalf("expected signal snippet and prose kept, got %v", ids)
	}
}

func TestRerankNeverReturnsDuplicatePositions(t *testing.T) {
	reranker := NewResultReranker(nil)
	pool := []domain.FusedResult{
		candidate("a", "d1", "Guide", 3, prose("callbacks"), 0.3),
		candidate("b", "d1", "Guide", 3, prose("callbacks"), 0.2),
		candidate("c", "d1", "Guide", 3, prose("redirects differently"), 0.1),
		candidate("d", "d2", "Other", 1, prose("tokens"), 0.1),
	}

	out := reranker.Rerank("callbacks", pool, 4, false)
	seen := map[string]bool{}
	for _, p := range out {
		key := fmt.Sprintf("%s|%d", p.Passage.DocumentTitle, p.Passage.Ordinal)
		if seen[key] {
			t.Fatalf("duplicate title/ordinal %s in %v", key, out)
		}
		seen[key] = true
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 distinct positions, got %d", len(out))
	}
}

func TestRerankCapsPerDocumentThenBackfills(t *testing.T) {
	reranker := NewResultReranker(nil)
	var pool []domain.FusedResult
	for i := 0; i < 4; i++ {
		pool = append(pool, candidate(fmt.Sprintf("a%d", i), "doc-a", "A", i, prose("merchant onboarding callback flow"), 0.5))
	}
	pool = append(pool,
		candidate("b0", "doc-b", "B", 0, prose("unrelated billing"), 0.1),
		candidate("b1", "doc-b", "B", 1, prose("unrelated invoices"), 0.1),
	)

	out := reranker.Rerank("merchant onboarding callback", pool, 4, false)
	if len(out) != 4 {
		t.Fatalf("expected limit of 4, got %d", len(out))
	}
	perDoc := map[string]int{}
	for _, p := range out {
		perDoc[p.Passage.DocumentID]++
	}
	if perDoc["doc-a"] != 2 || perDoc["doc-b"] != 2 {
		t.Fatalf("expected 2 passages per document, got %v", perDoc)
	}

	single := reranker.Rerank("merchant onboarding callback", pool[:4], 4, false)
	if len(single) != 4 {
		t.Fatalf("expected backfill to reach limit, got %d", len(single))
	}
}

func TestRerankExactTermBoostPromotesNamedFacts(t *testing.T) {
	reranker := NewResultReranker(nil)
	pool := []domain.FusedResult{
		candidate("plain", "d1", "A", 0, prose("general redirect handling"), 0.9),
		candidate("named", "d2", "B", 0, prose("the callback parameter"), 0.1),
	}

	out := reranker.Rerank("where is the callback configured", pool, 2, false)
	if out[0].Passage.ID != "named" {
		t.Fatalf("expected exact term passage first, got %s", out[0].Passage.ID)
	}
	if out[0].RerankScore <= out[1].RerankScore {
		t.Fatalf("expected higher rerank score for exact term match")
	}
}

func TestRerankTableBonusForTabularQueries(t *testing.T) {
	reranker := NewResultReranker(nil)
	table := "| code | meaning |\n| --- | --- |\n| 100 | accepted request for processing |\n| 200 | rejected by the upstream provider |"
	pool := []domain.FusedResult{
		candidate("prose", "d1", "A", 0, prose("codes"), 0.5),
		candidate("table", "d2", "B", 0, table, 0.1),
	}

	withHint := reranker.Rerank("codes", pool, 2, true)
	withoutHint := reranker.Rerank("codes", pool, 2, false)
	score := func(out []domain.RankedPassage, id string) float64 {
		for _, p := range out {
			if p.Passage.ID == id {
				return p.RerankScore
			}
		}
		return -1
	}
	if score(withHint, "table")-score(withoutHint, "table") < 0.049 {
		t.Fatalf("expected table bonus applied with table preference")
	}
}

func TestRerankRespectsLimit(t *testing.T) {
	reranker := NewResultReranker(nil)
	var pool []domain.FusedResult
	for i := 0; i < 10; i++ {
		pool = append(pool, candidate(fmt.Sprintf("p%d", i), fmt.Sprintf("d%d", i), fmt.Sprintf("T%d", i), 0, prose("topic"), 0.1))
	}
	if out := reranker.Rerank("topic", pool, 3, false); len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out := reranker.Rerank("topic", pool, 0, false); len(out) != DefaultRerankLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultRerankLimit, len(out))
	}
}
