package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecordAnswerExportsIntentCacheAndDegradations(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordAnswer(&domain.AnswerResult{
		Intent:         domain.IntentEndpoint,
		ConfidenceTier: domain.ConfidenceMedium,
		CacheHit:       true,
		Degradations:   []string{domain.DegradedDense},
		Timing:         domain.TimingBreakdown{ExpandMS: 1, GenerateMS: 200, TotalMS: 210},
	})
	m.RecordAnswer(nil)

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`gqa_rag_answers_total{confidence="medium",intent="ENDPOINT",service="api"} 1`,
		`gqa_rag_cache_lookups_total{result="hit",service="api"} 1`,
		`gqa_rag_degradations_total{reason="dense_unavailable",service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
	if strings.Contains(body, `stage="retrieve"`) {
		t.Fatalf("expected no retrieve stage sample on cache hit")
	}
}

func TestMiddlewareNormalizesDatasetPath(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/datasets/ds-9/invalidate", nil))

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `path="/v1/datasets/{dataset_id}/invalidate"`) || !strings.Contains(body, `status="202"`) {
		t.Fatalf("expected normalized path and status, got:\n%s", body)
	}
}

func TestObserveBreakerState(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.ObserveBreakerState("ollama.chat", gobreaker.StateClosed, gobreaker.StateOpen)

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `gqa_resilience_circuit_breaker_state{operation="ollama.chat",service="api"} 2`) {
		t.Fatalf("expected open breaker gauge, got:\n%s", body)
	}
}

func TestWorkerCleanupMetrics(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartCleanup()
	m.FinishCleanup(20*time.Millisecond, 4, nil)
	m.StartCleanup()
	m.FinishCleanup(time.Millisecond, 0, errors.New("db down"))

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`gqa_worker_sessions_deleted_total{service="worker"} 4`,
		`gqa_worker_conversation_cleanup_total{service="worker",status="error"} 1`,
		`gqa_worker_conversation_cleanup_in_flight{service="worker"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
