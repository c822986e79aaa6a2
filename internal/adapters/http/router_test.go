package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/grounded-qa/internal/config"
	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/observability/metrics"
)

type answererFake struct {
	result *domain.AnswerResult
	err    error
	last   domain.AnswerRequest
}

func (f *answererFake) AnswerQuery(_ context.Context, req domain.AnswerRequest) (*domain.AnswerResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type notifierFake struct {
	datasets []string
	err      error
}

func (f *notifierFake) NotifyDatasetChanged(_ context.Context, datasetID string) error {
	if f.err != nil {
		return f.err
	}
	f.datasets = append(f.datasets, datasetID)
	return nil
}

type diagnosticianFake struct {
	report *domain.DiagnosticReport
	err    error
}

func (f diagnosticianFake) Diagnose(context.Context, string, []string, string) (*domain.DiagnosticReport, error) {
	return f.report, f.err
}

type cacheStatsFake struct{}

func (cacheStatsFake) CacheStats(context.Context) domain.CacheStats {
	return domain.CacheStats{Hits: 3, Misses: 1, Size: 2, HitRate: 0.75}
}

type routerFixture struct {
	answerer *answererFake
	notifier *notifierFake
	handler  http.Handler
}

func newRouterFixture(cfg config.Config, diag diagnosticianFake) routerFixture {
	answerer := &answererFake{result: &domain.AnswerResult{Answer: "ok", Intent: domain.IntentDefault, ConfidenceTier: domain.ConfidenceLow}}
	notifier := &notifierFake{}
	handler := NewRouter(cfg, RouterDeps{
		Answerer:    answerer,
		Notifier:    notifier,
		Diagnostics: diag,
		CacheStats:  cacheStatsFake{},
		Metrics:     metrics.NewHTTPServerMetrics("api-test"),
	}).Handler()
	return routerFixture{answerer: answerer, notifier: notifier, handler: handler}
}

func postJSON(handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAnswerMapsBodyToRequest(t *testing.T) {
	fx := newRouterFixture(config.Config{}, diagnosticianFake{})

	res := postJSON(fx.handler, "/v1/answer", map[string]any{
		"query":           "how do refunds work",
		"organization_id": "org-1",
		"dataset_ids":     []string{"ds-1"},
		"user_identifier": "user-1",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if fx.answerer.last.Scope.OrganizationID != "org-1" || fx.answerer.last.Session.UserIdentifier != "user-1" {
		t.Fatalf("unexpected request: %+v", fx.answerer.last)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
	var out domain.AnswerResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil || out.Answer != "ok" {
		t.Fatalf("unexpected body: %+v err=%v", out, err)
	}
}

func TestAnswerMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "validate", errors.New("query is required")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrRetrievalFailed, "retrieve", errors.New("both sources down")), http.StatusBadGateway},
		{domain.WrapError(domain.ErrTemporary, "embed", errors.New("circuit open")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fx := newRouterFixture(config.Config{}, diagnosticianFake{})
		fx.answerer.err = tc.err
		res := postJSON(fx.handler, "/v1/answer", map[string]any{"query": "q"})
		if res.Code != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, res.Code)
		}
	}
}

func TestAnswerRejectsMalformedJSON(t *testing.T) {
	fx := newRouterFixture(config.Config{}, diagnosticianFake{})
	req := httptest.NewRequest(http.MethodPost, "/v1/answer", strings.NewReader(`{"query":`))
	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	res = postJSON(fx.handler, "/v1/answer", map[string]any{"query": "q", "unexpected": true})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestInvalidateDatasetNotifiesReplicas(t *testing.T) {
	fx := newRouterFixture(config.Config{}, diagnosticianFake{})

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets/ds-7/invalidate", nil)
	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if len(fx.notifier.datasets) != 1 || fx.notifier.datasets[0] != "ds-7" {
		t.Fatalf("expected ds-7 notified, got %v", fx.notifier.datasets)
	}

	get := httptest.NewRecorder()
	fx.handler.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/datasets/ds-7/invalidate", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", get.Code)
	}
}

func TestDiagnoseReturnsReport(t *testing.T) {
	fx := newRouterFixture(config.Config{}, diagnosticianFake{report: &domain.DiagnosticReport{
		OrganizationID: "org-1",
		Flags:          domain.DiagnosticFlags{VectorMismatch: true},
	}})

	res := postJSON(fx.handler, "/v1/admin/diagnose", map[string]any{"organization_id": "org-1", "dataset_ids": []string{"ds-1"}})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var report domain.DiagnosticReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil || !report.Flags.VectorMismatch {
		t.Fatalf("unexpected report: %+v err=%v", report, err)
	}
}

func TestCacheStatsAndMetricsEndpoints(t *testing.T) {
	fx := newRouterFixture(config.Config{}, diagnosticianFake{})

	res := httptest.NewRecorder()
	fx.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/admin/cache/stats", nil))
	var stats domain.CacheStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil || stats.Hits != 3 {
		t.Fatalf("unexpected stats: %+v err=%v", stats, err)
	}

	postJSON(fx.handler, "/v1/answer", map[string]any{"query": "q"})
	scrape := httptest.NewRecorder()
	fx.handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), "gqa_rag_answers_total") {
		t.Fatalf("expected answer metrics exported")
	}
}

func TestHealthzReportsReadinessFailure(t *testing.T) {
	handler := NewRouter(config.Config{}, RouterDeps{
		ReadinessFns: []func(*http.Request) error{func(*http.Request) error { return errors.New("postgres down") }},
	}).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}
