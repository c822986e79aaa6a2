package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-qa/internal/config"
	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
	"github.com/kirillkom/grounded-qa/internal/observability/logging"
	"github.com/kirillkom/grounded-qa/internal/observability/metrics"
)

const (
	maxRequestBodyBytes = 1 << 20
	backpressureWait    = 250 * time.Millisecond
)

type RouterDeps struct {
	Answerer     ports.QuestionAnswerer
	Notifier     ports.DatasetChangeNotifier
	Diagnostics  ports.RetrievalDiagnostician
	CacheStats   ports.CacheStatsReader
	Metrics      *metrics.HTTPServerMetrics
	Logger       *slog.Logger
	ReadinessFns []func(*http.Request) error
}

type Router struct {
	cfg  config.Config
	deps RouterDeps
}

func NewRouter(cfg config.Config, deps RouterDeps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{cfg: cfg, deps: deps}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/answer", rt.answer)
	mux.HandleFunc("POST /v1/datasets/{dataset_id}/invalidate", rt.invalidateDataset)
	mux.HandleFunc("POST /v1/admin/diagnose", rt.diagnose)
	mux.HandleFunc("GET /v1/admin/cache/stats", rt.cacheStats)
	if rt.deps.Metrics != nil {
		mux.Handle("GET /metrics", rt.deps.Metrics.Handler())
	}

	var onReject func()
	if rt.deps.Metrics != nil {
		onReject = func() { rt.deps.Metrics.RecordRejected("rate_limit") }
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, backpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, onReject)
	if rt.deps.Metrics != nil {
		handler = rt.deps.Metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(rt.deps.Logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	for _, ready := range rt.deps.ReadinessFns {
		if err := ready(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type answerRequestBody struct {
	Query          string   `json:"query"`
	OrganizationID string   `json:"organization_id"`
	DatasetIDs     []string `json:"dataset_ids"`
	UserIdentifier string   `json:"user_identifier"`
	SessionID      string   `json:"session_id,omitempty"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	var body answerRequestBody
	if !decodeJSONBody(w, r, &body) {
		return
	}

	result, err := rt.deps.Answerer.AnswerQuery(r.Context(), domain.AnswerRequest{
		Query: body.Query,
		Scope: domain.Scope{
			OrganizationID: body.OrganizationID,
			DatasetIDs:     body.DatasetIDs,
		},
		Session: domain.SessionContext{
			UserIdentifier: body.UserIdentifier,
			SessionID:      body.SessionID,
		},
	})
	if err != nil {
		rt.writeError(w, r, "answer", err)
		return
	}
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordAnswer(result)
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) invalidateDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if err := rt.deps.Notifier.NotifyDatasetChanged(r.Context(), datasetID); err != nil {
		rt.writeError(w, r, "invalidate dataset", err)
		return
	}
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordInvalidation("http")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated", "dataset_id": datasetID})
}

type diagnoseRequestBody struct {
	OrganizationID string   `json:"organization_id"`
	DatasetIDs     []string `json:"dataset_ids"`
	SampleQuery    string   `json:"sample_query,omitempty"`
}

func (rt *Router) diagnose(w http.ResponseWriter, r *http.Request) {
	var body diagnoseRequestBody
	if !decodeJSONBody(w, r, &body) {
		return
	}
	report, err := rt.deps.Diagnostics.Diagnose(r.Context(), body.OrganizationID, body.DatasetIDs, body.SampleQuery)
	if err != nil {
		rt.writeError(w, r, "diagnose", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.deps.CacheStats.CacheStats(r.Context()))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := mapErrorToHTTPStatus(err)
	logger := logging.FromContext(r.Context(), rt.deps.Logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", "operation", operation, "status", status, "error", err)
	} else {
		logger.Warn("request_rejected", "operation", operation, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
