package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const statusBodyLimit = 2048

// StatusError is a non-2xx reply from an HTTP upstream (ollama, qdrant).
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s status: %s", e.Service, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Service, e.Operation, e.Status, e.Body)
}

// ReadStatusError keeps at most 2KiB of the reply body.
func ReadStatusError(service, operation string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, statusBodyLimit))
	return &StatusError{
		Service:    service,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(raw)),
	}
}

func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// HTTPPolicy decides how an HTTP upstream failure counts for retry and for the breaker.
type HTTPPolicy struct {
	// DeadlineIsFailure counts an expired deadline against the breaker.
	DeadlineIsFailure bool
	// ClientErrorIsFailure counts non-retryable 4xx replies against the breaker.
	ClientErrorIsFailure bool
}

var (
	// DenseLegPolicy covers the query embedding and the vector search. The leg runs
	// under its own short budget with the keyword leg as fallback, so running out of
	// that budget is not held against the upstream.
	DenseLegPolicy = HTTPPolicy{}

	// GenerationPolicy covers the chat call. An expired generation timeout means the
	// model is stuck, and a 4xx means the model is missing; both should open the breaker.
	GenerationPolicy = HTTPPolicy{DeadlineIsFailure: true, ClientErrorIsFailure: true}
)

func (p HTTPPolicy) Classify(err error) ErrorClassification {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ErrorClassification{}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{Retryable: false, RecordFailure: p.DeadlineIsFailure}
	}

	var status *StatusError
	if errors.As(err, &status) {
		if RetryableStatus(status.StatusCode) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{Retryable: false, RecordFailure: p.ClientErrorIsFailure && status.StatusCode < 500}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

// Temporary marks transient failures as domain.ErrTemporary: retryable errors,
// an open breaker, and expired deadlines.
func (p HTTPPolicy) Temporary(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if p.Classify(err).Retryable || IsCircuitOpen(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
