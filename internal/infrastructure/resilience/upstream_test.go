package resilience

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

func TestDeadlineCountsOnlyForGeneration(t *testing.T) {
	err := fmt.Errorf("call: %w", context.DeadlineExceeded)
	if class := DenseLegPolicy.Classify(err); class.Retryable || class.RecordFailure {
		t.Fatalf("expected dense-leg deadline not to count, got %+v", class)
	}
	if class := GenerationPolicy.Classify(err); class.Retryable || !class.RecordFailure {
		t.Fatalf("expected generation deadline to count, got %+v", class)
	}
	if !domain.IsKind(DenseLegPolicy.Temporary("ollama embed", err), domain.ErrTemporary) {
		t.Fatalf("expected deadline to surface as temporary")
	}
}

func TestClientErrorsCountOnlyForGeneration(t *testing.T) {
	missingModel := &StatusError{Service: "ollama", Operation: "chat", StatusCode: http.StatusNotFound, Status: "404 Not Found"}
	if class := DenseLegPolicy.Classify(missingModel); class.RecordFailure {
		t.Fatalf("expected dense-leg 404 not to count, got %+v", class)
	}
	if class := GenerationPolicy.Classify(missingModel); class.Retryable || !class.RecordFailure {
		t.Fatalf("expected generation 404 to count without retry, got %+v", class)
	}
	if err := GenerationPolicy.Temporary("ollama chat", missingModel); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 404 to stay permanent, got %v", err)
	}
}

func TestServerErrorsRetryUnderEveryPolicy(t *testing.T) {
	busy := &StatusError{Service: "qdrant", Operation: "search", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable", Body: "busy"}
	for _, policy := range []HTTPPolicy{DenseLegPolicy, GenerationPolicy} {
		if class := policy.Classify(busy); !class.Retryable || !class.RecordFailure {
			t.Fatalf("expected 503 to be retryable, got %+v", class)
		}
	}
	if got := busy.Error(); got != "qdrant search status: 503 Service Unavailable: busy" {
		t.Fatalf("unexpected message: %q", got)
	}
	if class := DenseLegPolicy.Classify(context.Canceled); class.RecordFailure {
		t.Fatalf("expected cancellation to be ignored, got %+v", class)
	}
}
