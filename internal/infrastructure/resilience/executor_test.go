package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) RecordBreakerState(_ string, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func fastRetries(attempts int) Config {
	return Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(fastRetries(3))

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "embed", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteReturnsLastErrorWhenAttemptsExhausted(t *testing.T) {
	exec := NewExecutor(fastRetries(2))

	attempts := 0
	errTemp := errors.New("still down")
	err := exec.Execute(context.Background(), "embed", func(context.Context) error {
		attempts++
		return errTemp
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastRetries(3))

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "embed", func(context.Context) error {
		attempts++
		return errPermanent
	}, nil)
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	recorder := &stateRecorder{}
	cfg := fastRetries(1)
	cfg.BreakerEnabled = true
	cfg.BreakerMinRequests = 2
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerOpenTimeout = 50 * time.Millisecond
	cfg.BreakerHalfOpenMaxCalls = 1
	exec := NewExecutor(cfg, WithStateObserver(recorder))

	errDown := errors.New("down")
	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
			return errDown
		}, nil)
		if !errors.Is(err, errDown) {
			t.Fatalf("expected backend error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) || !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if len(recorder.states) != 1 || recorder.states[0] != gobreaker.StateOpen.String() {
		t.Fatalf("expected one transition to open, got %v", recorder.states)
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClassification
	}{
		{"canceled", context.Canceled, ErrorClassification{}},
		{"bad gateway", &StatusError{StatusCode: http.StatusBadGateway}, ErrorClassification{Retryable: true, RecordFailure: true}},
		{"not found", &StatusError{StatusCode: http.StatusNotFound}, ErrorClassification{}},
		{"open breaker", gobreaker.ErrOpenState, ErrorClassification{Retryable: true, RecordFailure: true}},
		{"other", errors.New("decode"), ErrorClassification{RecordFailure: true}},
	}
	for _, tc := range cases {
		if got := ClassifyHTTP(tc.err); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestWrapTemporary(t *testing.T) {
	transient := &StatusError{Service: "ollama", Operation: "embed", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	if err := WrapTemporary("embed", transient, nil); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	permanent := &StatusError{Service: "ollama", Operation: "embed", StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}
	if err := WrapTemporary("embed", permanent, nil); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error to stay unwrapped, got %v", err)
	}
}

func TestNewStatusErrorKeepsBody(t *testing.T) {
	rec := httptest.NewRecorder()
	http.Error(rec, "model unavailable", http.StatusBadGateway)

	err := NewStatusError("ollama", "embed", rec.Result())
	if err.Body != "model unavailable" || err.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status error %+v", err)
	}
	if err.Error() != "ollama embed status: 502 Bad Gateway: model unavailable" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
