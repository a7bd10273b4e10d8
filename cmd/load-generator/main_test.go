package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSendMapsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"OPTIMISTIC_LOCKING_FAILED","message":"retry"}`))
	}))
	defer srv.Close()

	r := &runner{cfg: loadConfig{APIBase: srv.URL}, client: srv.Client()}
	err := r.send(context.Background(), "update", http.MethodPut, "/api/todos/x", map[string]string{"title": "t"}, nil)
	if !errors.Is(err, errConflict) {
		t.Fatalf("expected errConflict, got %v", err)
	}
}

func TestSendTreatsInvalidTransitionAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"INVALID_TRANSITION"}`))
	}))
	defer srv.Close()

	r := &runner{cfg: loadConfig{APIBase: srv.URL}, client: srv.Client()}
	err := r.send(context.Background(), "complete", http.MethodPut, "/api/todos/x/complete", nil, nil)
	if err == nil || errors.Is(err, errConflict) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestWithRetryStopsAfterSuccess(t *testing.T) {
	r := &runner{cfg: loadConfig{MaxRetries: 5}}
	var calls atomic.Int32
	r.withRetry(context.Background(), "update", func() error {
		if calls.Add(1) < 3 {
			return errConflict
		}
		return nil
	})

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if r.success.Load() != 1 || r.conflicts.Load() != 2 || r.failures.Load() != 0 {
		t.Fatalf("unexpected counters success=%d conflicts=%d failures=%d",
			r.success.Load(), r.conflicts.Load(), r.failures.Load())
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	r := &runner{cfg: loadConfig{MaxRetries: 2}}
	var calls atomic.Int32
	r.withRetry(context.Background(), "update", func() error {
		calls.Add(1)
		return errConflict
	})

	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls.Load())
	}
	if r.failures.Load() != 1 {
		t.Fatalf("expected one failure, got %d", r.failures.Load())
	}
}
