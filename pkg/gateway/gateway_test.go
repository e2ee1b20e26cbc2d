package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sbsmw/claimproc/internal/errs"
)

type fakeTokenSource struct{ token string }

func (f fakeTokenSource) Token(ctx context.Context) (string, error) { return f.token, nil }

type fakeTxnWriter struct {
	attempts []Attempt
}

func (f *fakeTxnWriter) RecordAttempt(ctx context.Context, a Attempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		ConnectTimeout:  time.Second,
		RequestTimeout:  time.Second,
		RetriesMax:      3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		BreakerWindow:   30,
		BreakerFailRate: 0.5,
		BreakerCooldown: 10 * time.Millisecond,
	}
}

func TestSubmitSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"transaction_id":"TX-123"}`))
	}))
	defer srv.Close()

	txnLog := &fakeTxnWriter{}
	c := New(testConfig(srv.URL), fakeTokenSource{token: "t"}, txnLog)

	res, err := c.Submit(context.Background(), KindClaim, 1, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UpstreamTxnID != "TX-123" {
		t.Errorf("UpstreamTxnID = %q, want TX-123", res.UpstreamTxnID)
	}
	if len(txnLog.attempts) != 1 || txnLog.attempts[0].Status != "ok" {
		t.Errorf("attempts = %+v, want one ok attempt", txnLog.attempts)
	}
}

func TestSubmitRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"transaction_id":"TX-OK"}`))
	}))
	defer srv.Close()

	txnLog := &fakeTxnWriter{}
	c := New(testConfig(srv.URL), fakeTokenSource{token: "t"}, txnLog)

	res, err := c.Submit(context.Background(), KindClaim, 1, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UpstreamTxnID != "TX-OK" {
		t.Errorf("UpstreamTxnID = %q", res.UpstreamTxnID)
	}
	if len(txnLog.attempts) != 3 {
		t.Errorf("expected 3 recorded attempts (2 failed + 1 ok), got %d", len(txnLog.attempts))
	}
}

func TestSubmitDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad claim"}`))
	}))
	defer srv.Close()

	txnLog := &fakeTxnWriter{}
	c := New(testConfig(srv.URL), fakeTokenSource{token: "t"}, txnLog)

	_, err := c.Submit(context.Background(), KindClaim, 1, []byte(`{"a":1}`))
	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.UpstreamRejected {
		t.Fatalf("err = %v, want UpstreamRejected", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 HTTP call for a 4xx response, got %d", calls)
	}
}

func TestSubmitExhaustsRetriesOnPersistent5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	txnLog := &fakeTxnWriter{}
	c := New(testConfig(srv.URL), fakeTokenSource{token: "t"}, txnLog)

	_, err := c.Submit(context.Background(), KindClaim, 1, []byte(`{"a":1}`))
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if len(txnLog.attempts) != 3 {
		t.Errorf("expected 3 attempts (RetriesMax), got %d", len(txnLog.attempts))
	}
}
