// Package gateway implements the NPHIES Gateway Client (C6): submitting a
// signed bundle to the national exchange, with retry/backoff, a per-
// facility+endpoint circuit breaker, and a durable per-attempt transaction
// log (§4.7).
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/internal/telemetry"
)

// Kind is the NPHIES interaction type (§4.7).
type Kind string

const (
	KindClaim         Kind = "claim"
	KindPreauth       Kind = "preauth"
	KindCommunication Kind = "communication"
)

// SubmitResult is the Gateway Client's public contract return value.
type SubmitResult struct {
	UpstreamTxnID string
	Status        string
	ResponseBlob  []byte
}

// TransactionWriter persists one row per submit attempt (§4.7 Persistence).
// Grounded on the orchestrator's synchronous transaction log (txnlog.go):
// the gateway writes its own attempt rows directly rather than going
// through the orchestrator's stage rows, since a single Submit call may
// retry multiple times before the orchestrator sees a final outcome.
type TransactionWriter interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Attempt is one row of the nphies_transactions table.
type Attempt struct {
	ClaimID       string
	Kind          Kind
	Attempt       int
	Status        string // "ok" or "failed" (nphies_transactions.status)
	RequestHash   string
	UpstreamTxnID string
	HTTPStatus    int
	DurationMS    int64
	ErrorCode     string
	CorrelationID string
}

// Config configures transport timeouts, retry, and breaker thresholds
// (§6 nphies.*).
type Config struct {
	BaseURL         string
	TokenRef        string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	RetriesMax      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BreakerWindow   int     // minimum requests before the failure rate is evaluated (not a sliding window)
	BreakerFailRate float64 // fraction in (0,1]
	BreakerCooldown time.Duration
}

// TokenSource resolves the bearer token to present to NPHIES. Mirrors the
// Signer's KeyStore abstraction so the token's origin (env, vault, KMS) is
// pluggable.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client submits signed bundles to NPHIES over plain net/http, in the
// teacher's direct-net/http style (no HTTP framework).
type Client struct {
	httpClient *http.Client
	cfg        Config
	tokens     TokenSource
	txnLog     TransactionWriter

	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Client. One circuit breaker is created lazily per
// facility+endpoint key (§4.7).
func New(cfg Config, tokens TokenSource, txnLog TransactionWriter) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		cfg:      cfg,
		tokens:   tokens,
		txnLog:   txnLog,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(facilityID int, endpoint string) *gobreaker.CircuitBreaker {
	key := fmt.Sprintf("%d:%s", facilityID, endpoint)
	if b, ok := c.breakers[key]; ok {
		return b
	}
	endpointLabel := endpoint
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0, // counts never reset on a timer; they accumulate from the last state change, with no sliding window
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(c.cfg.BreakerWindow) {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= c.cfg.BreakerFailRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				telemetry.GatewayBreakerOpenTotal.WithLabelValues(endpointLabel).Inc()
			}
		},
	})
	c.breakers[key] = b
	return b
}

// Submit sends signedEnvelope to endpoint "kind" for facilityID, retrying
// on TIMEOUT/5xx per the backoff policy and recording one transaction row
// per attempt, including failed attempts (§4.7).
func (c *Client) Submit(ctx context.Context, kind Kind, facilityID int, signedEnvelope []byte) (SubmitResult, error) {
	requestHash := sha256Hex(signedEnvelope)
	claimID, _ := ctx.Value(claimIDKey{}).(string)
	idempotencyKey := sha256Hex([]byte(fmt.Sprintf("%s|%s|%s", claimID, kind, requestHash)))
	endpoint := string(kind)
	breaker := c.breakerFor(facilityID, endpoint)

	attemptN := 0
	var lastResult SubmitResult

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffCap
	bo.RandomizationFactor = 0.25 // ±25% jitter per §4.7
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock

	operation := func() error {
		attemptN++
		start := time.Now()

		res, err := breaker.Execute(func() (any, error) {
			return c.doAttempt(ctx, kind, facilityID, signedEnvelope, idempotencyKey, errs.CorrelationIDFromContext(ctx))
		})
		duration := time.Since(start)

		attempt := Attempt{
			ClaimID:       claimID,
			Kind:          kind,
			Attempt:       attemptN,
			Status:        "failed",
			RequestHash:   requestHash,
			DurationMS:    duration.Milliseconds(),
			CorrelationID: errs.CorrelationIDFromContext(ctx),
		}

		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				attempt.ErrorCode = "NPHIES_BREAKER_OPEN"
				_ = c.txnLog.RecordAttempt(ctx, attempt)
				telemetry.GatewaySubmitAttemptsTotal.WithLabelValues(string(kind), "breaker_open").Inc()
				return backoff.Permanent(errs.Wrap(errs.UpstreamUnavailable, "NPHIES_BREAKER_OPEN", "gateway circuit breaker is open", err).WithRetryable(true))
			}

			taxErr, ok := errs.As(err)
			attempt.ErrorCode = "NPHIES_REQUEST_FAILED"
			if ok {
				attempt.ErrorCode = taxErr.Code
			}
			_ = c.txnLog.RecordAttempt(ctx, attempt)

			if ok && taxErr.Kind == errs.UpstreamRejected {
				telemetry.GatewaySubmitAttemptsTotal.WithLabelValues(string(kind), "rejected").Inc()
				return backoff.Permanent(err) // 4xx: not retried (§4.7)
			}
			telemetry.GatewaySubmitAttemptsTotal.WithLabelValues(string(kind), "retryable_failure").Inc()
			return err // TIMEOUT/5xx: retried
		}

		result := res.(SubmitResult)
		lastResult = result
		attempt.Status = "ok"
		attempt.UpstreamTxnID = result.UpstreamTxnID
		attempt.HTTPStatus = 200
		_ = c.txnLog.RecordAttempt(ctx, attempt)
		telemetry.GatewaySubmitAttemptsTotal.WithLabelValues(string(kind), "ok").Inc()
		return nil
	}

	retryPolicy := backoff.WithMaxRetries(bo, uint64(maxInt(c.cfg.RetriesMax-1, 0)))
	if err := backoff.Retry(operation, backoff.WithContext(retryPolicy, ctx)); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			if taxErr, ok2 := errs.As(perm.Err); ok2 {
				return SubmitResult{}, taxErr
			}
			return SubmitResult{}, perm.Err
		}
		if taxErr, ok := errs.As(err); ok {
			return SubmitResult{}, taxErr
		}
		return SubmitResult{}, errs.Wrap(errs.UpstreamUnavailable, "NPHIES_RETRIES_EXHAUSTED", "all submit attempts failed", err).WithRetryable(true)
	}

	return lastResult, nil
}

func (c *Client) doAttempt(ctx context.Context, kind Kind, facilityID int, body []byte, idempotencyKey, correlationID string) (SubmitResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return SubmitResult{}, errs.Wrap(errs.UpstreamUnavailable, "NPHIES_TOKEN_UNAVAILABLE", "resolving bearer token", err).WithRetryable(true)
	}

	url := fmt.Sprintf("%s/%s", c.cfg.BaseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, errs.Wrap(errs.Internal, "NPHIES_REQUEST_BUILD_FAILED", "building NPHIES request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubmitResult{}, errs.Wrap(errs.Timeout, "NPHIES_REQUEST_TIMEOUT", "request cancelled or deadline exceeded", err).WithRetryable(true)
		}
		return SubmitResult{}, errs.Wrap(errs.Timeout, "NPHIES_TRANSPORT_ERROR", "NPHIES request failed", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		upstreamTxnID := extractUpstreamTxnID(respBody)
		return SubmitResult{UpstreamTxnID: upstreamTxnID, Status: "accepted", ResponseBlob: respBody}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		hash, truncated := errs.TruncateBody(respBody)
		return SubmitResult{}, errs.New(errs.UpstreamRejected, "NPHIES_UPSTREAM_REJECTED", "NPHIES rejected the request").
			WithRetryable(false).
			WithDetails(map[string]any{"http_status": resp.StatusCode, "body_hash": hash, "body_truncated": truncated})
	default:
		hash, truncated := errs.TruncateBody(respBody)
		return SubmitResult{}, errs.New(errs.UpstreamUnavailable, "NPHIES_UPSTREAM_5XX", "NPHIES returned a server error").
			WithRetryable(true).
			WithDetails(map[string]any{"http_status": resp.StatusCode, "body_hash": hash, "body_truncated": truncated})
	}
}

// upstreamResponse is the minimal shape of an NPHIES success response the
// core tolerates (§6): either a FHIR bundle entry location or a top-level
// transaction_id.
type upstreamResponse struct {
	TransactionID string `json:"transaction_id"`
	Entry         []struct {
		Response struct {
			Location string `json:"location"`
		} `json:"response"`
	} `json:"entry"`
}

func extractUpstreamTxnID(body []byte) string {
	var r upstreamResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	if r.TransactionID != "" {
		return r.TransactionID
	}
	if len(r.Entry) > 0 {
		return r.Entry[0].Response.Location
	}
	return ""
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

type claimIDKey struct{}

// WithClaimID attaches claimID to ctx so Submit can label its transaction
// rows without widening the public Submit signature.
func WithClaimID(ctx context.Context, claimID string) context.Context {
	return context.WithValue(ctx, claimIDKey{}, claimID)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
