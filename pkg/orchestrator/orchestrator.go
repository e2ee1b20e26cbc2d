// Package orchestrator implements the Pipeline Orchestrator (C7): the
// state machine that drives a claim through Normalize -> Price -> Sign ->
// Submit, enforcing at-most-one-in-flight-per-claim, a process-wide
// concurrency budget, and a durable transaction log (§4.8).
package orchestrator

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/internal/telemetry"
	"github.com/sbsmw/claimproc/pkg/gateway"
	"github.com/sbsmw/claimproc/pkg/normalize"
	"github.com/sbsmw/claimproc/pkg/pricing"
	"github.com/sbsmw/claimproc/pkg/signer"
)

type normalizeStage interface {
	Normalize(ctx context.Context, facilityID int, internalCode, description string) (normalize.Result, error)
}

type pricingStage interface {
	Price(ctx context.Context, c *claim.Claim) (pricing.Result, error)
}

type signStage interface {
	Sign(ctx context.Context, facilityID int, bundleBytes []byte) (signer.Signature, error)
}

type submitStage interface {
	Submit(ctx context.Context, kind gateway.Kind, facilityID int, signedEnvelope []byte) (gateway.SubmitResult, error)
}

// txnLogger is the subset of *TxnLog the state machine depends on, narrowed
// to an interface so Process can be unit tested without a live database.
type txnLogger interface {
	RecordStageStart(ctx context.Context, claimID string, stage claim.Stage) error
	RecordStageTerminal(ctx context.Context, claimID string, stage claim.Stage, status claim.Status, errorCode string) error
	StatusByClaimID(ctx context.Context, claimID string) (StatusResult, error)
}

// claimLocker serializes concurrent Process calls for the same claim_id.
type claimLocker interface {
	Lock(ctx context.Context, claimID string) (func(), error)
}

// pgAdvisoryLocker implements claimLocker with a Postgres session-scoped
// advisory lock keyed by the claim_id's FNV-1a hash. Uses the non-blocking
// pg_try_advisory_lock so a second concurrent run on the same claim_id
// fails fast with CONFLICT instead of queuing behind the first (§4.8, S6:
// "only one pipeline runs to terminal state").
type pgAdvisoryLocker struct {
	pool *pgxpool.Pool
}

func (l pgAdvisoryLocker) Lock(ctx context.Context, claimID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "ORCHESTRATOR_POOL_UNAVAILABLE", "acquiring connection for advisory lock", err).WithRetryable(true)
	}

	key := int64(fnvHash(claimID))
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, errs.Wrap(errs.UpstreamUnavailable, "ORCHESTRATOR_LOCK_FAILED", "acquiring claim advisory lock", err).WithRetryable(true)
	}
	if !acquired {
		conn.Release()
		return nil, errs.New(errs.Conflict, "ORCHESTRATOR_CLAIM_IN_FLIGHT", "a pipeline run is already in flight for this claim_id")
	}

	unlocked := false
	return func() {
		if unlocked {
			return
		}
		unlocked = true
		conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}, nil
}

// ProcessResult is Process's public contract return value.
type ProcessResult struct {
	ClaimID        string
	TerminalStatus claim.TerminalStatus
	UpstreamTxnID  string
	StageErrors    []StageError
}

// StageError records one stage's failure for the ProcessResult.
type StageError struct {
	Stage claim.Stage
	Kind  errs.Kind
	Code  string
}

// StatusResult is Status's public contract return value.
type StatusResult struct {
	Stages         []StageRow
	Current        claim.Stage
	TerminalStatus claim.TerminalStatus
}

// Deadlines configures the per-stage timeouts of §4.8.
type Deadlines struct {
	Normalize time.Duration
	Price     time.Duration
	Sign      time.Duration
	Submit    time.Duration
	Abandon   time.Duration // grace period before a missed deadline is abandoned in the background
}

// Orchestrator drives claims through the pipeline. Grounded on the
// teacher's pool-discipline convention (acquire -> use -> release on every
// exit path) and the pack's golang.org/x/sync/semaphore for the
// concurrency budget.
type Orchestrator struct {
	locker    claimLocker
	sem       *semaphore.Weighted
	txnlog    txnLogger
	deadlines Deadlines

	normalizer normalizeStage
	pricer     pricingStage
	signerSvc  signStage
	gatewayCli submitStage
}

// New builds an Orchestrator. inflightMax bounds the process-wide
// concurrency budget (§4.8 "Back-pressure").
func New(pool *pgxpool.Pool, txnlog *TxnLog, inflightMax int64, deadlines Deadlines,
	normalizer normalizeStage, pricer pricingStage, signerSvc signStage, gatewayCli submitStage) *Orchestrator {
	return &Orchestrator{
		locker:     pgAdvisoryLocker{pool: pool},
		sem:        semaphore.NewWeighted(inflightMax),
		txnlog:     txnlog,
		deadlines:  deadlines,
		normalizer: normalizer,
		pricer:     pricer,
		signerSvc:  signerSvc,
		gatewayCli: gatewayCli,
	}
}

// Process drives c through normalize -> price -> sign -> submit. The
// caller's ctx deadline propagates to every stage (§4.8 "Cancellation and
// deadlines").
func (o *Orchestrator) Process(ctx context.Context, c *claim.Claim) (ProcessResult, error) {
	if err := c.Validate(); err != nil {
		return ProcessResult{}, errs.New(errs.InvalidInput, "CLAIM_INVALID", err.Error()).FromContext(ctx)
	}

	if !o.sem.TryAcquire(1) {
		telemetry.OrchestratorRejectedTotal.Inc()
		return ProcessResult{}, errs.New(errs.RateLimited, "ORCHESTRATOR_SATURATED", "concurrency budget exhausted").
			FromContext(ctx).WithDetails(map[string]any{"retry_after_ms": 1000})
	}
	defer o.sem.Release(1)
	telemetry.OrchestratorInflight.Inc()
	defer telemetry.OrchestratorInflight.Dec()

	unlock, err := o.locker.Lock(ctx, c.ClaimID)
	if err != nil {
		return ProcessResult{}, err
	}
	defer unlock()

	var stageErrors []StageError

	if err := o.runStage(ctx, c.ClaimID, claim.StageNormalizing, o.deadlines.Normalize, func(ctx context.Context) error {
		return o.runNormalize(ctx, c)
	}); err != nil {
		stageErrors = append(stageErrors, stageErrorFrom(claim.StageNormalizing, err))
		return terminalFailure(c.ClaimID, claim.StageNormalizing, stageErrors), nil
	}

	priceResult, err := o.runPriceStage(ctx, c)
	if err != nil {
		stageErrors = append(stageErrors, stageErrorFrom(claim.StagePricing, err))
		return terminalFailure(c.ClaimID, claim.StagePricing, stageErrors), nil
	}

	var sig signer.Signature
	bundleBytes := canonicalBundle(c, priceResult)
	if err := o.runStage(ctx, c.ClaimID, claim.StageSigning, o.deadlines.Sign, func(ctx context.Context) error {
		var signErr error
		sig, signErr = o.signerSvc.Sign(ctx, c.FacilityID, bundleBytes)
		return signErr
	}); err != nil {
		stageErrors = append(stageErrors, stageErrorFrom(claim.StageSigning, err))
		return terminalFailure(c.ClaimID, claim.StageSigning, stageErrors), nil
	}

	var submitResult gateway.SubmitResult
	submitCtx := gateway.WithClaimID(ctx, c.ClaimID)
	if err := o.runStage(ctx, c.ClaimID, claim.StageSubmitting, o.deadlines.Submit, func(ctx context.Context) error {
		envelope := signedEnvelope(bundleBytes, sig)
		var submitErr error
		submitResult, submitErr = o.gatewayCli.Submit(gateway.WithClaimID(submitCtx, c.ClaimID), claimKind(c.ClaimType), c.FacilityID, envelope)
		return submitErr
	}); err != nil {
		stageErrors = append(stageErrors, stageErrorFrom(claim.StageSubmitting, err))
		return terminalFailure(c.ClaimID, claim.StageSubmitting, stageErrors), nil
	}

	return ProcessResult{
		ClaimID:        c.ClaimID,
		TerminalStatus: claim.TerminalSubmitted,
		UpstreamTxnID:  submitResult.UpstreamTxnID,
	}, nil
}

// Status reports a claim's stage history and current terminal status
// (§4.8 "Status"), read directly from the transaction log.
func (o *Orchestrator) Status(ctx context.Context, claimID string) (StatusResult, error) {
	return o.txnlog.StatusByClaimID(ctx, claimID)
}

// runStage writes the started row, runs fn with a per-stage deadline, and
// writes the terminal ok/failed row before returning, per §4.8's per-stage
// contract and §5's ordering guarantee.
func (o *Orchestrator) runStage(ctx context.Context, claimID string, stage claim.Stage, deadline time.Duration, fn func(context.Context) error) error {
	if err := o.txnlog.RecordStageStart(ctx, claimID, stage); err != nil {
		return err
	}

	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(stageCtx)
	}()

	var stageErr error
	metricStatus := "ok"
	select {
	case err := <-done:
		stageErr = err
	case <-stageCtx.Done():
		// Grace period: give the in-flight call a little longer before
		// declaring it abandoned, per §4.8's 2s abandonment grace.
		select {
		case err := <-done:
			stageErr = err
		case <-time.After(o.deadlines.Abandon):
			stageErr = errs.New(errs.Timeout, "ORCHESTRATOR_STAGE_TIMEOUT", "stage deadline exceeded").WithRetryable(true)
			metricStatus = "timeout"
			// The goroutine running fn is abandoned; its result, if any,
			// arrives on `done` later and is discarded (§4.8 "Abandonment").
		}
	}

	duration := time.Since(start)
	status := claim.StatusOK
	errorCode := ""
	if stageErr != nil {
		status = claim.StatusFailed
		if metricStatus == "ok" {
			metricStatus = "failed"
		}
		if taxErr, ok := errs.As(stageErr); ok {
			errorCode = taxErr.Code
		} else {
			errorCode = "UNKNOWN"
		}
	}
	telemetry.OrchestratorStageDuration.WithLabelValues(string(stage), metricStatus).Observe(duration.Seconds())
	if err := o.txnlog.RecordStageTerminal(context.Background(), claimID, stage, status, errorCode); err != nil {
		return err
	}
	return stageErr
}

func (o *Orchestrator) runNormalize(ctx context.Context, c *claim.Claim) error {
	for i := range c.LineItems {
		li := &c.LineItems[i]
		desc := ""
		if li.Description != nil {
			desc = *li.Description
		}
		res, err := o.normalizer.Normalize(ctx, c.FacilityID, li.InternalCode, desc)
		if err != nil {
			return err
		}
		li.SBSCode = res.SBSCode
		li.SBSDescription = res.SBSDescription
		li.NormConfidence = res.Confidence
		li.NormSource = res.Source
	}
	return nil
}

func (o *Orchestrator) runPriceStage(ctx context.Context, c *claim.Claim) (pricing.Result, error) {
	var result pricing.Result
	err := o.runStage(ctx, c.ClaimID, claim.StagePricing, o.deadlines.Price, func(ctx context.Context) error {
		var priceErr error
		result, priceErr = o.pricer.Price(ctx, c)
		if priceErr == nil {
			c.LineItems = result.LineItems
		}
		return priceErr
	})
	return result, err
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func terminalFailure(claimID string, stage claim.Stage, stageErrors []StageError) ProcessResult {
	return ProcessResult{
		ClaimID:        claimID,
		TerminalStatus: claim.FailedTerminal(stage),
		StageErrors:    stageErrors,
	}
}

func stageErrorFrom(stage claim.Stage, err error) StageError {
	if taxErr, ok := errs.As(err); ok {
		return StageError{Stage: stage, Kind: taxErr.Kind, Code: taxErr.Code}
	}
	return StageError{Stage: stage, Kind: errs.Internal, Code: "UNKNOWN"}
}

func claimKind(t claim.Type) gateway.Kind {
	switch t {
	case claim.TypeProfessional, claim.TypeInstitutional, claim.TypePharmacy, claim.TypeVision:
		return gateway.KindClaim
	default:
		return gateway.KindClaim
	}
}

// canonicalBundle builds the stable-key-order JSON bytes the Signer signs.
// Field order is fixed by struct declaration, not map iteration, satisfying
// §4.6's "stable key ordering" requirement without a general-purpose JSON
// canonicalizer.
func canonicalBundle(c *claim.Claim, priced pricing.Result) []byte {
	type canonicalLine struct {
		Sequence int    `json:"sequence"`
		SBSCode  string `json:"sbs_code"`
		Quantity int    `json:"quantity"`
		Billed   string `json:"billed"`
		Allowed  string `json:"allowed"`
	}
	type canonicalClaim struct {
		ClaimID    string          `json:"claim_id"`
		FacilityID int             `json:"facility_id"`
		ClaimType  claim.Type      `json:"claim_type"`
		PayerID    string          `json:"payer_id"`
		Lines      []canonicalLine `json:"line_items"`
		Net        string          `json:"net"`
	}

	lines := make([]canonicalLine, len(priced.LineItems))
	for i, li := range priced.LineItems {
		lines[i] = canonicalLine{
			Sequence: li.Sequence,
			SBSCode:  li.SBSCode,
			Quantity: li.Quantity,
			Billed:   li.Billed.String(),
			Allowed:  li.Allowed.String(),
		}
	}

	cb := canonicalClaim{
		ClaimID:    c.ClaimID,
		FacilityID: c.FacilityID,
		ClaimType:  c.ClaimType,
		PayerID:    c.Payer.PayerID,
		Lines:      lines,
		Net:        priced.Totals.Net.String(),
	}
	b, err := json.Marshal(cb)
	if err != nil {
		// json.Marshal only fails on unsupported types; canonicalClaim is
		// entirely marshalable, so this path is unreachable in practice.
		return []byte("{}")
	}
	return b
}

func signedEnvelope(bundle []byte, sig signer.Signature) []byte {
	envelope := struct {
		Bundle    json.RawMessage `json:"bundle"`
		Signature string          `json:"signature_b64"`
		CertSerial string         `json:"cert_serial"`
		SignedAt  time.Time       `json:"signed_at"`
		Algorithm string          `json:"algorithm"`
	}{
		Bundle:     bundle,
		Signature:  sig.SignatureB64,
		CertSerial: sig.CertSerial,
		SignedAt:   sig.SignedAt,
		Algorithm:  sig.Algorithm,
	}
	b, _ := json.Marshal(envelope)
	return b
}
