package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/pkg/gateway"
	"github.com/sbsmw/claimproc/pkg/normalize"
	"github.com/sbsmw/claimproc/pkg/pricing"
	"github.com/sbsmw/claimproc/pkg/signer"
)

type fakeNormalizer struct{ err error }

func (f *fakeNormalizer) Normalize(ctx context.Context, facilityID int, internalCode, description string) (normalize.Result, error) {
	if f.err != nil {
		return normalize.Result{}, f.err
	}
	return normalize.Result{SBSCode: "SBS-" + internalCode, Confidence: 1, Source: "db"}, nil
}

type fakePricer struct{ err error }

func (f *fakePricer) Price(ctx context.Context, c *claim.Claim) (pricing.Result, error) {
	if f.err != nil {
		return pricing.Result{}, f.err
	}
	out := make([]claim.LineItem, len(c.LineItems))
	copy(out, c.LineItems)
	for i := range out {
		out[i].Allowed = out[i].UnitPrice
		out[i].Billed = out[i].UnitPrice
	}
	return pricing.Result{LineItems: out, Totals: claim.Totals{Net: decimal.NewFromInt(100)}}, nil
}

type fakeSigner struct{ err error }

func (f *fakeSigner) Sign(ctx context.Context, facilityID int, bundleBytes []byte) (signer.Signature, error) {
	if f.err != nil {
		return signer.Signature{}, f.err
	}
	return signer.Signature{SignatureB64: "sig", CertSerial: "CERT-1", Algorithm: signer.Algorithm}, nil
}

type fakeGateway struct{ err error }

func (f *fakeGateway) Submit(ctx context.Context, kind gateway.Kind, facilityID int, signedEnvelope []byte) (gateway.SubmitResult, error) {
	if f.err != nil {
		return gateway.SubmitResult{}, f.err
	}
	return gateway.SubmitResult{UpstreamTxnID: "TX-1"}, nil
}

type fakeTxnLog struct {
	mu       sync.Mutex
	starts   []claim.Stage
	terminal []claim.Status
}

func (f *fakeTxnLog) RecordStageStart(ctx context.Context, claimID string, stage claim.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, stage)
	return nil
}

func (f *fakeTxnLog) RecordStageTerminal(ctx context.Context, claimID string, stage claim.Stage, status claim.Status, errorCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = append(f.terminal, status)
	return nil
}

func (f *fakeTxnLog) StatusByClaimID(ctx context.Context, claimID string) (StatusResult, error) {
	return StatusResult{}, nil
}

type fakeLocker struct{ locked int }

func (f *fakeLocker) Lock(ctx context.Context, claimID string) (func(), error) {
	f.locked++
	return func() { f.locked-- }, nil
}

func testClaim() *claim.Claim {
	return &claim.Claim{
		ClaimID:    "CLAIM-1",
		FacilityID: 1,
		ClaimType:  claim.TypeProfessional,
		Payer:      claim.Payer{PayerID: "PAYER-1", MemberID: "M-1"},
		LineItems: []claim.LineItem{
			{Sequence: 1, InternalCode: "IC-1", Quantity: 1, UnitPrice: decimal.NewFromInt(100), ServiceDate: time.Now()},
		},
	}
}

func newTestOrchestrator(normErr, priceErr, signErr, submitErr error) (*Orchestrator, *fakeTxnLog, *fakeLocker) {
	txnlog := &fakeTxnLog{}
	locker := &fakeLocker{}
	o := &Orchestrator{
		locker:     locker,
		sem:        semaphore.NewWeighted(10),
		txnlog:     txnlog,
		deadlines:  Deadlines{Normalize: time.Second, Price: time.Second, Sign: time.Second, Submit: time.Second, Abandon: 50 * time.Millisecond},
		normalizer: &fakeNormalizer{err: normErr},
		pricer:     &fakePricer{err: priceErr},
		signerSvc:  &fakeSigner{err: signErr},
		gatewayCli: &fakeGateway{err: submitErr},
	}
	return o, txnlog, locker
}

func TestProcessSucceedsEndToEnd(t *testing.T) {
	o, txnlog, locker := newTestOrchestrator(nil, nil, nil, nil)

	res, err := o.Process(context.Background(), testClaim())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TerminalStatus != claim.TerminalSubmitted {
		t.Errorf("TerminalStatus = %v, want submitted", res.TerminalStatus)
	}
	if res.UpstreamTxnID != "TX-1" {
		t.Errorf("UpstreamTxnID = %q", res.UpstreamTxnID)
	}
	if len(txnlog.starts) != 4 {
		t.Errorf("expected 4 stage starts, got %d: %v", len(txnlog.starts), txnlog.starts)
	}
	if locker.locked != 0 {
		t.Errorf("lock was not released: locked=%d", locker.locked)
	}
}

func TestProcessStopsAtSigningFailure(t *testing.T) {
	o, _, _ := newTestOrchestrator(nil, nil, errs.New(errs.Conflict, "SIGNER_CERT_EXPIRED", "expired"), nil)

	res, err := o.Process(context.Background(), testClaim())
	if err != nil {
		t.Fatalf("Process itself should not error on stage failure: %v", err)
	}
	if res.TerminalStatus != claim.TerminalFailedSigning {
		t.Errorf("TerminalStatus = %v, want failed:signing", res.TerminalStatus)
	}
	if len(res.StageErrors) != 1 || res.StageErrors[0].Code != "SIGNER_CERT_EXPIRED" {
		t.Errorf("StageErrors = %+v", res.StageErrors)
	}
}

func TestProcessRejectsInvalidClaim(t *testing.T) {
	o, _, _ := newTestOrchestrator(nil, nil, nil, nil)
	c := testClaim()
	c.LineItems = nil

	_, err := o.Process(context.Background(), c)
	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.InvalidInput {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}

func TestProcessRejectsWhenSaturated(t *testing.T) {
	o, _, _ := newTestOrchestrator(nil, nil, nil, nil)
	o.sem = semaphore.NewWeighted(1)
	o.sem.TryAcquire(1) // saturate the budget before Process tries to acquire

	_, err := o.Process(context.Background(), testClaim())
	taxErr, ok := errs.As(err)
	if !ok || taxErr.Kind != errs.RateLimited {
		t.Fatalf("err = %v, want RateLimited", err)
	}
}

func TestTerminalFailureMapsStageToStatus(t *testing.T) {
	res := terminalFailure("C1", claim.StageSigning, []StageError{{Stage: claim.StageSigning, Code: "SIGNER_CERT_EXPIRED"}})
	if res.TerminalStatus != claim.TerminalFailedSigning {
		t.Errorf("TerminalStatus = %v, want %v", res.TerminalStatus, claim.TerminalFailedSigning)
	}
}

func TestStageErrorFromUnknownError(t *testing.T) {
	se := stageErrorFrom(claim.StageSigning, context.DeadlineExceeded)
	if se.Code != "UNKNOWN" {
		t.Errorf("Code = %q, want UNKNOWN", se.Code)
	}
}

func TestCanonicalBundleIsDeterministic(t *testing.T) {
	c := testClaim()
	priced := pricing.Result{
		LineItems: []claim.LineItem{{Sequence: 1, SBSCode: "SBS-1", Quantity: 1, Billed: decimal.NewFromInt(100), Allowed: decimal.NewFromInt(110)}},
		Totals:    claim.Totals{Net: decimal.NewFromInt(110)},
	}
	b1 := canonicalBundle(c, priced)
	b2 := canonicalBundle(c, priced)
	if string(b1) != string(b2) {
		t.Errorf("canonicalBundle is not deterministic: %s != %s", b1, b2)
	}
}

func TestFnvHashIsStablePerInput(t *testing.T) {
	if fnvHash("CLAIM-1") != fnvHash("CLAIM-1") {
		t.Error("fnvHash is not stable for the same input")
	}
}
