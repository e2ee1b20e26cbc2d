package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/pkg/gateway"
)

// TxnLog persists one row per stage transition and per gateway submit
// attempt, synchronously, on the caller's goroutine. This intentionally
// rejects the teacher's async-buffered audit writer: the pipeline's
// exactly-once-visible-outcome invariant requires that a stage's terminal
// row is durable before Process returns it to the caller, and a
// drop-if-buffer-full writer cannot make that guarantee.
type TxnLog struct {
	pool *pgxpool.Pool
}

// NewTxnLog wraps pool.
func NewTxnLog(pool *pgxpool.Pool) *TxnLog {
	return &TxnLog{pool: pool}
}

// StageRow is one row of claim_stages, as returned by Status.
type StageRow struct {
	Stage     claim.Stage
	Status    claim.Status
	StartedAt time.Time
	EndedAt   *time.Time
	ErrorCode string
}

// RecordStageStart appends the "started" row for stage. Called before the
// stage's work begins, so a crash mid-stage still leaves a visible,
// non-terminal trail for the Reconciler to sweep. claim_stages is
// append-only — a retry of a previously-attempted stage inserts a fresh
// row rather than overwriting the prior attempt's row, preserving the full
// audit history (§3, §8: one terminal row per attempted stage, in order).
func (t *TxnLog) RecordStageStart(ctx context.Context, claimID string, stage claim.Stage) error {
	const q = `
		INSERT INTO claim_stages (txn_id, claim_id, stage, status, started_at, created_at)
		VALUES ($1, $2, $3, $4, now(), now())`
	if _, err := t.pool.Exec(ctx, q, uuid.New().String(), claimID, string(stage), string(claim.StatusStarted)); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_WRITE_FAILED", "recording stage start", err).WithRetryable(true)
	}
	return nil
}

// RecordStageTerminal appends the stage's terminal row (ok or failed) as a
// new row, never mutating the "started" row written by RecordStageStart.
func (t *TxnLog) RecordStageTerminal(ctx context.Context, claimID string, stage claim.Stage, status claim.Status, errorCode string) error {
	const q = `
		INSERT INTO claim_stages (txn_id, claim_id, stage, status, started_at, ended_at, error_code, created_at)
		VALUES ($1, $2, $3, $4, now(), now(), $5, now())`
	if _, err := t.pool.Exec(ctx, q, uuid.New().String(), claimID, string(stage), string(status), nullIfEmpty(errorCode)); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_WRITE_FAILED", "recording stage terminal state", err).WithRetryable(true)
	}
	return nil
}

// RecordAttempt implements gateway.TransactionWriter: one row per NPHIES
// submit attempt, including retried and rejected attempts (§4.7).
func (t *TxnLog) RecordAttempt(ctx context.Context, a gateway.Attempt) error {
	const q = `
		INSERT INTO nphies_transactions
			(claim_id, kind, attempt, status, request_hash, upstream_txn_id, http_status, duration_ms, error_code, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`
	_, err := t.pool.Exec(ctx, q,
		a.ClaimID, string(a.Kind), a.Attempt, a.Status, a.RequestHash, nullIfEmpty(a.UpstreamTxnID),
		a.HTTPStatus, a.DurationMS, nullIfEmpty(a.ErrorCode), nullIfEmpty(a.CorrelationID))
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_WRITE_FAILED", "recording gateway attempt", err).WithRetryable(true)
	}
	return nil
}

// StatusByClaimID reconstructs a claim's stage history and current
// terminal status for the Status operation (§4.8 "Status").
func (t *TxnLog) StatusByClaimID(ctx context.Context, claimID string) (StatusResult, error) {
	const q = `
		SELECT stage, status, started_at, ended_at, COALESCE(error_code, '')
		FROM claim_stages WHERE claim_id = $1 ORDER BY created_at ASC`
	rows, err := t.pool.Query(ctx, q, claimID)
	if err != nil {
		return StatusResult{}, errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_READ_FAILED", "querying claim stage history", err).WithRetryable(true)
	}
	defer rows.Close()

	var stages []StageRow
	for rows.Next() {
		var (
			stage, status, errorCode string
			startedAt                time.Time
			endedAt                  *time.Time
		)
		if err := rows.Scan(&stage, &status, &startedAt, &endedAt, &errorCode); err != nil {
			return StatusResult{}, errs.Wrap(errs.DataCorrupt, "TXNLOG_ROW_MALFORMED", "scanning claim_stages row", err)
		}
		stages = append(stages, StageRow{
			Stage:     claim.Stage(stage),
			Status:    claim.Status(status),
			StartedAt: startedAt,
			EndedAt:   endedAt,
			ErrorCode: errorCode,
		})
	}
	if err := rows.Err(); err != nil {
		return StatusResult{}, errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_READ_FAILED", "iterating claim stage history", err).WithRetryable(true)
	}
	if len(stages) == 0 {
		return StatusResult{}, errs.New(errs.NotFound, "CLAIM_NOT_FOUND", "no stage history for claim_id")
	}

	return StatusResult{Stages: stages, Current: currentStage(stages), TerminalStatus: terminalFromStages(stages)}, nil
}

// StuckClaims returns claim IDs whose most recently appended stage row is
// "started" and older than olderThan, for the Reconciler sweep (§4.8
// "Reconciliation"). claim_stages is append-only, so "most recent" is
// determined per claim_id by created_at rather than by row identity.
func (t *TxnLog) StuckClaims(ctx context.Context, olderThan time.Duration) ([]string, error) {
	const q = `
		SELECT cs.claim_id
		FROM claim_stages cs
		INNER JOIN (
			SELECT claim_id, MAX(created_at) AS max_created_at
			FROM claim_stages
			GROUP BY claim_id
		) latest ON latest.claim_id = cs.claim_id AND cs.created_at = latest.max_created_at
		WHERE cs.status = $1 AND cs.started_at < $2`
	rows, err := t.pool.Query(ctx, q, string(claim.StatusStarted), time.Now().Add(-olderThan))
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_READ_FAILED", "querying stuck claims", err).WithRetryable(true)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.DataCorrupt, "TXNLOG_ROW_MALFORMED", "scanning stuck claim id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastUpstreamTxnID returns the most recent non-empty upstream_txn_id
// recorded for claimID, or "" if none exists (Reconciler re-query support).
func (t *TxnLog) LastUpstreamTxnID(ctx context.Context, claimID string) (string, error) {
	const q = `
		SELECT upstream_txn_id FROM nphies_transactions
		WHERE claim_id = $1 AND upstream_txn_id IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`
	var id string
	err := t.pool.QueryRow(ctx, q, claimID).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, "TXNLOG_READ_FAILED", "querying last upstream transaction id", err).WithRetryable(true)
	}
	return id, nil
}

func currentStage(stages []StageRow) claim.Stage {
	return stages[len(stages)-1].Stage
}

func terminalFromStages(stages []StageRow) claim.TerminalStatus {
	last := stages[len(stages)-1]
	if last.Status == claim.StatusOK && last.Stage == claim.StageSubmitting {
		return claim.TerminalSubmitted
	}
	if last.Status == claim.StatusFailed {
		return claim.FailedTerminal(last.Stage)
	}
	return "" // still in flight
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
