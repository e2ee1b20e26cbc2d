// Package submission implements the HTTP surface of the claim pipeline
// (§4.9): POST /claim to submit a claim for processing and GET
// /claim/{claim_id} to poll its terminal status, grounded on the teacher's
// incident Handler (Routes -> per-request service lookup -> Decode+Validate
// -> call -> Respond).
package submission

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sbsmw/claimproc/internal/claim"
	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/internal/httpserver"
	"github.com/sbsmw/claimproc/internal/ratelimit"
	"github.com/sbsmw/claimproc/pkg/orchestrator"
)

// processor is the subset of *orchestrator.Orchestrator the handler depends
// on, narrowed to an interface so the handler can be unit tested with a fake.
type processor interface {
	Process(ctx context.Context, c *claim.Claim) (orchestrator.ProcessResult, error)
	Status(ctx context.Context, claimID string) (orchestrator.StatusResult, error)
}

// Handler serves the claim submission and status endpoints.
type Handler struct {
	logger        *slog.Logger
	orch          processor
	claimLimiter  *ratelimit.Limiter
	statusLimiter *ratelimit.Limiter
}

// NewHandler creates a submission Handler. claimLimiter and statusLimiter
// enforce the per-route-class request budgets of §4.1/§6 limits.api_rpm_*.
func NewHandler(logger *slog.Logger, orch processor, claimLimiter, statusLimiter *ratelimit.Limiter) *Handler {
	return &Handler{logger: logger, orch: orch, claimLimiter: claimLimiter, statusLimiter: statusLimiter}
}

// Routes returns a chi.Router with the submission API mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/claim", h.handleSubmit)
	r.Get("/claim/{claim_id}", h.handleStatus)
	return r
}

// AcceptedResponse is the JSON body returned by POST /claim on acceptance
// (§4.9, §6: "Response 202 — {claim_id, accepted_at, tracking_url}").
type AcceptedResponse struct {
	ClaimID     string    `json:"claim_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
	TrackingURL string    `json:"tracking_url"`
}

// StatusResponse is the JSON body returned by GET /claim/{claim_id}.
type StatusResponse struct {
	ClaimID        string                  `json:"claim_id"`
	CurrentStage   string                  `json:"current_stage,omitempty"`
	TerminalStatus string                  `json:"terminal_status,omitempty"`
	Stages         []orchestrator.StageRow `json:"stages"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.claimLimiter) {
		return
	}

	var c claim.Claim
	if !httpserver.DecodeAndValidate(w, r, &c) {
		return
	}
	if err := c.Validate(); err != nil {
		e := errs.New(errs.InvalidInput, "CLAIM_INVALID", err.Error()).FromContext(r.Context())
		httpserver.RespondTaxonomyError(w, r, e, 0)
		return
	}

	result, err := h.orch.Process(r.Context(), &c)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	if result.TerminalStatus != claim.TerminalSubmitted {
		h.respondStageFailure(w, r, result)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, AcceptedResponse{
		ClaimID:     result.ClaimID,
		AcceptedAt:  time.Now().UTC(),
		TrackingURL: "/claim/" + result.ClaimID,
	})
}

// respondStageFailure renders a synchronous pipeline failure (§4.9
// "response on synchronous failure carries the standard error envelope")
// using the failing stage's own error kind/code, so e.g. an expired
// certificate surfaces as 409 CONFLICT (S4) rather than a blanket status.
func (h *Handler) respondStageFailure(w http.ResponseWriter, r *http.Request, result orchestrator.ProcessResult) {
	kind := errs.Internal
	code := "SUBMISSION_STAGE_FAILED"
	if n := len(result.StageErrors); n > 0 {
		last := result.StageErrors[n-1]
		kind, code = last.Kind, last.Code
	}
	e := errs.New(kind, code, "claim processing did not reach a submitted state").
		FromContext(r.Context()).
		WithDetails(map[string]any{
			"terminal_status": string(result.TerminalStatus),
			"stage_errors":    result.StageErrors,
		})
	httpserver.RespondTaxonomyError(w, r, e, 0)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, h.statusLimiter) {
		return
	}

	claimID := chi.URLParam(r, "claim_id")
	result, err := h.orch.Status(r.Context(), claimID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, StatusResponse{
		ClaimID:        claimID,
		CurrentStage:   string(result.Current),
		TerminalStatus: string(result.TerminalStatus),
		Stages:         result.Stages,
	})
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter) bool {
	res := limiter.Allow(httpserver.ClientIP(r))
	if res.Allowed {
		return true
	}
	e := errs.New(errs.RateLimited, "REQUEST_RATE_LIMITED", "too many requests").
		FromContext(r.Context()).
		WithDetails(map[string]any{"retry_after_ms": res.RetryAfterMs})
	httpserver.RespondTaxonomyError(w, r, e, res.RetryAfterMs)
	return false
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	if taxErr, ok := errs.As(err); ok {
		httpserver.RespondTaxonomyError(w, r, taxErr, 0)
		return
	}
	h.logger.Error("unhandled submission error", "error", err)
	httpserver.RespondTaxonomyError(w, r, errs.New(errs.Internal, "SUBMISSION_INTERNAL_ERROR", err.Error()).FromContext(r.Context()), 0)
}
