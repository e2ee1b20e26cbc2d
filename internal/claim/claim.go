// Package claim defines the data model shared by every stage of the
// pipeline: the inbound claim document, its line items, and the normalized
// types each stage hands to the next (§3).
package claim

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the claim kinds accepted by the pipeline.
type Type string

const (
	TypeProfessional  Type = "professional"
	TypeInstitutional Type = "institutional"
	TypePharmacy      Type = "pharmacy"
	TypeVision        Type = "vision"
)

// Patient identifies the person the claim is filed for.
type Patient struct {
	Name       string `json:"name" validate:"required"`
	NationalID string `json:"national_id" validate:"required,national_id"`
	Age        int    `json:"age" validate:"gte=0,lte=150"`
	Gender     string `json:"gender" validate:"required,oneof=male female"`
}

// Payer identifies the insurer billed for the claim.
type Payer struct {
	PayerID  string `json:"payer_id" validate:"required"`
	MemberID string `json:"member_id" validate:"required"`
}

// LineItem is one billable service on a claim.
type LineItem struct {
	Sequence    int             `json:"sequence" validate:"required,gte=1"`
	InternalCode string         `json:"internal_code" validate:"required"`
	Quantity    int             `json:"quantity" validate:"required,gte=1"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"required"`
	ServiceDate time.Time       `json:"service_date" validate:"required"`
	Description *string         `json:"description,omitempty"`

	// Populated by the Normalizer (C3) before pricing.
	SBSCode        string          `json:"sbs_code,omitempty"`
	SBSDescription string          `json:"sbs_description,omitempty"`
	NormConfidence float64         `json:"norm_confidence,omitempty"`
	NormSource     string          `json:"norm_source,omitempty"`

	// Populated by the Financial Rule Engine (C4).
	Billed         decimal.Decimal `json:"billed,omitempty"`
	Allowed        decimal.Decimal `json:"allowed,omitempty"`
	MarkupApplied  decimal.Decimal `json:"markup_applied,omitempty"`
	BundleID       *string         `json:"bundle_id,omitempty"`
}

// Claim is the unit of work the pipeline drives from acceptance to terminal
// state. Invariants enforced at the API boundary: LineItems non-empty,
// every Quantity >= 1, every UnitPrice >= 0, sum(net) > 0.
type Claim struct {
	ClaimID         string     `json:"claim_id" validate:"required"`
	FacilityID      int        `json:"facility_id" validate:"required,gte=1"`
	ClaimType       Type       `json:"claim_type" validate:"required,oneof=professional institutional pharmacy vision"`
	Patient         Patient    `json:"patient" validate:"required"`
	Payer           Payer      `json:"payer" validate:"required"`
	ServiceDate     time.Time  `json:"service_date" validate:"required"`
	DiagnosisCodes  []string   `json:"diagnosis_codes"`
	LineItems       []LineItem `json:"line_items" validate:"required,min=1,dive"`
}

// Validate checks the cross-field invariants §3 states that struct tags
// alone cannot express (non-negative prices, positive net total).
func (c *Claim) Validate() error {
	if len(c.LineItems) == 0 {
		return errInvalidInput("line_items must be non-empty")
	}
	net := decimal.Zero
	for _, li := range c.LineItems {
		if li.Quantity < 1 {
			return errInvalidInput("line_item quantity must be >= 1")
		}
		if li.UnitPrice.IsNegative() {
			return errInvalidInput("line_item unit_price must be >= 0")
		}
		net = net.Add(li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}
	if !net.IsPositive() {
		return errInvalidInput("sum(net) must be > 0")
	}
	return nil
}

// Totals holds the gross, net and patient-share amounts of a priced claim.
type Totals struct {
	Gross        decimal.Decimal `json:"gross"`
	Net          decimal.Decimal `json:"net"`
	PatientShare decimal.Decimal `json:"patient_share"`
}

// Violation is a soft pricing/validation issue that does not fail the
// claim but is surfaced to the caller (§4.5 step 5).
type Violation struct {
	LineSequence int    `json:"line_sequence"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// Stage identifies one step in the pipeline state machine (§4.8).
type Stage string

const (
	StageNormalizing Stage = "normalizing"
	StagePricing     Stage = "pricing"
	StageSigning     Stage = "signing"
	StageSubmitting  Stage = "submitting"
)

// Status identifies a transaction row's lifecycle state.
type Status string

const (
	StatusStarted Status = "started"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// TerminalStatus identifies the pipeline's final state for a run.
type TerminalStatus string

const (
	TerminalSubmitted         TerminalStatus = "submitted"
	TerminalFailedNormalizing TerminalStatus = "failed:normalizing"
	TerminalFailedPricing     TerminalStatus = "failed:pricing"
	TerminalFailedSigning     TerminalStatus = "failed:signing"
	TerminalFailedSubmitting  TerminalStatus = "failed:submitting"
)

// FailedTerminal maps a stage to its terminal failure state.
func FailedTerminal(s Stage) TerminalStatus {
	return TerminalStatus("failed:" + string(s))
}

func errInvalidInput(msg string) error { return &validationErr{msg} }

type validationErr struct{ msg string }

func (e *validationErr) Error() string { return e.msg }
