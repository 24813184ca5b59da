package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReconcileResult names what a single reconcile call did.
type ReconcileResult string

const (
	ResultCredited        ReconcileResult = "credited"
	ResultAlreadyCredited ReconcileResult = "already_credited"
	ResultMarkedFailed    ReconcileResult = "marked_failed"
	ResultStillPending    ReconcileResult = "still_pending"
	ResultCreditRejected  ReconcileResult = "credit_rejected"
	ResultCreditAmbiguous ReconcileResult = "credit_ambiguous"
	ResultInProgress      ReconcileResult = "in_progress"
)

// ReconcileOutcome is returned by every reconcile call that reached the gateway
// or the ledger short-circuit.
type ReconcileOutcome struct {
	Reference     string          `json:"reference"`
	Result        ReconcileResult `json:"result"`
	GatewayStatus GatewayStatus   `json:"gateway_status"`
	SaleID        string          `json:"sale_id,omitempty"`
	AmountMinor   int64           `json:"amount_minor,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// Resolved reports whether the outcome leaves the transaction in a terminal state.
func (o *ReconcileOutcome) Resolved() bool {
	switch o.Result {
	case ResultCredited, ResultAlreadyCredited, ResultMarkedFailed:
		return true
	}
	return false
}

// SweepCategory is the per-candidate bucket of a recovery sweep.
type SweepCategory string

const (
	CategoryCredited     SweepCategory = "credited"
	CategoryMarkedFailed SweepCategory = "marked_failed"
	CategorySkipped      SweepCategory = "skipped"
	CategoryCreditFailed SweepCategory = "credit_failed"
	CategoryError        SweepCategory = "error"
	CategoryCandidate    SweepCategory = "candidate" // dry run only
)

// CategoryFor buckets a reconcile result for the sweep report.
func CategoryFor(r ReconcileResult) SweepCategory {
	switch r {
	case ResultCredited:
		return CategoryCredited
	case ResultMarkedFailed:
		return CategoryMarkedFailed
	case ResultCreditRejected, ResultCreditAmbiguous:
		return CategoryCreditFailed
	default:
		return CategorySkipped
	}
}

// RecoveryItem is one line of the sweep report.
type RecoveryItem struct {
	Reference string          `json:"reference"`
	Category  SweepCategory   `json:"category"`
	Result    ReconcileResult `json:"result,omitempty"`
	SaleID    string          `json:"sale_id,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// RecoveryReport is the operator-facing sweep result. The counters always sum
// to len(Results). Candidates is only non-zero for a dry run, where nothing
// was reconciled and every other counter stays zero.
type RecoveryReport struct {
	Message    string         `json:"message"`
	DryRun     bool           `json:"dry_run"`
	Credited   int            `json:"credited"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Errors     int            `json:"errors"`
	Candidates int            `json:"candidates,omitempty"`
	Results    []RecoveryItem `json:"results"`
}

// Add records an item and bumps the matching counter.
func (r *RecoveryReport) Add(item RecoveryItem) {
	switch item.Category {
	case CategoryCredited:
		r.Credited++
	case CategoryMarkedFailed, CategoryCreditFailed:
		r.Failed++
	case CategoryError:
		r.Errors++
	case CategoryCandidate:
		r.Candidates++
	default:
		r.Skipped++
	}
	r.Results = append(r.Results, item)
}

// Sweep triggers.
const (
	TriggerAdmin     = "admin"
	TriggerCron      = "cron"
	TriggerScheduler = "scheduler"
)

// SweepRun is the persisted bookkeeping row for one non-dry recovery sweep.
type SweepRun struct {
	ID         uuid.UUID  `json:"id"`
	Trigger    string     `json:"trigger"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	DryRun     bool       `json:"dry_run"`
	Candidates int        `json:"candidates"`
	Credited   int        `json:"credited"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Errors     int        `json:"errors"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finish copies the report counts onto the run.
func (s *SweepRun) Finish(report *RecoveryReport, at time.Time) {
	s.Credited = report.Credited
	s.Failed = report.Failed
	s.Skipped = report.Skipped
	s.Errors = report.Errors
	s.FinishedAt = &at
}
