// Package claim holds insurance claims, exports them to the gateway as
// settlement batches and folds the authority's assessment back onto them.
package claim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("claim not found")
	ErrDuplicateCode     = errors.New("claim code already exists")
	ErrInvalidTransition = errors.New("claim is not in a state that allows this action")
	ErrFinalRejection    = errors.New("claim rejection was accepted and is final")
	ErrAnomalyNotFound   = errors.New("anomaly not found")
	ErrAnomalyResolved   = errors.New("anomaly already resolved")
	ErrAssessmentPending = errors.New("assessment is still being processed")
	// ErrSubmissionOutstanding means the claim's last export can still be
	// delivered; retry that submission instead of exporting again.
	ErrSubmissionOutstanding = errors.New("claim has an outstanding submission")
)

// Status is the lifecycle state of a Claim. Values are persisted.
type Status int

const (
	StatusPending   Status = 0
	StatusLocked    Status = 1
	StatusSubmitted Status = 2
	StatusAccepted  Status = 3
	StatusRejected  Status = 4
)

var statusNames = []string{"pending", "locked", "submitted", "accepted", "rejected"}

func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusRejected
}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ParseStatus accepts a status name or its numeric value.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown claim status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// LineKind separates medicine, technical service and supply lines.
type LineKind int

const (
	LineDrug    LineKind = 1
	LineService LineKind = 2
	LineSupply  LineKind = 3
)

// Claim is the insurance claim for one encounter. ClaimCode is the
// correlation key the authority uses in its feedback.
type Claim struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ClaimCode          string     `db:"claim_code" json:"claim_code" validate:"required,max=100"`
	PatientRef         string     `db:"patient_ref" json:"patient_ref,omitempty" validate:"required"`
	EncounterRef       string     `db:"encounter_ref" json:"encounter_ref,omitempty"`
	InsuranceNumber    string     `db:"insurance_number" json:"insurance_number" validate:"required,len=15"`
	PatientName        string     `db:"patient_name" json:"patient_name" validate:"required"`
	BirthDate          *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender             int        `db:"gender" json:"gender" validate:"oneof=1 2 3"`
	Address            string     `db:"address" json:"address,omitempty"`
	RegisteredFacility string     `db:"registered_facility" json:"registered_facility,omitempty"`
	CardValidFrom      *time.Time `db:"card_valid_from" json:"card_valid_from,omitempty"`
	CardValidTo        *time.Time `db:"card_valid_to" json:"card_valid_to,omitempty"`
	MainDiagnosis      string     `db:"main_diagnosis" json:"main_diagnosis" validate:"required"`
	SubDiagnoses       string     `db:"sub_diagnoses" json:"sub_diagnoses,omitempty"`
	VisitType          int        `db:"visit_type" json:"visit_type" validate:"oneof=1 2 3"`
	AdmittedAt         *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	DischargedAt       *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	TreatmentDays      int        `db:"treatment_days" json:"treatment_days"`
	DepartmentCode     string     `db:"department_code" json:"department_code,omitempty"`

	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount" validate:"gt=0"`
	InsuranceAmount decimal.Decimal `db:"insurance_amount" json:"insurance_amount" validate:"gte=0"`
	PatientAmount   decimal.Decimal `db:"patient_amount" json:"patient_amount" validate:"gte=0"`

	// Settled amounts are reported by the authority and replace the local
	// figures once the claim is accepted.
	SettledClaimAmount    *decimal.Decimal `db:"settled_claim_amount" json:"settled_claim_amount,omitempty"`
	SettledAcceptedAmount *decimal.Decimal `db:"settled_accepted_amount" json:"settled_accepted_amount,omitempty"`

	Status           Status     `db:"status" json:"status"`
	RejectCode       string     `db:"reject_code" json:"reject_code,omitempty"`
	RejectReason     string     `db:"reject_reason" json:"reject_reason,omitempty"`
	RejectionFinal   bool       `db:"rejection_final" json:"rejection_final"`
	LastSubmissionID *uuid.UUID `db:"last_submission_id" json:"last_submission_id,omitempty"`
	TransactionID    string     `db:"transaction_id" json:"transaction_id,omitempty"`
	BatchCode        string     `db:"batch_code" json:"batch_code,omitempty"`
	LockReason       string     `db:"lock_reason" json:"lock_reason,omitempty"`
	SubmittedAt      *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	SettledAt        *time.Time `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`

	Lines []Line `json:"lines,omitempty" validate:"dive"`
}

// Clone returns a deep copy.
func (c *Claim) Clone() *Claim {
	cp := *c
	cp.Lines = append([]Line(nil), c.Lines...)
	return &cp
}

// Line is one cost line of a claim.
type Line struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	ClaimID         uuid.UUID       `db:"claim_id" json:"claim_id"`
	Seq             int             `db:"seq" json:"seq"`
	Kind            LineKind        `db:"kind" json:"kind" validate:"oneof=1 2 3"`
	ItemCode        string          `db:"item_code" json:"item_code" validate:"required"`
	ItemName        string          `db:"item_name" json:"item_name" validate:"required"`
	Unit            string          `db:"unit" json:"unit,omitempty"`
	Quantity        decimal.Decimal `db:"quantity" json:"quantity" validate:"gt=0"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	Amount          decimal.Decimal `db:"amount" json:"amount" validate:"gte=0"`
	InsuranceRate   int             `db:"insurance_rate" json:"insurance_rate" validate:"gte=0,lte=100"`
	InsuranceAmount decimal.Decimal `db:"insurance_amount" json:"insurance_amount"`
	PatientAmount   decimal.Decimal `db:"patient_amount" json:"patient_amount"`
	DepartmentCode  string          `db:"department_code" json:"department_code,omitempty"`
	DoctorCode      string          `db:"doctor_code" json:"doctor_code,omitempty"`
	OrderedAt       *time.Time      `db:"ordered_at" json:"ordered_at,omitempty"`
}

// Event actions recorded on the audit trail.
const (
	ActionCreate          = "create"
	ActionLock            = "lock"
	ActionUnlock          = "unlock"
	ActionExport          = "export"
	ActionExportFailed    = "export-failed"
	ActionTransmitted     = "transmitted"
	ActionAccept          = "accept"
	ActionReject          = "reject"
	ActionAcceptRejection = "accept-rejection"
	ActionCorrect         = "correct"
)

// Event is one audited transition of a claim.
type Event struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ClaimID      uuid.UUID  `db:"claim_id" json:"claim_id"`
	FromStatus   Status     `db:"from_status" json:"from_status"`
	ToStatus     Status     `db:"to_status" json:"to_status"`
	Action       string     `db:"action" json:"action"`
	SubmissionID *uuid.UUID `db:"submission_id" json:"submission_id,omitempty"`
	Detail       string     `db:"detail" json:"detail,omitempty"`
	Actor        string     `db:"actor" json:"actor,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Anomaly reasons.
const (
	AnomalyUnknownClaim  = "unknown-claim"
	AnomalyStateConflict = "state-conflict"
)

// Anomaly is a feedback item that could not be applied. Only an operator
// resolves it.
type Anomaly struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Reason        string          `db:"reason" json:"reason"`
	ClaimCode     string          `db:"claim_code" json:"claim_code"`
	ClaimID       *uuid.UUID      `db:"claim_id" json:"claim_id,omitempty"`
	TransactionID string          `db:"transaction_id" json:"transaction_id,omitempty"`
	Detail        string          `db:"detail" json:"detail"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	Resolved      bool            `db:"resolved" json:"resolved"`
	Resolution    string          `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy    string          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Filter narrows List.
type Filter struct {
	Status        *Status
	PatientRef    string
	BatchCode     string
	TransactionID string
	Limit         int
	Offset        int
}

// AnomalyFilter narrows ListAnomalies.
type AnomalyFilter struct {
	Resolved *bool
	Limit    int
	Offset   int
}
