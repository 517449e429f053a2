// Package submission delivers facts to the insurance gateway. Each fact is
// persisted as a Submission before any network call and then moves through
// Pending, Submitted, Accepted, Rejected or Error.
package submission

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("submission not found")
	ErrAlreadyAccepted   = errors.New("submission already accepted")
	ErrRetryLimit        = errors.New("submission retry limit reached")
	ErrInvalidTransition = errors.New("submission cannot be retried from its current status")
)

// Kind is the type of fact being submitted. Values are stable and persisted.
type Kind int

const (
	KindDemographics Kind = 1
	KindEncounter    Kind = 2
	KindLabResult    Kind = 3
	KindPrescription Kind = 5
	KindDischarge    Kind = 6
	KindClaimCost    Kind = 11
)

var kindNames = map[Kind]string{
	KindDemographics: "demographics",
	KindEncounter:    "encounter",
	KindLabResult:    "lab-result",
	KindPrescription: "prescription",
	KindDischarge:    "discharge",
	KindClaimCost:    "claim-cost",
}

var kindPaths = map[Kind]string{
	KindDemographics: "/api/v1/patient",
	KindEncounter:    "/api/v1/encounter",
	KindLabResult:    "/api/v1/lab-result",
	KindPrescription: "/api/v1/prescription",
	KindDischarge:    "/api/v1/discharge",
	KindClaimCost:    "/api/egw/guiHoSo",
}

// Kinds lists every supported kind in value order.
func Kinds() []Kind {
	return []Kind{KindDemographics, KindEncounter, KindLabResult, KindPrescription, KindDischarge, KindClaimCost}
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Path is the gateway path the kind is posted to.
func (k Kind) Path() string {
	return kindPaths[k]
}

// ParseKind accepts a kind name or its numeric value.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Kind(n).Valid() {
		return Kind(n), nil
	}
	return 0, fmt.Errorf("unknown submission kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown submission kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// UnmarshalJSON accepts a kind name or its numeric value.
func (k *Kind) UnmarshalJSON(b []byte) error {
	return k.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// Status is the lifecycle state of a Submission. Values are persisted.
type Status int

const (
	StatusPending   Status = 0
	StatusSubmitted Status = 1
	StatusAccepted  Status = 2
	StatusRejected  Status = 3
	StatusError     Status = 4
)

var statusNames = []string{"pending", "submitted", "accepted", "rejected", "error"}

func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusError
}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ParseStatus accepts a status name or its numeric value.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown submission status %q", s)
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

// Category classifies a failed attempt.
type Category string

const (
	CategoryNone          Category = ""
	CategoryTransient     Category = "transient-network"
	CategoryRejection     Category = "gateway-rejection"
	CategoryValidation    Category = "validation"
	CategoryDataIntegrity Category = "data-integrity"
	CategoryConfiguration Category = "configuration"
)

// LocalPrefix marks transaction ids synthesized in offline mode.
const LocalPrefix = "LOCAL-"

// Submission maps to the submissions table. RequestPayload is written once
// at creation and never changes.
type Submission struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Kind            Kind            `db:"kind" json:"kind"`
	PatientRef      string          `db:"patient_ref" json:"patient_ref,omitempty"`
	SourceRef       string          `db:"source_ref" json:"source_ref,omitempty"`
	RequestPayload  json.RawMessage `db:"request_payload" json:"request_payload"`
	ResponsePayload string          `db:"response_payload" json:"response_payload,omitempty"`
	Status          Status          `db:"status" json:"status"`
	ErrorCategory   Category        `db:"error_category" json:"error_category,omitempty"`
	ErrorMessage    string          `db:"error_message" json:"error_message,omitempty"`
	TransactionID   string          `db:"transaction_id" json:"transaction_id,omitempty"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	SubmittedAt     *time.Time      `db:"submitted_at" json:"submitted_at,omitempty"`
	ResponseAt      *time.Time      `db:"response_at" json:"response_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Offline reports whether the row was only recorded locally while the
// gateway was unavailable.
func (s *Submission) Offline() bool {
	return s.Status == StatusSubmitted && strings.HasPrefix(s.TransactionID, LocalPrefix)
}

// CanRetry reports whether an explicit retry may reset the row to Pending.
func (s *Submission) CanRetry(maxRetries int) error {
	switch {
	case s.Status == StatusAccepted:
		return ErrAlreadyAccepted
	case s.RetryCount >= maxRetries:
		return ErrRetryLimit
	case s.Status == StatusError, s.Status == StatusRejected, s.Offline():
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, s.Status)
	}
}

// Clone returns a deep copy.
func (s *Submission) Clone() *Submission {
	cp := *s
	cp.RequestPayload = append(json.RawMessage(nil), s.RequestPayload...)
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		cp.SubmittedAt = &t
	}
	if s.ResponseAt != nil {
		t := *s.ResponseAt
		cp.ResponseAt = &t
	}
	return &cp
}

// Result is what callers see for one attempt. Expected failures (network
// trouble, gateway rejection, invalid payload) are reported here rather
// than as errors.
type Result struct {
	SubmissionID  uuid.UUID `json:"submission_id"`
	Success       bool      `json:"success"`
	Status        Status    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Category      Category  `json:"category,omitempty"`
	RetryCount    int       `json:"retry_count"`
}

func resultOf(s *Submission) *Result {
	r := &Result{
		SubmissionID:  s.ID,
		Status:        s.Status,
		TransactionID: s.TransactionID,
		ErrorMessage:  s.ErrorMessage,
		Category:      s.ErrorCategory,
		RetryCount:    s.RetryCount,
	}
	r.Success = s.Status == StatusPending || s.Status == StatusSubmitted || s.Status == StatusAccepted
	return r
}

// Filter narrows Search.
type Filter struct {
	Kind       *Kind
	Status     *Status
	PatientRef string
	SourceRef  string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Stats summarizes submissions created since a point in time.
type Stats struct {
	Since           time.Time      `json:"since"`
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Submitted       int            `json:"submitted"`
	Accepted        int            `json:"accepted"`
	Rejected        int            `json:"rejected"`
	Error           int            `json:"error"`
	ByKind          map[string]int `json:"by_kind"`
	LastSubmittedAt *time.Time     `json:"last_submitted_at,omitempty"`
}

func (st *Stats) add(s Status, k Kind, n int) {
	st.Total += n
	switch s {
	case StatusPending:
		st.Pending += n
	case StatusSubmitted:
		st.Submitted += n
	case StatusAccepted:
		st.Accepted += n
	case StatusRejected:
		st.Rejected += n
	case StatusError:
		st.Error += n
	}
	st.ByKind[k.String()] += n
}
