// Package gateway is the transport boundary to the national insurance and
// health-data gateway. It routes requests, authenticates, applies the
// configured timeout and reports failures as typed categories so callers can
// tell a timeout from a refused connection or a non-2xx response.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/platform/claimxml"
)

// Gateway endpoints.
const (
	PathToken          = "/api/token"
	PathVerifyCard     = "/api/egw/nhanHoSo"
	PathSubmitCostData = "/api/egw/guiHoSo"
	PathAssessment     = "/api/egw/ketQuaGiamDinh/"
	PathHistory        = "/api/egw/lichSuKcb"
	PathCheckIn        = "/api/egw/checkIn"
)

// Client is the set of gateway calls the pipeline depends on.
type Client interface {
	// Send posts a pre-serialized body to a kind-specific path.
	Send(ctx context.Context, path string, body []byte) (*Response, error)
	// VerifyCard performs a synchronous insurance card lookup.
	VerifyCard(ctx context.Context, q CardQuery) (*CardResult, error)
	// SubmitCostData submits a serialized claim batch.
	SubmitCostData(ctx context.Context, b CostBatch) (*CostReceipt, error)
	// FetchAssessment pulls per-item assessment results for a transaction.
	FetchAssessment(ctx context.Context, transactionID string) (*Assessment, error)
	// TreatmentHistory lists a card holder's past insured visits.
	TreatmentHistory(ctx context.Context, q HistoryQuery) (*TreatmentHistory, error)
	// CheckIn registers an insured admission and returns the claim code the
	// gateway assigned to it.
	CheckIn(ctx context.Context, r CheckInRequest) (*CheckInResult, error)
	// Ping checks that the gateway is reachable and accepts our credentials.
	Ping(ctx context.Context) error
}

// Response is a successful raw gateway response.
type Response struct {
	StatusCode int
	Body       []byte
}

// TransactionID extracts the external correlation id from a JSON response
// body. Both known field names are accepted; transactionId wins when both are
// present. Returns "" when neither is found.
func TransactionID(body []byte) string {
	var env struct {
		TransactionID string `json:"transactionId"`
		MaGiaoDich    string `json:"maGiaoDich"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if id := strings.TrimSpace(env.TransactionID); id != "" {
		return id
	}
	return strings.TrimSpace(env.MaGiaoDich)
}

// CardQuery identifies a card holder.
type CardQuery struct {
	CardNumber   string
	FullName     string
	BirthDate    time.Time
	FacilityCode string // defaults to the configured facility
}

// CardResult is the card holder's coverage as reported by the gateway.
type CardResult struct {
	CardNumber         string     `json:"card_number"`
	FullName           string     `json:"full_name"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	Gender             int        `json:"gender"`
	Address            string     `json:"address"`
	ValidFrom          *time.Time `json:"valid_from,omitempty"`
	ValidTo            *time.Time `json:"valid_to,omitempty"`
	RegisteredFacility string     `json:"registered_facility"`
	BenefitLevel       string     `json:"benefit_level"`
	Eligible           bool       `json:"eligible"`
	IneligibleReason   string     `json:"ineligible_reason,omitempty"`
	CoPayExempt        bool       `json:"co_pay_exempt"`
}

// HistoryQuery selects a card holder's visits. From and To are optional.
type HistoryQuery struct {
	CardNumber string
	OTP        string
	From       time.Time
	To         time.Time
}

// TreatmentHistory is the visit list returned for a card.
type TreatmentHistory struct {
	CardNumber string  `json:"card_number"`
	Visits     []Visit `json:"visits"`
}

// Visit is one past insured visit at any facility.
type Visit struct {
	FacilityCode    string          `json:"facility_code"`
	FacilityName    string          `json:"facility_name"`
	VisitedAt       *time.Time      `json:"visited_at,omitempty"`
	VisitType       string          `json:"visit_type"`
	MainDiagnosis   string          `json:"main_diagnosis"`
	DiagnosisName   string          `json:"diagnosis_name"`
	InsuranceAmount decimal.Decimal `json:"insurance_amount"`
}

// CheckInRequest announces an admission.
type CheckInRequest struct {
	CardNumber   string
	FullName     string
	BirthDate    time.Time
	FacilityCode string // defaults to the configured facility
	AdmittedAt   time.Time
}

// Check-in result states.
const (
	CheckInOK          = 0
	CheckInDuplicate   = 1
	CheckInInvalidCard = 2
	CheckInError       = 3
)

// CheckInResult is the gateway's answer to a check-in.
type CheckInResult struct {
	ClaimCode string `json:"maLk"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
}

// CostBatch is a bulk claim submission.
type CostBatch struct {
	XML          []byte
	BatchCode    string
	FacilityCode string
}

// Cost batch receipt states.
const (
	CostReceived   = 0
	CostProcessing = 1
	CostCompleted  = 2
	CostError      = 3
)

// CostReceipt acknowledges a bulk submission.
type CostReceipt struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
	Status        int    `json:"status"`
}

// Assessment states.
const (
	AssessmentProcessing = 0
	AssessmentCompleted  = 1
	AssessmentError      = 2
)

// Assessment is the per-item feedback for one transaction.
type Assessment struct {
	TransactionID   string           `json:"transactionId"`
	Status          int              `json:"status"`
	TotalRecords    int              `json:"totalRecords"`
	AcceptedRecords int              `json:"acceptedRecords"`
	RejectedRecords int              `json:"rejectedRecords"`
	Items           []AssessmentItem `json:"items"`
	Message         string           `json:"message"`
}

// AssessmentItem is the verdict for one claim, keyed by its claim code.
type AssessmentItem struct {
	ClaimCode      string           `json:"maLk"`
	Accepted       bool             `json:"isAccepted"`
	RejectCode     string           `json:"rejectCode"`
	RejectReason   string           `json:"rejectReason"`
	ClaimAmount    *decimal.Decimal `json:"claimAmount"`
	AcceptedAmount *decimal.Decimal `json:"acceptedAmount"`
}

// wire shapes

type cardRequest struct {
	CardNumber   string `json:"maThe"`
	FullName     string `json:"hoTen"`
	BirthDate    string `json:"ngaySinh"`
	FacilityCode string `json:"maCsKcb"`
}

type cardResponse struct {
	CardNumber       string `json:"maThe"`
	FullName         string `json:"hoTen"`
	BirthDate        string `json:"ngaySinh"`
	Gender           int    `json:"gioiTinh"`
	Address          string `json:"diaChi"`
	ValidFrom        string `json:"gtTheTu"`
	ValidTo          string `json:"gtTheDen"`
	RegisteredCode   string `json:"maDkbd"`
	BenefitLevel     string `json:"mucHuong"`
	Eligible         bool   `json:"duDkKcb"`
	IneligibleReason string `json:"lyDoKhongDuDk"`
	CoPayExempt      bool   `json:"mienCungCt"`
}

func (r cardResponse) result() *CardResult {
	return &CardResult{
		CardNumber:         r.CardNumber,
		FullName:           r.FullName,
		BirthDate:          parseDate(r.BirthDate),
		Gender:             r.Gender,
		Address:            r.Address,
		ValidFrom:          parseDate(r.ValidFrom),
		ValidTo:            parseDate(r.ValidTo),
		RegisteredFacility: r.RegisteredCode,
		BenefitLevel:       r.BenefitLevel,
		Eligible:           r.Eligible,
		IneligibleReason:   r.IneligibleReason,
		CoPayExempt:        r.CoPayExempt,
	}
}

type historyRequest struct {
	CardNumber string `json:"maThe"`
	OTP        string `json:"otp,omitempty"`
	From       string `json:"tuNgay,omitempty"`
	To         string `json:"denNgay,omitempty"`
}

type historyResponse struct {
	CardNumber string `json:"maThe"`
	Visits     []struct {
		FacilityCode  string          `json:"maCsKcb"`
		FacilityName  string          `json:"tenCsKcb"`
		VisitedAt     string          `json:"ngayKcb"`
		VisitType     string          `json:"maLoaiKcb"`
		MainDiagnosis string          `json:"maBenhChinh"`
		DiagnosisName string          `json:"tenBenhChinh"`
		Amount        decimal.Decimal `json:"tienBhyt"`
	} `json:"visits"`
}

func (r historyResponse) result(card string) *TreatmentHistory {
	out := &TreatmentHistory{CardNumber: r.CardNumber, Visits: make([]Visit, 0, len(r.Visits))}
	if out.CardNumber == "" {
		out.CardNumber = card
	}
	for _, v := range r.Visits {
		out.Visits = append(out.Visits, Visit{
			FacilityCode:    v.FacilityCode,
			FacilityName:    v.FacilityName,
			VisitedAt:       parseDate(v.VisitedAt),
			VisitType:       v.VisitType,
			MainDiagnosis:   v.MainDiagnosis,
			DiagnosisName:   v.DiagnosisName,
			InsuranceAmount: v.Amount,
		})
	}
	return out
}

type checkInRequest struct {
	CardNumber   string `json:"maThe"`
	FullName     string `json:"hoTen"`
	BirthDate    string `json:"ngaySinh"`
	FacilityCode string `json:"maCsKcb"`
	AdmittedAt   string `json:"ngayVao"`
}

// formatDate renders an optional date, "" for the zero time.
func formatDate(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(layout)
}

// CostEnvelope is the JSON body of a bulk submission.
type CostEnvelope struct {
	XMLBase64    string `json:"xmlBase64"`
	BatchCode    string `json:"batchCode"`
	FacilityCode string `json:"maCsKcb"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt"`
	APIKey    *struct {
		AccessToken string     `json:"access_token"`
		ExpiresAt   *time.Time `json:"expiresAt"`
	} `json:"APIKey"`
}

const (
	dateLayout     = "20060102"
	dateTimeLayout = "200601021504"
)

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{dateTimeLayout, dateLayout, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, claimxml.Zone()); err == nil {
			return &t
		}
	}
	return nil
}
