package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/platform/claimxml"
)

// RejectReasons are the assessment codes produced by the stub.
var RejectReasons = []struct {
	Code   string
	Reason string
}{
	{"ERR001", "Sai ma benh chinh"},
	{"ERR002", "Vuot tran chi phi"},
	{"ERR003", "Thieu thong tin dieu tri"},
	{"ERR004", "Khong dung tuyen"},
	{"ERR005", "Thuoc ngoai danh muc"},
	{"ERR006", "So luong thuoc vuot quy dinh"},
	{"ERR007", "Dich vu khong phu hop chan doan"},
	{"ERR008", "Trung lap ho so"},
	{"ERR009", "Sai dinh dang du lieu"},
	{"ERR010", "Thieu giay chuyen tuyen"},
}

// Stub is an in-process gateway for development and tests. It acknowledges
// every submission and, for claim batches, remembers the claim codes so that
// FetchAssessment can return deterministic results: every fifth claim is
// rejected, the rest are accepted at their claimed total.
type Stub struct {
	mu      sync.Mutex
	batches  map[string][]claimxml.Summary
	checkIns map[string]string
	calls    []string
	now     func() time.Time

	// RejectEvery overrides the rejection cadence; 0 means 5, negative
	// accepts everything.
	RejectEvery int
}

// NewStub creates an empty stub gateway.
func NewStub() *Stub {
	return &Stub{
		batches:  make(map[string][]claimxml.Summary),
		checkIns: make(map[string]string),
		now:      time.Now,
	}
}

// Calls returns the paths the stub has served, in order.
func (s *Stub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Stub) record(path string) {
	s.mu.Lock()
	s.calls = append(s.calls, path)
	s.mu.Unlock()
}

func (s *Stub) newTransactionID() string {
	return fmt.Sprintf("TXN-%s-%s", s.now().Format("20060102150405"), strings.ToUpper(uuid.NewString()[:8]))
}

// Send acknowledges any kind-routed submission. Claim batches posted to the
// cost data path are remembered for FetchAssessment.
func (s *Stub) Send(ctx context.Context, path string, body []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(path, err)
	}
	s.record(path)

	txID := s.newTransactionID()
	if path == PathSubmitCostData {
		var env CostEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &Error{Kind: KindStatus, Op: path, StatusCode: 400, Body: []byte(`{"message":"invalid envelope"}`)}
		}
		raw, err := base64.StdEncoding.DecodeString(env.XMLBase64)
		if err != nil {
			return nil, &Error{Kind: KindStatus, Op: path, StatusCode: 400, Body: []byte(`{"message":"invalid xmlBase64"}`)}
		}
		if err := s.remember(txID, raw); err != nil {
			out, _ := json.Marshal(CostReceipt{Message: err.Error(), Status: CostError})
			return &Response{StatusCode: 200, Body: out}, nil
		}
	}

	out, _ := json.Marshal(CostReceipt{TransactionID: txID, Message: "received", Status: CostReceived})
	return &Response{StatusCode: 200, Body: out}, nil
}

func (s *Stub) remember(txID string, raw []byte) error {
	env, err := claimxml.DecodeDossiers(raw)
	if err != nil {
		return err
	}
	summaries := make([]claimxml.Summary, 0, len(env.Dossiers))
	for _, d := range env.Dossiers {
		summaries = append(summaries, d.Summary)
	}
	s.mu.Lock()
	s.batches[txID] = summaries
	s.mu.Unlock()
	return nil
}

// VerifyCard accepts any 15-character card number.
func (s *Stub) VerifyCard(ctx context.Context, q CardQuery) (*CardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(PathVerifyCard, err)
	}
	s.record(PathVerifyCard)

	if len(q.CardNumber) != 15 {
		return &CardResult{
			CardNumber:       q.CardNumber,
			FullName:         q.FullName,
			Eligible:         false,
			IneligibleReason: "Ma the khong hop le",
		}, nil
	}

	year := s.now().Year()
	from := time.Date(year, 1, 1, 0, 0, 0, 0, claimxml.Zone())
	to := time.Date(year, 12, 31, 0, 0, 0, 0, claimxml.Zone())
	birth := q.BirthDate
	return &CardResult{
		CardNumber:         q.CardNumber,
		FullName:           q.FullName,
		BirthDate:          &birth,
		ValidFrom:          &from,
		ValidTo:            &to,
		RegisteredFacility: q.FacilityCode,
		BenefitLevel:       "80",
		Eligible:           true,
	}, nil
}

// SubmitCostData records the batch and returns a receipt.
func (s *Stub) SubmitCostData(ctx context.Context, b CostBatch) (*CostReceipt, error) {
	body, err := MarshalCostEnvelope(b, "")
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathSubmitCostData, Err: err}
	}
	resp, err := s.Send(ctx, PathSubmitCostData, body)
	if err != nil {
		return nil, err
	}
	var out CostReceipt
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Op: PathSubmitCostData, Err: err}
	}
	return &out, nil
}

// FetchAssessment returns the verdicts for a remembered batch.
func (s *Stub) FetchAssessment(ctx context.Context, transactionID string) (*Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(PathAssessment, err)
	}
	s.record(PathAssessment + transactionID)

	s.mu.Lock()
	summaries, ok := s.batches[transactionID]
	s.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: KindStatus, Op: PathAssessment + transactionID, StatusCode: 404, Body: []byte(`{"message":"transaction not found"}`)}
	}

	every := s.RejectEvery
	if every == 0 {
		every = 5
	}

	out := &Assessment{
		TransactionID: transactionID,
		Status:        AssessmentCompleted,
		TotalRecords:  len(summaries),
	}
	for i, sum := range summaries {
		claimed := sum.TotalCost.Value()
		item := AssessmentItem{ClaimCode: sum.ClaimCode, ClaimAmount: &claimed}
		if every > 0 && (i+1)%every == 0 {
			r := RejectReasons[i%len(RejectReasons)]
			item.RejectCode, item.RejectReason = r.Code, r.Reason
			zero := decimal.Zero
			item.AcceptedAmount = &zero
			out.RejectedRecords++
		} else {
			item.Accepted = true
			accepted := sum.InsurancePaid.Value()
			item.AcceptedAmount = &accepted
			out.AcceptedRecords++
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// TreatmentHistory reports one visit at the queried facility for a valid
// card, filtered by the query's date range, and nothing otherwise.
func (s *Stub) TreatmentHistory(ctx context.Context, q HistoryQuery) (*TreatmentHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(PathHistory, err)
	}
	s.record(PathHistory)

	out := &TreatmentHistory{CardNumber: q.CardNumber, Visits: []Visit{}}
	if len(q.CardNumber) != 15 {
		return out, nil
	}
	visited := s.now().In(claimxml.Zone()).AddDate(0, -1, 0).Truncate(time.Hour)
	if (!q.From.IsZero() && visited.Before(q.From)) || (!q.To.IsZero() && visited.After(q.To)) {
		return out, nil
	}
	out.Visits = append(out.Visits, Visit{
		FacilityCode:    "01001",
		FacilityName:    "Benh vien stub",
		VisitedAt:       &visited,
		VisitType:       "1",
		MainDiagnosis:   "J06.9",
		DiagnosisName:   "Nhiem trung duong ho hap tren cap",
		InsuranceAmount: decimal.NewFromInt(150000),
	})
	return out, nil
}

// CheckIn assigns a claim code per card and admission day. A second check-in
// for the same pair is a duplicate carrying the first code.
func (s *Stub) CheckIn(ctx context.Context, r CheckInRequest) (*CheckInResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(PathCheckIn, err)
	}
	s.record(PathCheckIn)

	if len(r.CardNumber) != 15 {
		return &CheckInResult{Status: CheckInInvalidCard, Message: "Ma the khong hop le"}, nil
	}
	key := r.CardNumber + "/" + r.AdmittedAt.In(claimxml.Zone()).Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.checkIns[key]; ok {
		return &CheckInResult{ClaimCode: code, Status: CheckInDuplicate, Message: "Ho so da ton tai"}, nil
	}
	code := "LK" + strings.ToUpper(uuid.NewString()[:10])
	s.checkIns[key] = code
	return &CheckInResult{ClaimCode: code, Status: CheckInOK, Message: "checked in"}, nil
}

// Ping always succeeds unless ctx is done.
func (s *Stub) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transportError(PathToken, err)
	}
	s.record(PathToken)
	return nil
}

var (
	_ Client = (*Stub)(nil)
	_ Client = (*HTTPClient)(nil)
)
