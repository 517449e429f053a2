package submission

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
)

type fakeClient struct {
	mu     sync.Mutex
	send   func(ctx context.Context, path string, body []byte) (*gateway.Response, error)
	paths  []string
	bodies [][]byte
}

func (f *fakeClient) Send(ctx context.Context, path string, body []byte) (*gateway.Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.bodies = append(f.bodies, append([]byte(nil), body...))
	f.mu.Unlock()
	if f.send == nil {
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"transactionId":"TX-OK"}`)}, nil
	}
	return f.send(ctx, path, body)
}

func (f *fakeClient) VerifyCard(context.Context, gateway.CardQuery) (*gateway.CardResult, error) {
	return &gateway.CardResult{Eligible: true}, nil
}

func (f *fakeClient) SubmitCostData(context.Context, gateway.CostBatch) (*gateway.CostReceipt, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) FetchAssessment(context.Context, string) (*gateway.Assessment, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) TreatmentHistory(_ context.Context, q gateway.HistoryQuery) (*gateway.TreatmentHistory, error) {
	return &gateway.TreatmentHistory{CardNumber: q.CardNumber, Visits: []gateway.Visit{{FacilityCode: "79001"}}}, nil
}

func (f *fakeClient) CheckIn(_ context.Context, r gateway.CheckInRequest) (*gateway.CheckInResult, error) {
	if r.CardNumber == "DUP" {
		return &gateway.CheckInResult{ClaimCode: "LK-OLD", Status: gateway.CheckInDuplicate}, nil
	}
	return &gateway.CheckInResult{ClaimCode: "LK-" + r.FacilityCode, Status: gateway.CheckInOK}, nil
}

func (f *fakeClient) Ping(context.Context) error {
	if f.send != nil {
		_, err := f.send(context.Background(), gateway.PathToken, nil)
		return err
	}
	return nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

var fixedNow = time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)

func onlineConfig() gateway.Config {
	return gateway.Config{
		BaseURL:      "http://gateway.test",
		FacilityCode: "01001",
		FacilityName: "Benh vien Da khoa",
		Enabled:      true,
		AutoSubmit:   true,
		MaxRetries:   3,
	}
}

func newTestEngine(cfg gateway.Config, client gateway.Client, opts ...Option) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	store.SetClock(func() time.Time { return fixedNow })
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(store, client, NewAssembler(cfg), cfg, opts...), store
}

func demographics(code string) *Demographics {
	return &Demographics{
		PatientCode: code,
		FullName:    "Nguyen Van A",
		BirthDate:   Date{time.Date(1980, 5, 17, 0, 0, 0, 0, time.UTC)},
		Gender:      1,
	}
}

func submitDemographics(t *testing.T, e *Engine, code string) *Result {
	t.Helper()
	res, err := e.Submit(context.Background(), Request{Kind: KindDemographics, PatientRef: code, Payload: demographics(code)})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	return res
}

func TestSubmit_PersistsBeforeSending(t *testing.T) {
	var store *MemoryStore
	client := &fakeClient{}
	client.send = func(ctx context.Context, path string, body []byte) (*gateway.Response, error) {
		if store.Len() != 1 {
			t.Errorf("expected the row to exist before the gateway call, found %d rows", store.Len())
		}
		rows, _, _ := store.Search(ctx, Filter{})
		if len(rows) == 1 && rows[0].Status != StatusPending {
			t.Errorf("expected Pending during the call, got %s", rows[0].Status)
		}
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"transactionId":"TX-1"}`)}, nil
	}
	var e *Engine
	e, store = newTestEngine(onlineConfig(), client)

	res := submitDemographics(t, e, "BN001")
	if !res.Success || res.Status != StatusAccepted || res.TransactionID != "TX-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if client.paths[0] != "/api/v1/patient" {
		t.Errorf("expected demographics path, got %s", client.paths[0])
	}

	var sent map[string]interface{}
	if err := json.Unmarshal(client.bodies[0], &sent); err != nil {
		t.Fatalf("sent body is not JSON: %v", err)
	}
	if sent["maCSKCB"] != "01001" || sent["tenCSKCB"] != "Benh vien Da khoa" {
		t.Errorf("expected facility to be stamped, got %v", sent)
	}
	if sent["ngaySinh"] != "17/05/1980" {
		t.Errorf("expected dd/MM/yyyy birth date, got %v", sent["ngaySinh"])
	}
}

func TestSubmit_OfflineRecordsLocally(t *testing.T) {
	for name, cfg := range map[string]gateway.Config{
		"disabled":    {BaseURL: "http://gateway.test", Enabled: false, MaxRetries: 3},
		"no base url": {Enabled: true, MaxRetries: 3},
	} {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{}
			e, store := newTestEngine(cfg, client)

			res := submitDemographics(t, e, "BN001")
			if client.calls() != 0 {
				t.Fatalf("expected no gateway call, got %d", client.calls())
			}
			if !res.Success || res.Status != StatusSubmitted {
				t.Fatalf("expected local Submitted, got %+v", res)
			}
			if !strings.HasPrefix(res.TransactionID, LocalPrefix) || len(res.TransactionID) != 20 {
				t.Errorf("unexpected local transaction id %q", res.TransactionID)
			}
			s, _ := store.GetByID(context.Background(), res.SubmissionID)
			if !s.Offline() || s.SubmittedAt == nil {
				t.Errorf("expected offline row with submitted_at, got %+v", s)
			}
		})
	}
}

func TestSubmit_HTTPGatewayAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/encounter" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"maGiaoDich":"GD-9"}`))
	}))
	defer srv.Close()

	cfg := onlineConfig()
	cfg.BaseURL = srv.URL
	e, store := newTestEngine(cfg, gateway.NewHTTPClient(cfg))

	res, err := e.Submit(context.Background(), Request{Kind: KindEncounter, Payload: &Encounter{
		PatientCode: "BN001",
		FullName:    "Nguyen Van A",
		Gender:      1,
		VisitType:   VisitOutpatient,
		RecordCode:  "HS001",
		MainICD:     "J06.9",
		AdmittedAt:  DateTime{time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
	}})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Status != StatusAccepted || res.TransactionID != "GD-9" {
		t.Fatalf("unexpected result %+v", res)
	}
	s, _ := store.GetByID(context.Background(), res.SubmissionID)
	if s.ResponsePayload != `{"maGiaoDich":"GD-9"}` || s.ResponseAt == nil {
		t.Errorf("expected response to be recorded, got %+v", s)
	}
}

func TestSubmit_FallbackTransactionID(t *testing.T) {
	client := &fakeClient{send: func(context.Context, string, []byte) (*gateway.Response, error) {
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"message":"ok"}`)}, nil
	}}
	e, _ := newTestEngine(onlineConfig(), client)

	res := submitDemographics(t, e, "BN001")
	if res.TransactionID != "DQGVN-20250301083000" {
		t.Errorf("expected synthesized transaction id, got %q", res.TransactionID)
	}
}

func TestSubmit_FailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		message  string
	}{
		{"server error", &gateway.Error{Kind: gateway.KindStatus, StatusCode: 503, Body: []byte("busy")}, CategoryTransient, "HTTP 503: busy"},
		{"too many requests", &gateway.Error{Kind: gateway.KindStatus, StatusCode: 429, Body: []byte("slow down")}, CategoryTransient, "HTTP 429: slow down"},
		{"bad request", &gateway.Error{Kind: gateway.KindStatus, StatusCode: 400, Body: []byte(`{"message":"MA_THE invalid"}`)}, CategoryRejection, `HTTP 400: {"message":"MA_THE invalid"}`},
		{"timeout", &gateway.Error{Kind: gateway.KindTimeout, Err: context.DeadlineExceeded}, CategoryTransient, "Request timeout"},
		{"connection", &gateway.Error{Kind: gateway.KindConnection, Err: errors.New("connection refused")}, CategoryTransient, "Connection error: connection refused"},
		{"configuration", &gateway.Error{Kind: gateway.KindConfig, Err: errors.New("base url is not configured")}, CategoryConfiguration, "Configuration error: base url is not configured"},
		{"unexpected", errors.New("boom"), CategoryTransient, "Unexpected error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{send: func(context.Context, string, []byte) (*gateway.Response, error) {
				return nil, tt.err
			}}
			e, store := newTestEngine(onlineConfig(), client)

			res := submitDemographics(t, e, "BN001")
			if res.Success || res.Status != StatusError {
				t.Fatalf("expected Error, got %+v", res)
			}
			if res.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, res.Category)
			}
			if res.ErrorMessage != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, res.ErrorMessage)
			}
			s, _ := store.GetByID(context.Background(), res.SubmissionID)
			if s.Status != StatusError || s.ErrorMessage != tt.message || s.TransactionID != "" {
				t.Errorf("outcome not persisted: %+v", s)
			}
		})
	}
}

func TestSubmit_TruncatesErrorBody(t *testing.T) {
	body := strings.Repeat("é", 600)
	client := &fakeClient{send: func(context.Context, string, []byte) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: gateway.KindStatus, StatusCode: 400, Body: []byte(body)}
	}}
	e, _ := newTestEngine(onlineConfig(), client)

	res := submitDemographics(t, e, "BN001")
	want := "HTTP 400: " + strings.Repeat("é", 500)
	if res.ErrorMessage != want {
		t.Errorf("expected body truncated to 500 characters, got %d characters", len([]rune(res.ErrorMessage)))
	}
}

func TestSubmit_ValidationFailureIsNotPersisted(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(onlineConfig(), client)

	p := demographics("")
	p.Gender = 7
	res, err := e.Submit(context.Background(), Request{Kind: KindDemographics, Payload: p})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Success || res.Category != CategoryValidation {
		t.Fatalf("expected validation failure, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "maBN is required") || !strings.Contains(res.ErrorMessage, "gioiTinh") {
		t.Errorf("expected field names in message, got %q", res.ErrorMessage)
	}
	if store.Len() != 0 || client.calls() != 0 {
		t.Errorf("expected nothing persisted or sent, got %d rows and %d calls", store.Len(), client.calls())
	}
}

func TestSubmit_KindMismatch(t *testing.T) {
	e, _ := newTestEngine(onlineConfig(), &fakeClient{})
	res, err := e.Submit(context.Background(), Request{Kind: KindEncounter, Payload: demographics("BN001")})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Success || res.Category != CategoryValidation {
		t.Fatalf("expected validation failure for mismatched kind, got %+v", res)
	}
}

func TestSubmit_AutoSubmitDisabledQueues(t *testing.T) {
	cfg := onlineConfig()
	cfg.AutoSubmit = false
	client := &fakeClient{}
	e, store := newTestEngine(cfg, client)

	res := submitDemographics(t, e, "BN001")
	if !res.Success || res.Status != StatusPending {
		t.Fatalf("expected queued Pending, got %+v", res)
	}
	if client.calls() != 0 {
		t.Errorf("expected no gateway call, got %d", client.calls())
	}
	pending, _ := store.ListPending(context.Background(), cfg.MaxRetries, 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending row, got %d", len(pending))
	}
}

func TestSubmit_ClaimCostReceiptError(t *testing.T) {
	client := &fakeClient{send: func(_ context.Context, path string, _ []byte) (*gateway.Response, error) {
		if path != gateway.PathSubmitCostData {
			t.Errorf("expected cost data path, got %s", path)
		}
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"transactionId":"TX-C","message":"Sai dinh dang","status":3}`)}, nil
	}}
	e, _ := newTestEngine(onlineConfig(), client)

	res, err := e.Submit(context.Background(), Request{Payload: &ClaimDossier{
		BatchCode: "QT-202503",
		Dossiers:  sampleDossiers(),
	}})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.Status != StatusRejected || res.Category != CategoryRejection || res.ErrorMessage != "Sai dinh dang" {
		t.Fatalf("expected rejected receipt, got %+v", res)
	}

	var env gateway.CostEnvelope
	if err := json.Unmarshal(client.bodies[0], &env); err != nil {
		t.Fatalf("expected cost envelope, got %s", client.bodies[0])
	}
	if env.BatchCode != "QT-202503" || env.FacilityCode != "01001" || env.XMLBase64 == "" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestDeliver_TimeoutLeavesRetryCount(t *testing.T) {
	client := &fakeClient{send: func(context.Context, string, []byte) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: gateway.KindTimeout}
	}}
	e, store := newTestEngine(onlineConfig(), client)

	res := submitDemographics(t, e, "BN001")
	s, _ := store.GetByID(context.Background(), res.SubmissionID)
	if s.RetryCount != 0 {
		t.Errorf("expected retry_count 0 after a timeout, got %d", s.RetryCount)
	}
}

func TestDeliver_PersistsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{send: func(ctx context.Context, _ string, _ []byte) (*gateway.Response, error) {
		cancel()
		return nil, &gateway.Error{Kind: gateway.KindTimeout, Err: ctx.Err()}
	}}
	e, store := newTestEngine(onlineConfig(), client)

	res, err := e.Submit(ctx, Request{Kind: KindDemographics, Payload: demographics("BN001")})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	s, _ := store.GetByID(context.Background(), res.SubmissionID)
	if s.Status != StatusError {
		t.Errorf("expected outcome persisted despite cancellation, got %s", s.Status)
	}
}

func TestRetry_ReusesRowAndPayload(t *testing.T) {
	attempts := 0
	client := &fakeClient{send: func(context.Context, string, []byte) (*gateway.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, &gateway.Error{Kind: gateway.KindStatus, StatusCode: 502, Body: []byte("bad gateway")}
		}
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"transactionId":"TX-2"}`)}, nil
	}}
	e, store := newTestEngine(onlineConfig(), client)

	first := submitDemographics(t, e, "BN001")
	res, err := e.Retry(context.Background(), first.SubmissionID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if res.SubmissionID != first.SubmissionID || res.Status != StatusAccepted || res.RetryCount != 1 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if store.Len() != 1 {
		t.Errorf("expected a single row, got %d", store.Len())
	}
	if string(client.bodies[0]) != string(client.bodies[1]) {
		t.Error("expected the stored payload to be resent unchanged")
	}
	s, _ := store.GetByID(context.Background(), first.SubmissionID)
	if s.ErrorMessage != "" || s.ErrorCategory != CategoryNone {
		t.Errorf("expected previous failure cleared, got %+v", s)
	}
}

func TestRetry_OfflineRowWhenBackOnline(t *testing.T) {
	store := NewMemoryStore()
	offline := NewEngine(store, &fakeClient{}, NewAssembler(gateway.Config{}), gateway.Config{MaxRetries: 3})
	res, err := offline.Submit(context.Background(), Request{Kind: KindDemographics, Payload: demographics("BN001")})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	client := &fakeClient{}
	online := NewEngine(store, client, NewAssembler(onlineConfig()), onlineConfig())
	out, err := online.Retry(context.Background(), res.SubmissionID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if out.Status != StatusAccepted || out.TransactionID != "TX-OK" || client.calls() != 1 {
		t.Errorf("expected delivery after retry, got %+v", out)
	}
}

func TestRetry_Refusals(t *testing.T) {
	tests := []struct {
		name string
		row  Submission
		want error
	}{
		{"accepted", Submission{Status: StatusAccepted, TransactionID: "TX"}, ErrAlreadyAccepted},
		{"limit reached", Submission{Status: StatusError, RetryCount: 3}, ErrRetryLimit},
		{"pending", Submission{Status: StatusPending}, ErrInvalidTransition},
		{"submitted online", Submission{Status: StatusSubmitted, TransactionID: "TX-1"}, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			e, store := newTestEngine(onlineConfig(), client)
			row := tt.row
			row.Kind = KindDemographics
			row.RequestPayload = json.RawMessage(`{}`)
			if err := store.Create(context.Background(), &row); err != nil {
				t.Fatal(err)
			}

			_, err := e.Retry(context.Background(), row.ID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if client.calls() != 0 {
				t.Errorf("expected no gateway call, got %d", client.calls())
			}
			s, _ := store.GetByID(context.Background(), row.ID)
			if s.Status != tt.row.Status || s.RetryCount != tt.row.RetryCount {
				t.Errorf("row changed by refused retry: %+v", s)
			}
		})
	}

	t.Run("not found", func(t *testing.T) {
		e, _ := newTestEngine(onlineConfig(), &fakeClient{})
		if _, err := e.Retry(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEngine_PublishesOutcome(t *testing.T) {
	pub := &events.Memory{}
	e, _ := newTestEngine(onlineConfig(), &fakeClient{}, WithPublisher(pub))

	res := submitDemographics(t, e, "BN001")
	got := pub.OfType(events.SubmissionOutcome)
	if len(got) != 1 {
		t.Fatalf("expected 1 outcome event, got %d", len(got))
	}
	if r, ok := got[0].Data.(*Result); !ok || r.SubmissionID != res.SubmissionID {
		t.Errorf("unexpected event data %#v", got[0].Data)
	}
}

func TestEngine_NotifiesObservers(t *testing.T) {
	client := &fakeClient{}
	client.send = func(context.Context, string, []byte) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: gateway.KindConnection, Err: errors.New("connection refused")}
	}
	e, _ := newTestEngine(onlineConfig(), client)

	var seen []*Submission
	e.Observe(func(_ context.Context, s *Submission) { seen = append(seen, s) })

	res := submitDemographics(t, e, "BN001")
	client.send = nil
	if _, err := e.Retry(context.Background(), res.SubmissionID); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	if seen[0].Status != StatusError || seen[1].Status != StatusAccepted {
		t.Errorf("unexpected statuses %s, %s", seen[0].Status, seen[1].Status)
	}
	if seen[1].ID != res.SubmissionID || seen[1].RetryCount != 1 || seen[1].TransactionID != "TX-OK" {
		t.Errorf("unexpected notified row %+v", seen[1])
	}
}

func TestEngine_Settle(t *testing.T) {
	e, store := newTestEngine(onlineConfig(), &fakeClient{})
	row := &Submission{Kind: KindClaimCost, Status: StatusSubmitted, TransactionID: "TX-1", RequestPayload: json.RawMessage(`{}`)}
	store.Create(context.Background(), row)

	changed, err := e.Settle(context.Background(), row.ID, false, "ERR001 Sai ma benh chinh")
	if err != nil || !changed {
		t.Fatalf("Settle() = %v, %v", changed, err)
	}
	s, _ := store.GetByID(context.Background(), row.ID)
	if s.Status != StatusRejected || s.ErrorCategory != CategoryRejection {
		t.Errorf("expected Rejected, got %+v", s)
	}

	changed, _ = e.Settle(context.Background(), row.ID, true, "")
	if changed {
		t.Error("expected a settled row to be left alone")
	}
}

func TestEngine_VerifyCardOffline(t *testing.T) {
	e, _ := newTestEngine(gateway.Config{}, &fakeClient{})
	_, err := e.VerifyCard(context.Background(), gateway.CardQuery{CardNumber: "DN4010123456789"})
	if gateway.KindOf(err) != gateway.KindConfig {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEngine_GatewayLookupsOffline(t *testing.T) {
	e, _ := newTestEngine(gateway.Config{}, &fakeClient{})
	ctx := context.Background()
	if _, err := e.TreatmentHistory(ctx, gateway.HistoryQuery{CardNumber: "DN4010123456789"}); gateway.KindOf(err) != gateway.KindConfig {
		t.Errorf("TreatmentHistory: expected configuration error, got %v", err)
	}
	if _, err := e.CheckIn(ctx, gateway.CheckInRequest{CardNumber: "DN4010123456789"}); gateway.KindOf(err) != gateway.KindConfig {
		t.Errorf("CheckIn: expected configuration error, got %v", err)
	}
	if err := e.Ping(ctx); gateway.KindOf(err) != gateway.KindConfig {
		t.Errorf("Ping: expected configuration error, got %v", err)
	}
}

func TestEngine_CheckInDefaultsFacility(t *testing.T) {
	e, _ := newTestEngine(onlineConfig(), &fakeClient{})
	res, err := e.CheckIn(context.Background(), gateway.CheckInRequest{CardNumber: "DN4010123456789", FullName: "A"})
	if err != nil {
		t.Fatalf("CheckIn() error: %v", err)
	}
	if res.ClaimCode != "LK-01001" {
		t.Errorf("expected the configured facility on the request, got %+v", res)
	}
}
