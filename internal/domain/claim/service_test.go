package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/archive"
	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
)

var fixedNow = time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	subs    *submission.MemoryStore
	stub    *gateway.Stub
	pub     *events.Memory
	archive *archive.Memory
}

func onlineConfig() gateway.Config {
	return gateway.Config{
		BaseURL:      "http://gateway.test",
		FacilityCode: "01001",
		Enabled:      true,
		AutoSubmit:   true,
		MaxRetries:   3,
	}
}

func newFixture(t *testing.T, cfg gateway.Config, client gateway.Client) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		subs:    submission.NewMemoryStore(),
		stub:    gateway.NewStub(),
		pub:     &events.Memory{},
		archive: archive.NewMemory(),
	}
	if client == nil {
		client = f.stub
	}
	clock := func() time.Time { return fixedNow }
	f.store.SetClock(clock)
	f.subs.SetClock(clock)
	engine := submission.NewEngine(f.subs, client, submission.NewAssembler(cfg), cfg,
		submission.WithClock(clock), submission.WithPublisher(f.pub))
	f.svc = NewService(f.store, engine, client,
		WithClock(clock), WithPublisher(f.pub), WithArchive(f.archive))
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleClaim(code string) *Claim {
	birth := time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC)
	admitted := time.Date(2025, 3, 14, 8, 5, 0, 0, time.UTC)
	discharged := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)
	return &Claim{
		ClaimCode:       code,
		PatientRef:      "BN000123",
		EncounterRef:    "KB-77",
		InsuranceNumber: "DN4010123456789",
		PatientName:     "Nguyen Van A",
		BirthDate:       &birth,
		Gender:          1,
		MainDiagnosis:   "J18.9",
		VisitType:       3,
		AdmittedAt:      &admitted,
		DischargedAt:    &discharged,
		TreatmentDays:   3,
		DepartmentCode:  "K01",
		Lines: []Line{
			{Kind: LineDrug, ItemCode: "40.17", ItemName: "Amoxicillin 500mg", Unit: "vien",
				Quantity: dec("10"), UnitPrice: dec("5000"), InsuranceRate: 80},
			{Kind: LineService, ItemCode: "18.0001.0001", ItemName: "Chup X-quang nguc", Unit: "lan",
				Quantity: dec("1"), UnitPrice: dec("150000"), InsuranceRate: 100},
		},
	}
}

func mustCreate(t *testing.T, f *fixture, code string) *Claim {
	t.Helper()
	c, err := f.svc.Create(context.Background(), sampleClaim(code))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return c
}

func mustLock(t *testing.T, f *fixture, code string) *Claim {
	t.Helper()
	c := mustCreate(t, f, code)
	locked, err := f.svc.Lock(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	return locked
}

func actions(t *testing.T, f *fixture, c *Claim) []string {
	t.Helper()
	evts, err := f.svc.Events(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Action)
	}
	return out
}

func TestCreate_DerivesAmounts(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	c := mustCreate(t, f, "LK001")

	if c.Status != StatusPending {
		t.Errorf("expected Pending, got %s", c.Status)
	}
	drug := c.Lines[0]
	if drug.Seq != 1 || !drug.Amount.Equal(dec("50000")) {
		t.Errorf("drug line = seq %d amount %s", drug.Seq, drug.Amount)
	}
	if !drug.InsuranceAmount.Equal(dec("40000")) || !drug.PatientAmount.Equal(dec("10000")) {
		t.Errorf("drug shares = %s/%s, want 40000/10000", drug.InsuranceAmount, drug.PatientAmount)
	}
	if !c.TotalAmount.Equal(dec("200000")) {
		t.Errorf("TotalAmount = %s, want 200000", c.TotalAmount)
	}
	if !c.InsuranceAmount.Equal(dec("190000")) || !c.PatientAmount.Equal(dec("10000")) {
		t.Errorf("claim shares = %s/%s, want 190000/10000", c.InsuranceAmount, c.PatientAmount)
	}

	stored, err := f.store.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if len(stored.Lines) != 2 {
		t.Errorf("expected 2 stored lines, got %d", len(stored.Lines))
	}
	if got := actions(t, f, c); len(got) != 1 || got[0] != ActionCreate {
		t.Errorf("expected [create], got %v", got)
	}
}

func TestCreate_DuplicateCode(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	mustCreate(t, f, "LK001")
	_, err := f.svc.Create(context.Background(), sampleClaim("LK001"))
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestCreate_RecordsActor(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	ctx := auth.WithUser(context.Background(), "billing-clerk", "claims")
	c, err := f.svc.Create(ctx, sampleClaim("LK001"))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	evts, _ := f.svc.Events(ctx, c.ID)
	if len(evts) != 1 || evts[0].Actor != "billing-clerk" {
		t.Errorf("expected actor billing-clerk, got %+v", evts)
	}
}

func TestLock_BlocksInvalidClaim(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	bad := sampleClaim("LK002")
	bad.InsuranceNumber = ""
	c, err := f.svc.Create(context.Background(), bad)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = f.svc.Lock(context.Background(), c.ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Fields[0].Field != "insurance_number" || verr.Fields[0].Rule != "required" {
		t.Errorf("unexpected finding: %+v", verr.Fields[0])
	}

	stored, _ := f.svc.Get(context.Background(), c.ID)
	if stored.Status != StatusPending {
		t.Errorf("expected claim to stay Pending, got %s", stored.Status)
	}
}

func TestLockUnlock(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	c := mustLock(t, f, "LK003")
	if c.Status != StatusLocked {
		t.Fatalf("expected Locked, got %s", c.Status)
	}
	if _, err := f.svc.Lock(context.Background(), c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second lock, got %v", err)
	}

	c, err := f.svc.Unlock(context.Background(), c.ID, "add missing X-ray line")
	if err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	if c.Status != StatusPending || c.LockReason != "add missing X-ray line" {
		t.Errorf("unexpected claim after unlock: %s %q", c.Status, c.LockReason)
	}
	if _, err := f.svc.Unlock(context.Background(), c.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition unlocking a Pending claim, got %v", err)
	}

	want := []string{ActionCreate, ActionLock, ActionUnlock}
	got := actions(t, f, c)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	c := sampleClaim("x")
	if _, err := f.svc.Get(context.Background(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
