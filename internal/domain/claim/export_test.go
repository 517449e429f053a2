package claim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/claimxml"
	"github.com/ehr/claimsgw/internal/platform/gateway"
)

// failingClient times out every send.
type failingClient struct {
	gateway.Client
}

func (failingClient) Send(_ context.Context, path string, _ []byte) (*gateway.Response, error) {
	return nil, &gateway.Error{Kind: gateway.KindTimeout, Op: path, Err: context.DeadlineExceeded}
}

// flakyClient times out its first sends and then hands over to the stub.
type flakyClient struct {
	*gateway.Stub
	mu       sync.Mutex
	failures int
}

func (c *flakyClient) Send(ctx context.Context, path string, body []byte) (*gateway.Response, error) {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return nil, &gateway.Error{Kind: gateway.KindTimeout, Op: path, Err: context.DeadlineExceeded}
	}
	return c.Stub.Send(ctx, path, body)
}

func TestExport_SubmitsArchivesAndAdvances(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	c := mustLock(t, f, "LK2025032000001")

	res, err := f.svc.Export(context.Background(), []uuid.UUID{c.ID})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if !res.Submission.Success || res.Submission.Status != submission.StatusAccepted {
		t.Fatalf("unexpected submission result: %+v", res.Submission)
	}
	if res.BatchCode != "QT-202503" {
		t.Errorf("BatchCode = %s, want QT-202503", res.BatchCode)
	}

	sub, err := f.subs.GetByID(context.Background(), res.Submission.SubmissionID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if sub.Kind != submission.KindClaimCost || sub.SourceRef != c.ID.String() || sub.PatientRef != "BN000123" {
		t.Errorf("unexpected submission row: kind=%s source=%s patient=%s", sub.Kind, sub.SourceRef, sub.PatientRef)
	}
	if calls := f.stub.Calls(); len(calls) != 1 || calls[0] != gateway.PathSubmitCostData {
		t.Errorf("expected one cost data call, got %v", calls)
	}

	raw, ok := f.archive.Get(res.ArchiveKey)
	if !ok {
		t.Fatalf("expected archived batch at %s", res.ArchiveKey)
	}
	if !strings.HasPrefix(res.ArchiveKey, "exports/QT-202503/") {
		t.Errorf("unexpected archive key %s", res.ArchiveKey)
	}
	env, err := claimxml.DecodeDossiers(raw)
	if err != nil {
		t.Fatalf("DecodeDossiers() error: %v", err)
	}
	if len(env.Dossiers) != 1 || env.Dossiers[0].ClaimCode() != "LK2025032000001" {
		t.Fatalf("unexpected archived dossiers: %+v", env.Dossiers)
	}
	d := env.Dossiers[0]
	if len(d.Drugs) != 1 || len(d.Services) != 1 {
		t.Errorf("expected 1 drug and 1 service line, got %d/%d", len(d.Drugs), len(d.Services))
	}
	if d.Summary.FacilityCode != "01001" || d.Summary.TotalCost.String() != "200000.00" {
		t.Errorf("unexpected summary: facility=%s total=%s", d.Summary.FacilityCode, d.Summary.TotalCost)
	}

	got, _ := f.svc.Get(context.Background(), c.ID)
	if got.Status != StatusSubmitted {
		t.Fatalf("expected Submitted, got %s", got.Status)
	}
	if got.TransactionID != res.Submission.TransactionID || got.TransactionID == "" {
		t.Errorf("TransactionID = %q, want %q", got.TransactionID, res.Submission.TransactionID)
	}
	if got.LastSubmissionID == nil || *got.LastSubmissionID != sub.ID {
		t.Errorf("LastSubmissionID not linked")
	}

	evts, _ := f.svc.Events(context.Background(), c.ID)
	last := evts[len(evts)-1]
	if last.Action != ActionExport || last.SubmissionID == nil || *last.SubmissionID != sub.ID {
		t.Errorf("unexpected export event: %+v", last)
	}
}

func TestExport_BatchUsesBatchCodeAsSource(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	a := mustLock(t, f, "LK-A")
	b := mustLock(t, f, "LK-B")

	res, err := f.svc.Export(context.Background(), []uuid.UUID{a.ID, b.ID, a.ID})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if len(res.ClaimIDs) != 2 {
		t.Fatalf("expected duplicate ids to collapse, got %d claims", len(res.ClaimIDs))
	}
	sub, _ := f.subs.GetByID(context.Background(), res.Submission.SubmissionID)
	if sub.SourceRef != res.BatchCode || sub.PatientRef != "" {
		t.Errorf("unexpected batch submission refs: source=%s patient=%s", sub.SourceRef, sub.PatientRef)
	}
	if f.subs.Len() != 1 {
		t.Errorf("expected one submission per export, got %d", f.subs.Len())
	}
}

func TestExport_RequiresLockedClaims(t *testing.T) {
	f := newFixture(t, onlineConfig(), nil)
	c := mustCreate(t, f, "LK004")

	_, err := f.svc.Export(context.Background(), []uuid.UUID{c.ID})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.subs.Len() != 0 || f.archive.Len() != 0 {
		t.Error("nothing may be archived or submitted for a rejected export")
	}
	if _, err := f.svc.Export(context.Background(), nil); !errors.Is(err, ErrNothingToExport) {
		t.Errorf("expected ErrNothingToExport, got %v", err)
	}
}

func TestExport_GatewayFailureKeepsClaimLocked(t *testing.T) {
	f := newFixture(t, onlineConfig(), failingClient{})
	c := mustLock(t, f, "LK005")

	res, err := f.svc.Export(context.Background(), []uuid.UUID{c.ID})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if res.Submission.Success || res.Submission.ErrorMessage != "Request timeout" {
		t.Fatalf("unexpected result: %+v", res.Submission)
	}

	got, _ := f.svc.Get(context.Background(), c.ID)
	if got.Status != StatusLocked {
		t.Errorf("expected claim to stay Locked, got %s", got.Status)
	}
	evts, _ := f.svc.Events(context.Background(), c.ID)
	last := evts[len(evts)-1]
	if last.Action != ActionExportFailed || last.Detail != "Request timeout" {
		t.Errorf("unexpected last event: %+v", last)
	}
	sub, _ := f.subs.GetByID(context.Background(), res.Submission.SubmissionID)
	if sub.Status != submission.StatusError {
		t.Errorf("expected the submission row in Error, got %s", sub.Status)
	}
}

func TestExport_OfflineRecordsLocally(t *testing.T) {
	cfg := onlineConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg, nil)
	c := mustLock(t, f, "LK006")

	res, err := f.svc.Export(context.Background(), []uuid.UUID{c.ID})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if !strings.HasPrefix(res.Submission.TransactionID, submission.LocalPrefix) {
		t.Errorf("expected a local transaction id, got %s", res.Submission.TransactionID)
	}
	if len(f.stub.Calls()) != 0 {
		t.Error("offline export must not reach the gateway")
	}
	got, _ := f.svc.Get(context.Background(), c.ID)
	if got.Status != StatusSubmitted {
		t.Errorf("expected Submitted, got %s", got.Status)
	}
}

func costCalls(stub *gateway.Stub) int {
	n := 0
	for _, p := range stub.Calls() {
		if p == gateway.PathSubmitCostData {
			n++
		}
	}
	return n
}

func TestExport_RetriedSubmissionAdvancesClaim(t *testing.T) {
	stub := gateway.NewStub()
	f := newFixture(t, onlineConfig(), &flakyClient{Stub: stub, failures: 1})
	ctx := context.Background()
	c := mustLock(t, f, "LK900")

	first, err := f.svc.Export(ctx, []uuid.UUID{c.ID})
	if err != nil || first.Submission.Success {
		t.Fatalf("expected a failed first export, got %+v, %v", first, err)
	}
	subID := first.Submission.SubmissionID

	if _, err := f.svc.Export(ctx, []uuid.UUID{c.ID}); !errors.Is(err, ErrSubmissionOutstanding) {
		t.Fatalf("expected ErrSubmissionOutstanding on re-export, got %v", err)
	}
	if _, err := f.svc.Unlock(ctx, c.ID, "edit"); !errors.Is(err, ErrSubmissionOutstanding) {
		t.Fatalf("expected ErrSubmissionOutstanding on unlock, got %v", err)
	}

	res, err := f.svc.engine.Retry(ctx, subID)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if res.Status != submission.StatusAccepted || res.TransactionID == "" {
		t.Fatalf("unexpected retry result: %+v", res)
	}

	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != StatusSubmitted || got.TransactionID != res.TransactionID {
		t.Fatalf("expected Submitted with %s, got %s %q", res.TransactionID, got.Status, got.TransactionID)
	}
	if got.SubmittedAt == nil {
		t.Error("SubmittedAt not set")
	}
	evts, _ := f.svc.Events(ctx, c.ID)
	last := evts[len(evts)-1]
	if last.Action != ActionExport || last.SubmissionID == nil || *last.SubmissionID != subID {
		t.Errorf("unexpected last event: %+v", last)
	}

	if _, err := f.svc.Export(ctx, []uuid.UUID{c.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition once submitted, got %v", err)
	}
	if f.subs.Len() != 1 || costCalls(stub) != 1 {
		t.Errorf("expected one submission and one delivered batch, got %d rows and %d calls", f.subs.Len(), costCalls(stub))
	}

	out, err := f.svc.PullAssessment(ctx, res.TransactionID)
	if err != nil || len(out) != 1 || out[0].Outcome != OutcomeAccepted {
		t.Errorf("expected the retried batch to reconcile, got %+v, %v", out, err)
	}
}

func TestExport_DispatcherRequeueAdvancesClaim(t *testing.T) {
	stub := gateway.NewStub()
	f := newFixture(t, onlineConfig(), &flakyClient{Stub: stub, failures: 1})
	ctx := context.Background()
	c := mustLock(t, f, "LK901")

	first, _ := f.svc.Export(ctx, []uuid.UUID{c.ID})
	later := func() time.Time { return fixedNow.Add(2 * time.Minute) }
	d := submission.NewDispatcher(f.svc.engine, nil, submission.WithDispatchClock(later))
	if n, err := d.RunPendingBatch(ctx); err != nil || n != 1 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}

	sub, _ := f.subs.GetByID(ctx, first.Submission.SubmissionID)
	if sub.Status != submission.StatusAccepted || sub.RetryCount != 1 {
		t.Fatalf("expected the same row accepted on retry 1, got %s/%d", sub.Status, sub.RetryCount)
	}
	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != StatusSubmitted || got.TransactionID != sub.TransactionID {
		t.Errorf("expected Submitted with %s, got %s %q", sub.TransactionID, got.Status, got.TransactionID)
	}
}

func TestExport_FinalFailureAllowsNewExport(t *testing.T) {
	cfg := onlineConfig()
	cfg.MaxRetries = 1
	f := newFixture(t, cfg, &flakyClient{Stub: gateway.NewStub(), failures: 2})
	ctx := context.Background()
	c := mustLock(t, f, "LK902")

	first, _ := f.svc.Export(ctx, []uuid.UUID{c.ID})
	res, err := f.svc.engine.Retry(ctx, first.Submission.SubmissionID)
	if err != nil || res.Success {
		t.Fatalf("expected the last retry to fail, got %+v, %v", res, err)
	}
	if a := actions(t, f, c); a[len(a)-1] != ActionExportFailed {
		t.Errorf("expected the failed retry on the audit trail, got %v", a)
	}

	second, err := f.svc.Export(ctx, []uuid.UUID{c.ID})
	if err != nil {
		t.Fatalf("Export() after exhausted retries error: %v", err)
	}
	if !second.Submission.Success || second.Submission.SubmissionID == first.Submission.SubmissionID {
		t.Errorf("expected a fresh successful submission, got %+v", second.Submission)
	}
}

func TestExport_QueuedBatchPicksUpTransaction(t *testing.T) {
	cfg := onlineConfig()
	cfg.AutoSubmit = false
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	c := mustLock(t, f, "LK903")

	res, err := f.svc.Export(ctx, []uuid.UUID{c.ID})
	if err != nil || res.Submission.Status != submission.StatusPending {
		t.Fatalf("expected a queued export, got %+v, %v", res, err)
	}
	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != StatusSubmitted || got.TransactionID != "" {
		t.Fatalf("expected Submitted without transaction, got %s %q", got.Status, got.TransactionID)
	}

	d := submission.NewDispatcher(f.svc.engine, nil)
	if n, err := d.RunPendingBatch(ctx); err != nil || n != 1 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	sub, _ := f.subs.GetByID(ctx, res.Submission.SubmissionID)
	got, _ = f.svc.Get(ctx, c.ID)
	if got.TransactionID == "" || got.TransactionID != sub.TransactionID {
		t.Errorf("TransactionID = %q, want %q", got.TransactionID, sub.TransactionID)
	}
	if a := actions(t, f, c); a[len(a)-1] != ActionTransmitted {
		t.Errorf("expected a transmitted event, got %v", a)
	}
}

func TestExport_QueuedBatchFailureRelocksClaim(t *testing.T) {
	cfg := onlineConfig()
	cfg.AutoSubmit = false
	f := newFixture(t, cfg, failingClient{Client: gateway.NewStub()})
	ctx := context.Background()
	c := mustLock(t, f, "LK904")

	if _, err := f.svc.Export(ctx, []uuid.UUID{c.ID}); err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if _, err := submission.NewDispatcher(f.svc.engine, nil).RunPendingBatch(ctx); err != nil {
		t.Fatalf("RunPendingBatch() error: %v", err)
	}

	got, _ := f.svc.Get(ctx, c.ID)
	if got.Status != StatusLocked || got.TransactionID != "" || got.SubmittedAt != nil {
		t.Errorf("expected the claim back in Locked, got %s %q", got.Status, got.TransactionID)
	}
	if a := actions(t, f, c); a[len(a)-1] != ActionExportFailed {
		t.Errorf("expected an export-failed event, got %v", a)
	}
}
