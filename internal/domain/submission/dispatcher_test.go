package submission

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/internal/platform/lock"
)

func queuedConfig() gateway.Config {
	cfg := onlineConfig()
	cfg.AutoSubmit = false
	return cfg
}

// seed creates rows one second apart so that created_at order is stable.
func seed(t *testing.T, store *MemoryStore, rows ...*Submission) {
	t.Helper()
	at := fixedNow.Add(-time.Hour)
	for _, s := range rows {
		ts := at
		store.SetClock(func() time.Time { return ts })
		if s.Kind == 0 {
			s.Kind = KindDemographics
		}
		if s.RequestPayload == nil {
			s.RequestPayload = json.RawMessage(`{"maBN":"` + s.PatientRef + `"}`)
		}
		if err := store.Create(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Second)
	}
	store.SetClock(func() time.Time { return fixedNow })
}

func newTestDispatcher(e *Engine, locker lock.Locker, opts ...DispatcherOption) *Dispatcher {
	opts = append([]DispatcherOption{WithDispatchClock(func() time.Time { return fixedNow })}, opts...)
	return NewDispatcher(e, locker, opts...)
}

func TestDispatcher_OfflineShortCircuits(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(gateway.Config{MaxRetries: 3}, client)
	seed(t, store, &Submission{PatientRef: "BN1"})

	n, err := newTestDispatcher(e, nil).RunPendingBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	if client.calls() != 0 {
		t.Errorf("expected no gateway calls while offline, got %d", client.calls())
	}
}

func TestDispatcher_OldestFirstAndContinuesPastFailures(t *testing.T) {
	client := &fakeClient{}
	client.send = func(_ context.Context, _ string, body []byte) (*gateway.Response, error) {
		if string(body) == `{"maBN":"BN2"}` {
			return nil, &gateway.Error{Kind: gateway.KindStatus, StatusCode: 400, Body: []byte("bad")}
		}
		return &gateway.Response{StatusCode: 200, Body: []byte(`{"transactionId":"TX"}`)}, nil
	}
	e, store := newTestEngine(queuedConfig(), client)
	seed(t, store,
		&Submission{PatientRef: "BN1"},
		&Submission{PatientRef: "BN2"},
		&Submission{PatientRef: "BN3"},
	)

	n, err := newTestDispatcher(e, nil).RunPendingBatch(context.Background())
	if err != nil {
		t.Fatalf("RunPendingBatch() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 successes, got %d", n)
	}
	want := []string{`{"maBN":"BN1"}`, `{"maBN":"BN2"}`, `{"maBN":"BN3"}`}
	for i, w := range want {
		if string(client.bodies[i]) != w {
			t.Errorf("call %d: expected %s, got %s", i, w, client.bodies[i])
		}
	}
	pending, _ := store.ListPending(context.Background(), 3, 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending rows left, got %d", len(pending))
	}
}

func TestDispatcher_BatchSizeAndRetryLimit(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(queuedConfig(), client)
	seed(t, store,
		&Submission{PatientRef: "BN0", RetryCount: 3},
		&Submission{PatientRef: "BN1"},
		&Submission{PatientRef: "BN2"},
		&Submission{PatientRef: "BN3"},
	)

	n, err := newTestDispatcher(e, nil, WithBatchSize(2)).RunPendingBatch(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	if string(client.bodies[0]) != `{"maBN":"BN1"}` {
		t.Errorf("expected exhausted row to be skipped, first call was %s", client.bodies[0])
	}
}

func TestDispatcher_SkipsWhileLockHeld(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(queuedConfig(), client)
	seed(t, store, &Submission{PatientRef: "BN1"})

	locker := lock.NewLocal()
	release, err := locker.Obtain(context.Background(), "dispatch", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	d := newTestDispatcher(e, locker)
	if n, err := d.RunPendingBatch(context.Background()); err != nil || n != 0 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	if client.calls() != 0 {
		t.Fatalf("expected no calls while another cycle holds the lock, got %d", client.calls())
	}

	release(context.Background())
	if n, _ := d.RunPendingBatch(context.Background()); n != 1 {
		t.Errorf("expected delivery after release, got %d", n)
	}
}

func TestDispatcher_RequeuesTransientAfterBackoff(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(queuedConfig(), client)

	at := func(ago time.Duration) {
		ts := fixedNow.Add(-ago)
		store.SetClock(func() time.Time { return ts })
	}
	due := &Submission{PatientRef: "DUE", Status: StatusError, ErrorCategory: CategoryTransient}
	early := &Submission{PatientRef: "EARLY", Status: StatusError, ErrorCategory: CategoryTransient, RetryCount: 1}
	rejected := &Submission{PatientRef: "REJ", Status: StatusError, ErrorCategory: CategoryRejection}
	for _, s := range []*Submission{due, early, rejected} {
		s.Kind = KindDemographics
		s.RequestPayload = json.RawMessage(`{"maBN":"` + s.PatientRef + `"}`)
		at(2 * time.Minute)
		store.Create(context.Background(), s)
	}
	store.SetClock(func() time.Time { return fixedNow })

	n, err := newTestDispatcher(e, nil).RunPendingBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	if client.calls() != 1 || string(client.bodies[0]) != `{"maBN":"DUE"}` {
		t.Fatalf("expected only the due row to be resent, got %d calls", client.calls())
	}

	s, _ := store.GetByID(context.Background(), due.ID)
	if s.Status != StatusAccepted || s.RetryCount != 1 {
		t.Errorf("expected requeued row accepted with retry_count 1, got %+v", s)
	}
	for _, id := range []*Submission{early, rejected} {
		s, _ := store.GetByID(context.Background(), id.ID)
		if s.Status != StatusError || s.RetryCount != id.RetryCount {
			t.Errorf("row %s should not have been requeued: %+v", id.PatientRef, s)
		}
	}
}

func TestDispatcher_DeliversFinalAllowedRetry(t *testing.T) {
	client := &fakeClient{}
	client.send = func(context.Context, string, []byte) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: gateway.KindTimeout, Err: context.DeadlineExceeded}
	}
	e, store := newTestEngine(queuedConfig(), client)

	ts := fixedNow.Add(-time.Hour)
	store.SetClock(func() time.Time { return ts })
	last := &Submission{
		Kind:           KindDemographics,
		PatientRef:     "LAST",
		RequestPayload: json.RawMessage(`{"maBN":"LAST"}`),
		Status:         StatusError,
		ErrorCategory:  CategoryTransient,
		RetryCount:     2,
	}
	if err := store.Create(context.Background(), last); err != nil {
		t.Fatal(err)
	}
	store.SetClock(func() time.Time { return fixedNow })

	d := newTestDispatcher(e, nil)
	for cycle := 0; cycle < 3; cycle++ {
		if _, err := d.RunPendingBatch(context.Background()); err != nil {
			t.Fatalf("cycle %d: RunPendingBatch() error: %v", cycle, err)
		}
	}

	if client.calls() != 1 {
		t.Fatalf("expected exactly one final attempt, got %d gateway calls", client.calls())
	}
	s, _ := store.GetByID(context.Background(), last.ID)
	if s.Status != StatusError || s.RetryCount != 3 {
		t.Errorf("expected error with retry_count 3 after the last attempt, got status=%s retry_count=%d", s.Status, s.RetryCount)
	}
	if s.Status == StatusPending {
		t.Error("row must not be left pending")
	}
}

func TestDispatcher_FinalRetryCanSucceed(t *testing.T) {
	client := &fakeClient{}
	e, store := newTestEngine(queuedConfig(), client)

	ts := fixedNow.Add(-time.Hour)
	store.SetClock(func() time.Time { return ts })
	last := &Submission{
		Kind:           KindDemographics,
		PatientRef:     "LAST",
		RequestPayload: json.RawMessage(`{"maBN":"LAST"}`),
		Status:         StatusError,
		ErrorCategory:  CategoryTransient,
		RetryCount:     2,
	}
	store.Create(context.Background(), last)
	store.SetClock(func() time.Time { return fixedNow })

	n, err := newTestDispatcher(e, nil).RunPendingBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunPendingBatch() = %d, %v", n, err)
	}
	s, _ := store.GetByID(context.Background(), last.ID)
	if s.Status != StatusAccepted || s.RetryCount != 3 || s.TransactionID != "TX-OK" {
		t.Errorf("expected accepted on the last retry, got %+v", s)
	}
}

func TestBackoffFor(t *testing.T) {
	tests := map[int]time.Duration{0: time.Minute, 1: 5 * time.Minute, 2: 30 * time.Minute, 7: 30 * time.Minute}
	for retries, want := range tests {
		if got := backoffFor(retries); got != want {
			t.Errorf("backoffFor(%d) = %s, want %s", retries, got, want)
		}
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(queuedConfig(), &fakeClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- newTestDispatcher(e, nil).Run(ctx, time.Hour) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestNewDispatcher_DefaultBatchSize(t *testing.T) {
	e, _ := newTestEngine(onlineConfig(), &fakeClient{})
	d := NewDispatcher(e, nil)
	if d.batchSize != 50 {
		t.Errorf("expected a default batch of 50, got %d", d.batchSize)
	}
}
