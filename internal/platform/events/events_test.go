package events

import (
	"context"
	"testing"
)

func TestMemory_RecordsInOrder(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()

	m.Publish(ctx, SubmissionOutcome, map[string]string{"id": "1"})
	m.Publish(ctx, ReconciliationAnomaly, map[string]string{"claim_code": "LK9"})
	m.Publish(ctx, SubmissionOutcome, map[string]string{"id": "2"})

	all := m.Events()
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[1].Type != ReconciliationAnomaly {
		t.Errorf("expected anomaly second, got %s", all[1].Type)
	}
	if got := len(m.OfType(SubmissionOutcome)); got != 2 {
		t.Errorf("expected 2 outcome events, got %d", got)
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), SubmissionOutcome, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
