package claim

import (
	"context"

	"github.com/google/uuid"
)

// Store persists claims, their audit trail and reconciliation anomalies.
type Store interface {
	// InTx runs fn so that every store call made with the ctx it receives
	// commits or rolls back together.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByCode(ctx context.Context, code string) (*Claim, error)
	// Update writes the claim header. Lines are left alone.
	Update(ctx context.Context, c *Claim) error
	ReplaceLines(ctx context.Context, claimID uuid.UUID, lines []Line) error
	List(ctx context.Context, f Filter) ([]*Claim, int, error)
	// ListBySubmission returns every claim whose last export went out as
	// the given submission, ordered by claim code.
	ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*Claim, error)

	AddEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, claimID uuid.UUID) ([]*Event, error)

	CreateAnomaly(ctx context.Context, a *Anomaly) error
	GetAnomaly(ctx context.Context, id uuid.UUID) (*Anomaly, error)
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, int, error)
	ResolveAnomaly(ctx context.Context, a *Anomaly) error
}
