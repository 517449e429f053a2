package submission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists submissions. Implementations must make MarkRetry and
// UpdateOutcome atomic with respect to concurrent callers.
type Store interface {
	Create(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)

	// UpdateOutcome writes the result of one attempt. Accepted rows are
	// never modified; ErrAlreadyAccepted is returned instead.
	UpdateOutcome(ctx context.Context, s *Submission) error

	// MarkRetry increments retry_count, clears the previous failure and
	// resets the row to Pending, provided it is not Accepted and has fewer
	// than maxRetries attempts.
	MarkRetry(ctx context.Context, id uuid.UUID, maxRetries int) (*Submission, error)

	// Settle moves a Submitted row to Accepted or Rejected once the claim
	// feedback for it arrives. It reports whether the row was changed.
	Settle(ctx context.Context, id uuid.UUID, status Status, message string) (bool, error)

	// ListPending returns Pending rows below the retry limit, oldest first.
	ListPending(ctx context.Context, maxRetries, limit int) ([]*Submission, error)

	// ListRequeueable returns transient Error rows below the retry limit
	// whose last attempt finished at or before the given time.
	ListRequeueable(ctx context.Context, maxRetries int, before time.Time, limit int) ([]*Submission, error)

	Search(ctx context.Context, f Filter) ([]*Submission, int, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}
