package claim

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/claimsgw/internal/domain/submission"
)

// outstanding returns the claim's last submission when it may still reach
// the gateway: queued, recorded, accepted, or a transient failure the
// dispatcher will requeue.
func (s *Service) outstanding(ctx context.Context, c *Claim) (*submission.Submission, error) {
	if c.LastSubmissionID == nil {
		return nil, nil
	}
	sub, err := s.engine.Store().GetByID(ctx, *c.LastSubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", c.LastSubmissionID, err)
	}
	switch sub.Status {
	case submission.StatusPending, submission.StatusSubmitted, submission.StatusAccepted:
		return sub, nil
	case submission.StatusError:
		if sub.ErrorCategory == submission.CategoryTransient && sub.RetryCount < s.engine.Config().MaxRetries {
			return sub, nil
		}
	}
	return nil, nil
}

func outstandingError(c *Claim, sub *submission.Submission) error {
	return fmt.Errorf("%w: claim %s is waiting on submission %s (%s)",
		ErrSubmissionOutstanding, c.ClaimCode, sub.ID, sub.Status)
}

// syncSubmission carries a recorded cost submission outcome onto the
// claims it exported.
func (s *Service) syncSubmission(ctx context.Context, sub *submission.Submission) {
	if sub.Kind != submission.KindClaimCost {
		return
	}
	claims, err := s.store.ListBySubmission(ctx, sub.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("failed to load claims for submission outcome")
		return
	}
	for _, c := range claims {
		if err := s.applySubmission(ctx, c, sub); err != nil {
			s.logger.Error().Err(err).Str("claim_code", c.ClaimCode).
				Str("submission_id", sub.ID.String()).Msg("failed to apply submission outcome")
		}
	}
}

// provisional reports whether a Submitted claim is still waiting for the
// transaction id the gateway assigns.
func provisional(c *Claim) bool {
	return c.Status == StatusSubmitted &&
		(c.TransactionID == "" || strings.HasPrefix(c.TransactionID, submission.LocalPrefix))
}

func (s *Service) applySubmission(ctx context.Context, c *Claim, sub *submission.Submission) error {
	delivered := sub.Status == submission.StatusSubmitted || sub.Status == submission.StatusAccepted
	failed := sub.Status == submission.StatusError || sub.Status == submission.StatusRejected
	subID := sub.ID
	attempt := "attempt " + strconv.Itoa(sub.RetryCount+1)

	switch {
	case c.Status == StatusLocked && delivered:
		now := s.now()
		c.TransactionID = sub.TransactionID
		c.SubmittedAt = sub.SubmittedAt
		if c.SubmittedAt == nil {
			c.SubmittedAt = &now
		}
		c.RejectCode, c.RejectReason = "", ""
		detail := "batch " + c.BatchCode + " transaction " + sub.TransactionID + " on " + attempt
		return s.transition(ctx, c, StatusSubmitted, ActionExport, detail, &subID)

	case c.Status == StatusLocked && failed:
		return s.transition(ctx, c, StatusLocked, ActionExportFailed, attempt+": "+sub.ErrorMessage, &subID)

	case provisional(c) && delivered:
		if c.TransactionID == sub.TransactionID {
			return nil
		}
		c.TransactionID = sub.TransactionID
		if sub.SubmittedAt != nil {
			c.SubmittedAt = sub.SubmittedAt
		}
		return s.transition(ctx, c, StatusSubmitted, ActionTransmitted, "transaction "+sub.TransactionID, &subID)

	case provisional(c) && failed:
		c.TransactionID = ""
		c.SubmittedAt = nil
		return s.transition(ctx, c, StatusLocked, ActionExportFailed, attempt+": "+sub.ErrorMessage, &subID)
	}

	if sub.Status != submission.StatusPending {
		s.logger.Warn().Str("claim_code", c.ClaimCode).Str("claim_status", c.Status.String()).
			Str("submission_id", sub.ID.String()).Str("submission_status", sub.Status.String()).
			Msg("submission outcome left claim unchanged")
	}
	return nil
}
