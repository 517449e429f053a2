package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/claimxml"
	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
)

var (
	// ErrEmptyFeedback is returned for a feedback batch without items.
	ErrEmptyFeedback = errors.New("feedback batch has no items")
	// ErrInvalidFeedback wraps an assessment document that does not parse.
	ErrInvalidFeedback = errors.New("invalid feedback document")
)

// FeedbackBatch is the authority's verdict on the claims of one
// transaction.
type FeedbackBatch struct {
	TransactionID string         `json:"transaction_id"`
	Items         []FeedbackItem `json:"items"`
}

// FeedbackItem is the verdict for one claim.
type FeedbackItem struct {
	ClaimCode      string           `json:"claim_code"`
	Accepted       bool             `json:"accepted"`
	RejectCode     string           `json:"reject_code,omitempty"`
	RejectReason   string           `json:"reject_reason,omitempty"`
	ClaimAmount    *decimal.Decimal `json:"claim_amount,omitempty"`
	AcceptedAmount *decimal.Decimal `json:"accepted_amount,omitempty"`
	Note           string           `json:"note,omitempty"`
}

// Reconciliation outcomes per item.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeUnchanged = "unchanged"
	OutcomeAnomaly   = "anomaly"
)

// ItemOutcome reports what Reconcile did with one feedback item.
type ItemOutcome struct {
	ClaimCode string     `json:"claim_code"`
	ClaimID   *uuid.UUID `json:"claim_id,omitempty"`
	Outcome   string     `json:"outcome"`
	Status    *Status    `json:"status,omitempty"`
	AnomalyID *uuid.UUID `json:"anomaly_id,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// SettledEvent is published for every claim Reconcile accepts or rejects.
type SettledEvent struct {
	ClaimID        uuid.UUID        `json:"claim_id"`
	ClaimCode      string           `json:"claim_code"`
	Status         Status           `json:"status"`
	TransactionID  string           `json:"transaction_id,omitempty"`
	AcceptedAmount *decimal.Decimal `json:"accepted_amount,omitempty"`
	RejectCode     string           `json:"reject_code,omitempty"`
	RejectReason   string           `json:"reject_reason,omitempty"`
}

// Reconcile folds a feedback batch onto local claims. Items that cannot be
// applied are stored as anomalies; none is dropped. The returned error is
// reserved for store failures, in which case the outcomes cover the items
// processed so far.
func (s *Service) Reconcile(ctx context.Context, batch FeedbackBatch) ([]ItemOutcome, error) {
	if len(batch.Items) == 0 {
		return nil, ErrEmptyFeedback
	}
	batch.TransactionID = strings.TrimSpace(batch.TransactionID)

	outcomes := make([]ItemOutcome, 0, len(batch.Items))
	var accepted, rejected, anomalies int
	for _, item := range batch.Items {
		item.ClaimCode = strings.TrimSpace(item.ClaimCode)
		out, err := s.reconcileItem(ctx, batch.TransactionID, item)
		if err != nil {
			return outcomes, fmt.Errorf("reconcile %s: %w", item.ClaimCode, err)
		}
		s.metrics.ReconcileItem(out.Outcome)
		switch out.Outcome {
		case OutcomeAccepted:
			accepted++
		case OutcomeRejected:
			rejected++
		case OutcomeAnomaly:
			anomalies++
		}
		outcomes = append(outcomes, out)
	}

	s.logger.Info().Str("transaction_id", batch.TransactionID).Int("items", len(batch.Items)).
		Int("accepted", accepted).Int("rejected", rejected).Int("anomalies", anomalies).
		Msg("feedback reconciled")
	return outcomes, nil
}

func (s *Service) reconcileItem(ctx context.Context, txID string, item FeedbackItem) (ItemOutcome, error) {
	out := ItemOutcome{ClaimCode: item.ClaimCode}

	c, err := s.store.GetByCode(ctx, item.ClaimCode)
	if isNotFound(err) {
		return s.anomaly(ctx, out, nil, txID, item, AnomalyUnknownClaim,
			fmt.Sprintf("no local claim with code %q", item.ClaimCode))
	}
	if err != nil {
		return out, err
	}
	out.ClaimID = &c.ID

	if repeatOf(c, item) {
		out.Outcome = OutcomeUnchanged
		out.Status = statusPtr(c.Status)
		out.Message = "verdict already applied"
		return out, nil
	}
	if c.Status != StatusSubmitted {
		return s.anomaly(ctx, out, c, txID, item, AnomalyStateConflict,
			fmt.Sprintf("claim is %s, expected submitted", c.Status))
	}
	if txID != "" && c.TransactionID != "" && !strings.HasPrefix(c.TransactionID, submission.LocalPrefix) && c.TransactionID != txID {
		return s.anomaly(ctx, out, c, txID, item, AnomalyStateConflict,
			fmt.Sprintf("feedback transaction %s does not match claim transaction %s", txID, c.TransactionID))
	}

	now := s.now()
	c.SettledAt = &now
	var to Status
	var action, detail string
	if item.Accepted {
		to, action = StatusAccepted, ActionAccept
		c.RejectCode, c.RejectReason = "", ""
		c.SettledClaimAmount = item.ClaimAmount
		if c.SettledClaimAmount == nil {
			total := c.TotalAmount
			c.SettledClaimAmount = &total
		}
		c.SettledAcceptedAmount = item.AcceptedAmount
		if c.SettledAcceptedAmount == nil {
			c.SettledAcceptedAmount = c.SettledClaimAmount
		}
		detail = "accepted amount " + c.SettledAcceptedAmount.StringFixed(2)
		out.Outcome = OutcomeAccepted
	} else {
		to, action = StatusRejected, ActionReject
		c.RejectCode, c.RejectReason = item.RejectCode, item.RejectReason
		c.RejectionFinal = false
		detail = strings.TrimSpace(item.RejectCode + " " + item.RejectReason)
		out.Outcome = OutcomeRejected
	}
	if item.Note != "" {
		detail += "; " + item.Note
	}
	if err := s.transition(ctx, c, to, action, detail, c.LastSubmissionID); err != nil {
		return out, err
	}
	out.Status = statusPtr(to)

	if c.LastSubmissionID != nil {
		settled, err := s.engine.Settle(ctx, *c.LastSubmissionID, item.Accepted, c.RejectReason)
		if err != nil {
			s.logger.Error().Err(err).Str("claim_code", c.ClaimCode).
				Str("submission_id", c.LastSubmissionID.String()).Msg("failed to settle submission")
		} else if settled {
			s.logger.Debug().Str("submission_id", c.LastSubmissionID.String()).Msg("submission settled from feedback")
		}
	}

	evt := SettledEvent{
		ClaimID:        c.ID,
		ClaimCode:      c.ClaimCode,
		Status:         c.Status,
		TransactionID:  txID,
		AcceptedAmount: c.SettledAcceptedAmount,
		RejectCode:     c.RejectCode,
		RejectReason:   c.RejectReason,
	}
	if !item.Accepted {
		evt.AcceptedAmount = nil
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events.ClaimSettled, evt); err != nil {
		s.logger.Error().Err(err).Str("claim_code", c.ClaimCode).Msg("failed to publish claim settlement")
	}
	return out, nil
}

// repeatOf reports whether item restates a verdict the claim already
// carries.
func repeatOf(c *Claim, item FeedbackItem) bool {
	switch c.Status {
	case StatusAccepted:
		return item.Accepted
	case StatusRejected:
		return !item.Accepted && c.RejectCode == item.RejectCode
	}
	return false
}

func (s *Service) anomaly(ctx context.Context, out ItemOutcome, c *Claim, txID string, item FeedbackItem, reason, detail string) (ItemOutcome, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return out, fmt.Errorf("marshal feedback item: %w", err)
	}
	a := &Anomaly{
		Reason:        reason,
		ClaimCode:     item.ClaimCode,
		TransactionID: txID,
		Detail:        detail,
		Payload:       payload,
	}
	if c != nil {
		a.ClaimID = &c.ID
		out.Status = statusPtr(c.Status)
	}
	if err := s.store.CreateAnomaly(ctx, a); err != nil {
		return out, err
	}

	s.logger.Warn().Str("anomaly_id", a.ID.String()).Str("reason", reason).
		Str("claim_code", item.ClaimCode).Str("transaction_id", txID).Msg(detail)
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events.ReconciliationAnomaly, a); err != nil {
		s.logger.Error().Err(err).Str("anomaly_id", a.ID.String()).Msg("failed to publish anomaly")
	}

	out.Outcome = OutcomeAnomaly
	out.AnomalyID = &a.ID
	out.Message = detail
	return out, nil
}

// ImportFeedback reconciles an XML10 assessment document.
func (s *Service) ImportFeedback(ctx context.Context, data []byte) ([]ItemOutcome, error) {
	table, err := claimxml.DecodeFeedback(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	batch := FeedbackBatch{TransactionID: table.TransactionID}
	for _, r := range table.Records {
		batch.Items = append(batch.Items, FeedbackItem{
			ClaimCode:      r.ClaimCode,
			Accepted:       r.Accepted(),
			RejectCode:     r.RejectCode,
			RejectReason:   r.RejectReason,
			ClaimAmount:    r.ClaimedAmount.Ptr(),
			AcceptedAmount: r.AcceptedAmount.Ptr(),
			Note:           r.Note,
		})
	}
	return s.Reconcile(ctx, batch)
}

// PullAssessment fetches the assessment of a transaction from the gateway
// and reconciles it. ErrAssessmentPending means the authority has not
// finished and the pull should be repeated later.
func (s *Service) PullAssessment(ctx context.Context, txID string) ([]ItemOutcome, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return nil, errors.New("transaction id is required")
	}
	if s.engine.Config().Offline() {
		return nil, &gateway.Error{Kind: gateway.KindConfig, Op: gateway.PathAssessment, Err: errors.New("gateway is offline")}
	}

	a, err := s.client.FetchAssessment(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case gateway.AssessmentProcessing:
		return nil, ErrAssessmentPending
	case gateway.AssessmentError:
		return nil, fmt.Errorf("assessment %s failed: %s", txID, a.Message)
	}

	batch := FeedbackBatch{TransactionID: txID}
	if a.TransactionID != "" {
		batch.TransactionID = a.TransactionID
	}
	for _, it := range a.Items {
		batch.Items = append(batch.Items, FeedbackItem{
			ClaimCode:      it.ClaimCode,
			Accepted:       it.Accepted,
			RejectCode:     it.RejectCode,
			RejectReason:   it.RejectReason,
			ClaimAmount:    it.ClaimAmount,
			AcceptedAmount: it.AcceptedAmount,
		})
	}
	return s.Reconcile(ctx, batch)
}

func statusPtr(s Status) *Status {
	return &s
}
