package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/archive"
	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/internal/platform/telemetry"
)

const systemActor = "system"

// Service runs the claim lifecycle: Pending, Locked, Submitted, then
// Accepted or Rejected, and back to Pending after a correction. Every
// transition writes a claim event in the same transaction as the claim.
type Service struct {
	store     Store
	engine    *submission.Engine
	client    gateway.Client
	validator *Validator

	logger    zerolog.Logger
	publisher events.Publisher
	metrics   *telemetry.Metrics
	archive   archive.Store
	now       func() time.Time
	newID     func() uuid.UUID
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithArchive stores every exported batch before it is submitted.
func WithArchive(a archive.Store) Option {
	return func(s *Service) { s.archive = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. Exports go through engine, whose later
// outcomes for those exports are applied to the claims; assessments are
// pulled with client.
func NewService(store Store, engine *submission.Engine, client gateway.Client, opts ...Option) *Service {
	s := &Service{
		store:     store,
		engine:    engine,
		client:    client,
		validator: NewValidator(),
		logger:    zerolog.Nop(),
		publisher: events.Nop{},
		archive:   archive.Nop{},
		now:       time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	engine.Observe(s.syncSubmission)
	return s
}

// Create stores a new Pending claim. Missing line amounts and claim totals
// are derived from the lines.
func (s *Service) Create(ctx context.Context, c *Claim) (*Claim, error) {
	c.ClaimCode = strings.TrimSpace(c.ClaimCode)
	if c.ClaimCode == "" {
		return nil, &ValidationError{Fields: []FieldError{{
			Field: "claim_code", Rule: "required", Message: "claim_code is required", Severity: SeverityError,
		}}}
	}
	c.ID = s.newID()
	c.Status = StatusPending
	c.RejectCode, c.RejectReason, c.RejectionFinal = "", "", false
	c.TransactionID, c.BatchCode, c.LockReason = "", "", ""
	c.LastSubmissionID, c.SubmittedAt, c.SettledAt = nil, nil, nil
	c.SettledClaimAmount, c.SettledAcceptedAmount = nil, nil
	normalizeLines(c.Lines)
	deriveTotals(c)

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, c); err != nil {
			return err
		}
		return s.store.AddEvent(ctx, &Event{
			ClaimID:    c.ID,
			FromStatus: StatusPending,
			ToStatus:   StatusPending,
			Action:     ActionCreate,
			Actor:      actor(ctx),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("claim_id", c.ID.String()).Str("claim_code", c.ClaimCode).
		Int("lines", len(c.Lines)).Msg("claim created")
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Claim, int, error) {
	return s.store.List(ctx, f)
}

// Events returns the audit trail of a claim, oldest first.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Validate runs the pre-export rules against the stored claim.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) ([]FieldError, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.validator.Validate(c), nil
}

// Lock marks a Pending claim ready for export. A claim with blocking
// findings stays Pending and a *ValidationError is returned.
func (s *Service) Lock(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot lock a %s claim", ErrInvalidTransition, c.Status)
	}
	if findings := s.validator.Validate(c); HasErrors(findings) {
		return nil, &ValidationError{ClaimCode: c.ClaimCode, Fields: findings}
	}
	c.LockReason = ""
	if err := s.transition(ctx, c, StatusLocked, ActionLock, "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Unlock returns a Locked claim to Pending so it can be edited.
func (s *Service) Unlock(ctx context.Context, id uuid.UUID, reason string) (*Claim, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusLocked {
		return nil, fmt.Errorf("%w: cannot unlock a %s claim", ErrInvalidTransition, c.Status)
	}
	sub, err := s.outstanding(ctx, c)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return nil, outstandingError(c, sub)
	}
	c.LockReason = reason
	if err := s.transition(ctx, c, StatusPending, ActionUnlock, reason, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// transition persists c in its new status together with its audit event.
func (s *Service) transition(ctx context.Context, c *Claim, to Status, action, detail string, submissionID *uuid.UUID) error {
	from := c.Status
	c.Status = to
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Update(ctx, c); err != nil {
			return err
		}
		return s.store.AddEvent(ctx, &Event{
			ClaimID:      c.ID,
			FromStatus:   from,
			ToStatus:     to,
			Action:       action,
			SubmissionID: submissionID,
			Detail:       detail,
			Actor:        actor(ctx),
		})
	})
	if err != nil {
		c.Status = from
		return fmt.Errorf("%s claim %s: %w", action, c.ClaimCode, err)
	}
	s.logger.Info().Str("claim_id", c.ID.String()).Str("claim_code", c.ClaimCode).
		Str("from", from.String()).Str("to", to.String()).Str("action", action).Msg("claim transition")
	return nil
}

func actor(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return systemActor
}

var hundred = decimal.NewFromInt(100)

// normalizeLines numbers lines in order and fills amounts left at zero.
func normalizeLines(lines []Line) {
	for i := range lines {
		l := &lines[i]
		l.Seq = i + 1
		if l.Amount.IsZero() {
			l.Amount = l.Quantity.Mul(l.UnitPrice).RoundBank(2)
		}
		if l.InsuranceAmount.IsZero() && l.PatientAmount.IsZero() {
			l.InsuranceAmount = l.Amount.Mul(decimal.NewFromInt(int64(l.InsuranceRate))).Div(hundred).RoundBank(2)
			l.PatientAmount = l.Amount.Sub(l.InsuranceAmount)
		}
	}
}

// deriveTotals fills claim totals left at zero from the lines.
func deriveTotals(c *Claim) {
	if len(c.Lines) == 0 {
		return
	}
	var total, ins, pat decimal.Decimal
	for _, l := range c.Lines {
		total = total.Add(l.Amount)
		ins = ins.Add(l.InsuranceAmount)
		pat = pat.Add(l.PatientAmount)
	}
	if c.TotalAmount.IsZero() {
		c.TotalAmount = total
	}
	if c.InsuranceAmount.IsZero() && c.PatientAmount.IsZero() {
		c.InsuranceAmount, c.PatientAmount = ins, pat
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
