package submission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsgw/internal/platform/events"
	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/internal/platform/telemetry"
)

const maxErrorBody = 500

// Request is one fact to submit.
type Request struct {
	Kind       Kind
	PatientRef string
	SourceRef  string
	Payload    Payload
}

// Engine owns the submission lifecycle: assemble, persist, deliver, record.
type Engine struct {
	store     Store
	client    gateway.Client
	assembler *Assembler
	cfg       gateway.Config

	logger    zerolog.Logger
	publisher events.Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
	newID     func() uuid.UUID

	mu        sync.RWMutex
	observers []OutcomeObserver
}

// OutcomeObserver is called with a copy of every recorded attempt.
type OutcomeObserver func(ctx context.Context, s *Submission)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the id source for new rows and local
// transaction ids.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an Engine. cfg is captured by value.
func NewEngine(store Store, client gateway.Client, assembler *Assembler, cfg gateway.Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		client:    client,
		assembler: assembler,
		cfg:       cfg.WithDefaults(),
		logger:    zerolog.Nop(),
		publisher: events.Nop{},
		now:       time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the gateway configuration the engine was built with.
func (e *Engine) Config() gateway.Config {
	return e.cfg
}

// Observe registers fn for every outcome recorded from now on, whichever
// path delivered it: Submit, Retry or the dispatcher.
func (e *Engine) Observe(fn OutcomeObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Store returns the engine's store.
func (e *Engine) Store() Store {
	return e.store
}

// Submit assembles the payload, persists it as Pending and, unless the
// gateway is online with auto-submit disabled, delivers it immediately.
// An invalid payload yields an unsuccessful Result and nothing is stored.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.Payload == nil {
		return nil, errors.New("submit: payload is required")
	}
	if req.Kind == 0 {
		req.Kind = req.Payload.Kind()
	}
	var body json.RawMessage
	var err error
	if req.Kind != req.Payload.Kind() {
		err = &ValidationError{Kind: req.Kind, Fields: []FieldError{{
			Field: "kind", Rule: "eqfield",
			Message: fmt.Sprintf("payload is %s, request kind is %s", req.Payload.Kind(), req.Kind),
		}}}
	} else {
		body, err = e.assembler.Assemble(req.Payload)
	}
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			e.logger.Warn().Str("kind", req.Kind.String()).Str("source_ref", req.SourceRef).
				Int("fields", len(verr.Fields)).Msg("submission payload rejected by validation")
			return &Result{Success: false, Category: CategoryValidation, ErrorMessage: verr.Error()}, nil
		}
		return nil, err
	}

	s := &Submission{
		ID:             e.newID(),
		Kind:           req.Kind,
		PatientRef:     req.PatientRef,
		SourceRef:      req.SourceRef,
		RequestPayload: body,
		Status:         StatusPending,
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	if !e.cfg.Offline() && !e.cfg.AutoSubmit {
		e.logger.Debug().Str("submission_id", s.ID.String()).Str("kind", s.Kind.String()).
			Msg("submission queued for dispatch")
		return resultOf(s), nil
	}
	return e.Deliver(ctx, s)
}

// Retry resets a failed or locally recorded submission to Pending,
// increments its retry count and delivers it again. The stored payload is
// sent unchanged.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*Result, error) {
	s, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.CanRetry(e.cfg.MaxRetries); err != nil {
		return nil, err
	}
	s, err = e.store.MarkRetry(ctx, id, e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("submission_id", id.String()).Int("retry_count", s.RetryCount).Msg("retrying submission")
	return e.Deliver(ctx, s)
}

// Deliver sends a persisted Pending submission and records the outcome.
// Transport failures are reported through the Result; the returned error
// is reserved for store failures.
func (e *Engine) Deliver(ctx context.Context, s *Submission) (*Result, error) {
	if s.Status == StatusAccepted {
		return nil, ErrAlreadyAccepted
	}
	if e.cfg.Offline() {
		return e.recordLocally(ctx, s)
	}

	now := e.now()
	s.SubmittedAt = &now

	start := time.Now()
	resp, err := e.client.Send(ctx, s.Kind.Path(), s.RequestPayload)
	elapsed := time.Since(start)

	done := e.now()
	s.ResponseAt = &done
	if err != nil {
		e.metrics.GatewayCall(s.Kind.String(), gateway.KindOf(err).String(), elapsed)
		e.classifyFailure(s, err)
	} else {
		e.metrics.GatewayCall(s.Kind.String(), "ok", elapsed)
		e.classifySuccess(s, resp)
	}
	return e.record(ctx, s)
}

// Settle applies claim feedback to a Submitted row. Rows in any other
// state are left alone.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID, accepted bool, reason string) (bool, error) {
	status := StatusAccepted
	if !accepted {
		status = StatusRejected
	}
	return e.store.Settle(ctx, id, status, reason)
}

// VerifyCard performs a synchronous card lookup. It is never persisted.
func (e *Engine) VerifyCard(ctx context.Context, q gateway.CardQuery) (*gateway.CardResult, error) {
	if e.cfg.Offline() {
		return nil, offline(gateway.PathVerifyCard)
	}
	if q.FacilityCode == "" {
		q.FacilityCode = e.cfg.FacilityCode
	}
	return e.client.VerifyCard(ctx, q)
}

// TreatmentHistory looks up a card holder's past visits. It is never persisted.
func (e *Engine) TreatmentHistory(ctx context.Context, q gateway.HistoryQuery) (*gateway.TreatmentHistory, error) {
	if e.cfg.Offline() {
		return nil, offline(gateway.PathHistory)
	}
	return e.client.TreatmentHistory(ctx, q)
}

// CheckIn announces an insured admission to the gateway.
func (e *Engine) CheckIn(ctx context.Context, r gateway.CheckInRequest) (*gateway.CheckInResult, error) {
	if e.cfg.Offline() {
		return nil, offline(gateway.PathCheckIn)
	}
	if r.FacilityCode == "" {
		r.FacilityCode = e.cfg.FacilityCode
	}
	res, err := e.client.CheckIn(ctx, r)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("claim_code", res.ClaimCode).Int("status", res.Status).Msg("gateway check-in")
	return res, nil
}

// Ping reports whether the gateway is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if e.cfg.Offline() {
		return offline(gateway.PathToken)
	}
	return e.client.Ping(ctx)
}

func offline(op string) error {
	return &gateway.Error{Kind: gateway.KindConfig, Op: op, Err: errors.New("gateway is offline")}
}

func (e *Engine) recordLocally(ctx context.Context, s *Submission) (*Result, error) {
	now := e.now()
	s.Status = StatusSubmitted
	s.TransactionID = e.localTransactionID()
	s.ErrorCategory, s.ErrorMessage = CategoryNone, ""
	s.SubmittedAt = &now
	e.logger.Info().Str("submission_id", s.ID.String()).Str("kind", s.Kind.String()).
		Str("transaction_id", s.TransactionID).Msg("gateway offline, submission recorded locally")
	return e.record(ctx, s)
}

func (e *Engine) localTransactionID() string {
	hex := strings.ReplaceAll(e.newID().String(), "-", "")
	return (LocalPrefix + hex)[:20]
}

func (e *Engine) classifySuccess(s *Submission, resp *gateway.Response) {
	s.ResponsePayload = string(resp.Body)
	s.ErrorCategory, s.ErrorMessage = CategoryNone, ""

	s.TransactionID = gateway.TransactionID(resp.Body)
	if s.TransactionID == "" {
		s.TransactionID = "DQGVN-" + e.now().UTC().Format("20060102150405")
	}

	s.Status = StatusAccepted
	if s.Kind == KindClaimCost {
		var receipt gateway.CostReceipt
		if err := json.Unmarshal(resp.Body, &receipt); err == nil && receipt.Status == gateway.CostError {
			s.Status = StatusRejected
			s.ErrorCategory = CategoryRejection
			s.ErrorMessage = receipt.Message
		}
	}
}

func (e *Engine) classifyFailure(s *Submission, err error) {
	s.Status = StatusError
	s.TransactionID = ""

	var ge *gateway.Error
	if !errors.As(err, &ge) {
		s.ErrorCategory = CategoryTransient
		s.ErrorMessage = "Unexpected error: " + err.Error()
		return
	}
	switch ge.Kind {
	case gateway.KindStatus:
		s.ResponsePayload = string(ge.Body)
		s.ErrorMessage = "HTTP " + strconv.Itoa(ge.StatusCode) + ": " + truncate(string(ge.Body), maxErrorBody)
		if ge.Retryable() {
			s.ErrorCategory = CategoryTransient
		} else {
			s.ErrorCategory = CategoryRejection
		}
	case gateway.KindTimeout:
		s.ErrorCategory = CategoryTransient
		s.ErrorMessage = "Request timeout"
	case gateway.KindConnection:
		s.ErrorCategory = CategoryTransient
		s.ErrorMessage = "Connection error: " + errString(ge.Err)
	case gateway.KindConfig:
		s.ErrorCategory = CategoryConfiguration
		s.ErrorMessage = "Configuration error: " + errString(ge.Err)
	default:
		s.ErrorCategory = CategoryTransient
		s.ErrorMessage = "Unexpected error: " + err.Error()
	}
}

// record persists the outcome even if the caller's context was cancelled
// mid-flight, then publishes it.
func (e *Engine) record(ctx context.Context, s *Submission) (*Result, error) {
	pctx := context.WithoutCancel(ctx)
	if err := e.store.UpdateOutcome(pctx, s); err != nil {
		return nil, fmt.Errorf("record submission outcome: %w", err)
	}

	res := resultOf(s)
	e.metrics.SubmissionOutcome(s.Kind.String(), s.Status.String())

	evt := e.logger.Info()
	if !res.Success {
		evt = e.logger.Warn().Str("category", string(s.ErrorCategory)).Str("error", s.ErrorMessage)
	}
	evt.Str("submission_id", s.ID.String()).Str("kind", s.Kind.String()).
		Str("status", s.Status.String()).Str("transaction_id", s.TransactionID).
		Int("retry_count", s.RetryCount).Msg("submission attempt recorded")

	if err := e.publisher.Publish(pctx, events.SubmissionOutcome, res); err != nil {
		e.logger.Error().Err(err).Str("submission_id", s.ID.String()).Msg("failed to publish submission outcome")
	}

	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(pctx, s.Clone())
	}
	return res, nil
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
