package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/claimsgw/internal/platform/lock"
	"github.com/ehr/claimsgw/internal/platform/telemetry"
)

const (
	DefaultBatchSize = 50
	dispatchLockKey  = "dispatch"
	defaultLeaseTTL  = 5 * time.Minute
)

// requeueBackoff is the wait before a transient failure is retried
// automatically, indexed by the row's retry count.
var requeueBackoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}

func backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(requeueBackoff) {
		return requeueBackoff[len(requeueBackoff)-1]
	}
	return requeueBackoff[retryCount]
}

// Dispatcher drains Pending submissions in bounded batches. Only one cycle
// runs at a time across every instance sharing the Locker.
type Dispatcher struct {
	engine    *Engine
	store     Store
	locker    lock.Locker
	batchSize int
	leaseTTL  time.Duration
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithLeaseTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

func WithDispatchLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithDispatchMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher. A nil locker uses an in-process lock.
func NewDispatcher(engine *Engine, locker lock.Locker, opts ...DispatcherOption) *Dispatcher {
	if locker == nil {
		locker = lock.NewLocal()
	}
	d := &Dispatcher{
		engine:    engine,
		store:     engine.store,
		locker:    locker,
		batchSize: DefaultBatchSize,
		leaseTTL:  defaultLeaseTTL,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunPendingBatch runs one dispatch cycle and returns the number of
// submissions delivered successfully. A failed delivery does not stop the
// cycle.
func (d *Dispatcher) RunPendingBatch(ctx context.Context) (int, error) {
	cfg := d.engine.Config()
	if cfg.Offline() {
		d.logger.Info().Msg("gateway offline, skipping dispatch cycle")
		d.metrics.DispatchCycle("offline", 0, 0)
		return 0, nil
	}

	release, err := d.locker.Obtain(ctx, dispatchLockKey, d.leaseTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		d.logger.Debug().Msg("dispatch cycle already running elsewhere")
		d.metrics.DispatchCycle("skipped", 0, 0)
		return 0, nil
	}
	if err != nil {
		d.metrics.DispatchCycle("error", 0, 0)
		return 0, fmt.Errorf("obtain dispatch lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn().Err(err).Msg("failed to release dispatch lock")
		}
	}()

	requeued, err := d.requeue(ctx, cfg.MaxRetries)
	if err != nil {
		d.logger.Error().Err(err).Int("requeued", len(requeued)).Msg("requeue stopped early")
	}

	// Requeued rows are sent in this cycle. MarkRetry may have brought them
	// to the retry limit, and ListPending no longer selects those.
	batch := requeued
	if room := d.batchSize - len(requeued); room > 0 {
		pending, err := d.store.ListPending(ctx, cfg.MaxRetries, room)
		if err != nil {
			d.metrics.DispatchCycle("error", 0, 0)
			return 0, fmt.Errorf("list pending submissions: %w", err)
		}
		batch = append(batch, pending...)
	}

	succeeded, failed := 0, 0
	for _, s := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := d.engine.Deliver(ctx, s)
		switch {
		case err != nil:
			failed++
			d.logger.Error().Err(err).Str("submission_id", s.ID.String()).Msg("dispatch delivery failed")
		case res.Success:
			succeeded++
		default:
			failed++
		}
	}

	d.logger.Info().Int("requeued", len(requeued)).Int("failed", failed).
		Msgf("processed %d/%d", succeeded, len(batch))
	d.metrics.DispatchCycle("completed", succeeded, failed)
	return succeeded, nil
}

// requeue moves transient failures whose backoff has elapsed back to
// Pending and returns them as reset by MarkRetry.
func (d *Dispatcher) requeue(ctx context.Context, maxRetries int) ([]*Submission, error) {
	now := d.now()
	candidates, err := d.store.ListRequeueable(ctx, maxRetries, now.Add(-requeueBackoff[0]), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list requeueable submissions: %w", err)
	}
	var out []*Submission
	for _, s := range candidates {
		if s.UpdatedAt.Add(backoffFor(s.RetryCount)).After(now) {
			continue
		}
		marked, err := d.store.MarkRetry(ctx, s.ID, maxRetries)
		if err != nil {
			if errors.Is(err, ErrRetryLimit) || errors.Is(err, ErrAlreadyAccepted) {
				continue
			}
			return out, fmt.Errorf("requeue submission %s: %w", s.ID, err)
		}
		out = append(out, marked)
	}
	return out, nil
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunPendingBatch(ctx); err != nil {
			d.logger.Error().Err(err).Msg("dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
