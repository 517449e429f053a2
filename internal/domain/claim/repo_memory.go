package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and the development server.
// InTx restores the previous contents when fn fails.
type MemoryStore struct {
	mu        sync.Mutex
	claims    map[uuid.UUID]*Claim
	events    []*Event
	anomalies map[uuid.UUID]*Anomaly
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:    make(map[uuid.UUID]*Claim),
		anomalies: make(map[uuid.UUID]*Anomaly),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

type memTxKey struct{}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	claims := make(map[uuid.UUID]*Claim, len(m.claims))
	for id, c := range m.claims {
		claims[id] = c.Clone()
	}
	events := append([]*Event(nil), m.events...)
	anomalies := make(map[uuid.UUID]*Anomaly, len(m.anomalies))
	for id, a := range m.anomalies {
		cp := *a
		anomalies[id] = &cp
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.claims, m.events, m.anomalies = claims, events, anomalies
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.claims {
		if cur.ClaimCode == c.ClaimCode {
			return ErrDuplicateCode
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	assignLines(c.ID, c.Lines)
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.claims[c.ID] = c.Clone()
	return nil
}

func assignLines(claimID uuid.UUID, lines []Line) {
	for i := range lines {
		if lines[i].ID == uuid.Nil {
			lines[i].ID = uuid.New()
		}
		lines[i].ClaimID = claimID
	}
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) GetByCode(_ context.Context, code string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.ClaimCode == code {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.claims[c.ID]
	if !ok {
		return ErrNotFound
	}
	next := c.Clone()
	next.ClaimCode = cur.ClaimCode
	next.CreatedAt = cur.CreatedAt
	next.Lines = cur.Lines
	next.UpdatedAt = m.now()
	c.UpdatedAt = next.UpdatedAt
	m.claims[c.ID] = next
	return nil
}

func (m *MemoryStore) ReplaceLines(_ context.Context, claimID uuid.UUID, lines []Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.claims[claimID]
	if !ok {
		return ErrNotFound
	}
	assignLines(claimID, lines)
	cur.Lines = append([]Line(nil), lines...)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Claim
	for _, c := range m.claims {
		if f.matches(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ClaimCode < matched[j].ClaimCode
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	var items []*Claim
	for i := f.Offset; i < len(matched) && len(items) < limit; i++ {
		items = append(items, matched[i].Clone())
	}
	return items, total, nil
}

func (m *MemoryStore) ListBySubmission(_ context.Context, submissionID uuid.UUID) ([]*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Claim
	for _, c := range m.claims {
		if c.LastSubmissionID != nil && *c.LastSubmissionID == submissionID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimCode < out[j].ClaimCode })
	return out, nil
}

func (f Filter) matches(c *Claim) bool {
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.PatientRef != "" && c.PatientRef != f.PatientRef {
		return false
	}
	if f.BatchCode != "" && c.BatchCode != f.BatchCode {
		return false
	}
	if f.TransactionID != "" && c.TransactionID != f.TransactionID {
		return false
	}
	return true
}

func (m *MemoryStore) AddEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.now()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, claimID uuid.UUID) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.ClaimID == claimID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAnomaly(_ context.Context, a *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = m.now()
	cp := *a
	m.anomalies[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAnomaly(_ context.Context, id uuid.UUID) (*Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[id]
	if !ok {
		return nil, ErrAnomalyNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, f AnomalyFilter) ([]*Anomaly, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Anomaly
	for _, a := range m.anomalies {
		if f.Resolved == nil || a.Resolved == *f.Resolved {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	var items []*Anomaly
	for i := f.Offset; i < len(matched) && len(items) < limit; i++ {
		cp := *matched[i]
		items = append(items, &cp)
	}
	return items, total, nil
}

func (m *MemoryStore) ResolveAnomaly(_ context.Context, a *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.anomalies[a.ID]
	if !ok {
		return ErrAnomalyNotFound
	}
	if cur.Resolved {
		return ErrAnomalyResolved
	}
	cur.Resolved = true
	cur.Resolution = a.Resolution
	cur.ResolvedBy = a.ResolvedBy
	cur.ResolvedAt = a.ResolvedAt
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*storePG)(nil)
)
