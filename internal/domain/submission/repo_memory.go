package submission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and the development server.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Submission
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Submission), now: time.Now}
}

// SetClock overrides the time source used for created_at and updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Len returns the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemoryStore) Create(_ context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.rows[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateOutcome(_ context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == StatusAccepted {
		return ErrAlreadyAccepted
	}
	cur.Status = s.Status
	cur.ResponsePayload = s.ResponsePayload
	cur.ErrorCategory = s.ErrorCategory
	cur.ErrorMessage = s.ErrorMessage
	cur.TransactionID = s.TransactionID
	cur.SubmittedAt = s.SubmittedAt
	cur.ResponseAt = s.ResponseAt
	cur.UpdatedAt = m.now()
	s.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *MemoryStore) MarkRetry(_ context.Context, id uuid.UUID, maxRetries int) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status == StatusAccepted {
		return nil, ErrAlreadyAccepted
	}
	if cur.RetryCount >= maxRetries {
		return nil, ErrRetryLimit
	}
	cur.RetryCount++
	cur.Status = StatusPending
	cur.ErrorCategory = CategoryNone
	cur.ErrorMessage = ""
	cur.TransactionID = ""
	cur.UpdatedAt = m.now()
	return cur.Clone(), nil
}

func (m *MemoryStore) Settle(_ context.Context, id uuid.UUID, status Status, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok || cur.Status != StatusSubmitted {
		return false, nil
	}
	now := m.now()
	cur.Status = status
	cur.ErrorMessage = message
	cur.ErrorCategory = CategoryNone
	if status == StatusRejected {
		cur.ErrorCategory = CategoryRejection
	}
	cur.ResponseAt = &now
	cur.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ListPending(_ context.Context, maxRetries, limit int) ([]*Submission, error) {
	return m.list(limit, func(s *Submission) bool {
		return s.Status == StatusPending && s.RetryCount < maxRetries
	}, byCreated), nil
}

func (m *MemoryStore) ListRequeueable(_ context.Context, maxRetries int, before time.Time, limit int) ([]*Submission, error) {
	return m.list(limit, func(s *Submission) bool {
		return s.Status == StatusError && s.ErrorCategory == CategoryTransient &&
			s.RetryCount < maxRetries && !s.UpdatedAt.After(before)
	}, byUpdated), nil
}

func (m *MemoryStore) Search(_ context.Context, f Filter) ([]*Submission, int, error) {
	all := m.list(0, func(s *Submission) bool { return f.matches(s) }, byCreatedDesc)
	total := len(all)
	if f.Offset >= total {
		return []*Submission{}, total, nil
	}
	all = all[f.Offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	st := &Stats{Since: since, ByKind: make(map[string]int)}
	for _, s := range m.list(0, func(s *Submission) bool { return !s.CreatedAt.Before(since) }, byCreated) {
		st.add(s.Status, s.Kind, 1)
		if s.SubmittedAt != nil && (st.LastSubmittedAt == nil || s.SubmittedAt.After(*st.LastSubmittedAt)) {
			t := *s.SubmittedAt
			st.LastSubmittedAt = &t
		}
	}
	return st, nil
}

func (f Filter) matches(s *Submission) bool {
	switch {
	case f.Kind != nil && s.Kind != *f.Kind:
		return false
	case f.Status != nil && s.Status != *f.Status:
		return false
	case f.PatientRef != "" && s.PatientRef != f.PatientRef:
		return false
	case f.SourceRef != "" && s.SourceRef != f.SourceRef:
		return false
	case f.From != nil && s.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && !s.CreatedAt.Before(*f.To):
		return false
	}
	return true
}

func byCreated(a, b *Submission) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func byCreatedDesc(a, b *Submission) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func byUpdated(a, b *Submission) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

func (m *MemoryStore) list(limit int, keep func(*Submission) bool, less func(a, b *Submission) bool) []*Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Submission, 0)
	for _, s := range m.rows {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*storePG)(nil)
)
