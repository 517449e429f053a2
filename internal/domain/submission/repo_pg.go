package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimsgw/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by the submissions table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const subCols = `id, kind, patient_ref, source_ref, request_payload, response_payload,
	status, error_category, error_message, transaction_id, retry_count,
	created_at, submitted_at, response_at, updated_at`

func (r *storePG) Create(ctx context.Context, s *Submission) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO submissions (
			id, kind, patient_ref, source_ref, request_payload, response_payload,
			status, error_category, error_message, transaction_id, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		s.ID, int16(s.Kind), s.PatientRef, s.SourceRef, []byte(s.RequestPayload), s.ResponsePayload,
		int16(s.Status), string(s.ErrorCategory), s.ErrorMessage, s.TransactionID, s.RetryCount,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Submission, error) {
	s, err := scanSubmission(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *storePG) UpdateOutcome(ctx context.Context, s *Submission) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE submissions SET
			status=$2, response_payload=$3, error_category=$4, error_message=$5,
			transaction_id=$6, submitted_at=$7, response_at=$8, updated_at=NOW()
		WHERE id = $1 AND status <> 2
		RETURNING updated_at`,
		s.ID, int16(s.Status), s.ResponsePayload, string(s.ErrorCategory), s.ErrorMessage,
		s.TransactionID, s.SubmittedAt, s.ResponseAt,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.explainMiss(ctx, s.ID, ErrAlreadyAccepted)
	}
	return err
}

func (r *storePG) MarkRetry(ctx context.Context, id uuid.UUID, maxRetries int) (*Submission, error) {
	s, err := scanSubmission(r.conn(ctx).QueryRow(ctx, `
		UPDATE submissions SET
			status=0, retry_count=retry_count+1, error_category='', error_message='',
			transaction_id='', updated_at=NOW()
		WHERE id = $1 AND status <> 2 AND retry_count < $2
		RETURNING `+subCols, id, maxRetries))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == StatusAccepted {
			return nil, ErrAlreadyAccepted
		}
		return nil, ErrRetryLimit
	}
	return s, err
}

func (r *storePG) Settle(ctx context.Context, id uuid.UUID, status Status, message string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE submissions SET status=$2, error_message=$3,
			error_category = CASE WHEN $2 = 3 THEN 'gateway-rejection' ELSE '' END,
			response_at=NOW(), updated_at=NOW()
		WHERE id = $1 AND status = 1`,
		id, int16(status), message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// explainMiss turns a guarded update that touched no row into ErrNotFound
// or the given guard error.
func (r *storePG) explainMiss(ctx context.Context, id uuid.UUID, guard error) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM submissions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return guard
}

func (r *storePG) ListPending(ctx context.Context, maxRetries, limit int) ([]*Submission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+subCols+` FROM submissions
		WHERE status = 0 AND retry_count < $1
		ORDER BY created_at, id
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (r *storePG) ListRequeueable(ctx context.Context, maxRetries int, before time.Time, limit int) ([]*Submission, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+subCols+` FROM submissions
		WHERE status = 4 AND error_category = $1 AND retry_count < $2 AND updated_at <= $3
		ORDER BY updated_at, id
		LIMIT $4`, string(CategoryTransient), maxRetries, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (r *storePG) Search(ctx context.Context, f Filter) ([]*Submission, int, error) {
	where, args := searchClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM submissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	idx := len(args) + 1
	args = append(args, limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+subCols+` FROM submissions`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectSubmissions(rows)
	return items, total, err
}

func searchClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != nil {
		add("kind = $%d", int16(*f.Kind))
	}
	if f.Status != nil {
		add("status = $%d", int16(*f.Status))
	}
	if f.PatientRef != "" {
		add("patient_ref = $%d", f.PatientRef)
	}
	if f.SourceRef != "" {
		add("source_ref = $%d", f.SourceRef)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *storePG) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{Since: since, ByKind: make(map[string]int)}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT kind, status, COUNT(*) FROM submissions
		WHERE created_at >= $1
		GROUP BY kind, status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, status int16
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		st.add(Status(status), Kind(kind), n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT MAX(submitted_at) FROM submissions WHERE created_at >= $1`, since,
	).Scan(&st.LastSubmittedAt); err != nil {
		return nil, err
	}
	return st, nil
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var kind, status int16
	var category string
	var payload []byte
	err := row.Scan(
		&s.ID, &kind, &s.PatientRef, &s.SourceRef, &payload, &s.ResponsePayload,
		&status, &category, &s.ErrorMessage, &s.TransactionID, &s.RetryCount,
		&s.CreatedAt, &s.SubmittedAt, &s.ResponseAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Kind, s.Status, s.ErrorCategory = Kind(kind), Status(status), Category(category)
	s.RequestPayload = payload
	return &s, nil
}

func collectSubmissions(rows pgx.Rows) ([]*Submission, error) {
	var items []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
