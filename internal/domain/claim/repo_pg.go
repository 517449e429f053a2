package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimsgw/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *storePG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

const claimCols = `id, claim_code, patient_ref, encounter_ref, insurance_number, patient_name,
	birth_date, gender, address, registered_facility, card_valid_from, card_valid_to,
	main_diagnosis, sub_diagnoses, visit_type, admitted_at, discharged_at, treatment_days,
	department_code, total_amount, insurance_amount, patient_amount,
	settled_claim_amount, settled_accepted_amount, status, reject_code, reject_reason,
	rejection_final, last_submission_id, transaction_id, batch_code, lock_reason,
	submitted_at, settled_at, created_at, updated_at`

const lineCols = `id, claim_id, seq, kind, item_code, item_name, unit, quantity, unit_price,
	amount, insurance_rate, insurance_amount, patient_amount, department_code, doctor_code, ordered_at`

func (r *storePG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.InTx(ctx, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO claims (
				id, claim_code, patient_ref, encounter_ref, insurance_number, patient_name,
				birth_date, gender, address, registered_facility, card_valid_from, card_valid_to,
				main_diagnosis, sub_diagnoses, visit_type, admitted_at, discharged_at, treatment_days,
				department_code, total_amount, insurance_amount, patient_amount, status
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,
				$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
			)
			RETURNING created_at, updated_at`,
			c.ID, c.ClaimCode, c.PatientRef, c.EncounterRef, c.InsuranceNumber, c.PatientName,
			c.BirthDate, int16(c.Gender), c.Address, c.RegisteredFacility, c.CardValidFrom, c.CardValidTo,
			c.MainDiagnosis, c.SubDiagnoses, int16(c.VisitType), c.AdmittedAt, c.DischargedAt, c.TreatmentDays,
			c.DepartmentCode, c.TotalAmount, c.InsuranceAmount, c.PatientAmount, int16(c.Status),
		).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateCode
			}
			return err
		}
		return r.insertLines(ctx, c.ID, c.Lines)
	})
}

func (r *storePG) insertLines(ctx context.Context, claimID uuid.UUID, lines []Line) error {
	for i := range lines {
		l := &lines[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.ClaimID = claimID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO claim_lines (`+lineCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			l.ID, l.ClaimID, l.Seq, int16(l.Kind), l.ItemCode, l.ItemName, l.Unit, l.Quantity, l.UnitPrice,
			l.Amount, l.InsuranceRate, l.InsuranceAmount, l.PatientAmount, l.DepartmentCode, l.DoctorCode, l.OrderedAt,
		)
		if err != nil {
			return fmt.Errorf("insert claim line %d: %w", l.Seq, err)
		}
	}
	return nil
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.getWhere(ctx, `id = $1`, id)
}

func (r *storePG) GetByCode(ctx context.Context, code string) (*Claim, error) {
	return r.getWhere(ctx, `claim_code = $1`, code)
}

func (r *storePG) getWhere(ctx context.Context, where string, arg interface{}) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+lineCols+` FROM claim_lines WHERE claim_id = $1 ORDER BY seq`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		var kind int16
		if err := rows.Scan(
			&l.ID, &l.ClaimID, &l.Seq, &kind, &l.ItemCode, &l.ItemName, &l.Unit, &l.Quantity, &l.UnitPrice,
			&l.Amount, &l.InsuranceRate, &l.InsuranceAmount, &l.PatientAmount, &l.DepartmentCode, &l.DoctorCode, &l.OrderedAt,
		); err != nil {
			return nil, err
		}
		l.Kind = LineKind(kind)
		c.Lines = append(c.Lines, l)
	}
	return c, rows.Err()
}

func (r *storePG) Update(ctx context.Context, c *Claim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE claims SET
			patient_ref=$2, encounter_ref=$3, insurance_number=$4, patient_name=$5,
			birth_date=$6, gender=$7, address=$8, registered_facility=$9,
			card_valid_from=$10, card_valid_to=$11, main_diagnosis=$12, sub_diagnoses=$13,
			visit_type=$14, admitted_at=$15, discharged_at=$16, treatment_days=$17,
			department_code=$18, total_amount=$19, insurance_amount=$20, patient_amount=$21,
			settled_claim_amount=$22, settled_accepted_amount=$23, status=$24,
			reject_code=$25, reject_reason=$26, rejection_final=$27, last_submission_id=$28,
			transaction_id=$29, batch_code=$30, lock_reason=$31, submitted_at=$32, settled_at=$33,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.PatientRef, c.EncounterRef, c.InsuranceNumber, c.PatientName,
		c.BirthDate, int16(c.Gender), c.Address, c.RegisteredFacility,
		c.CardValidFrom, c.CardValidTo, c.MainDiagnosis, c.SubDiagnoses,
		int16(c.VisitType), c.AdmittedAt, c.DischargedAt, c.TreatmentDays,
		c.DepartmentCode, c.TotalAmount, c.InsuranceAmount, c.PatientAmount,
		c.SettledClaimAmount, c.SettledAcceptedAmount, int16(c.Status),
		c.RejectCode, c.RejectReason, c.RejectionFinal, c.LastSubmissionID,
		c.TransactionID, c.BatchCode, c.LockReason, c.SubmittedAt, c.SettledAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *storePG) ReplaceLines(ctx context.Context, claimID uuid.UUID, lines []Line) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM claim_lines WHERE claim_id = $1`, claimID); err != nil {
			return err
		}
		return r.insertLines(ctx, claimID, lines)
	})
}

func (r *storePG) List(ctx context.Context, f Filter) ([]*Claim, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", int16(*f.Status))
	}
	if f.PatientRef != "" {
		add("patient_ref = $%d", f.PatientRef)
	}
	if f.BatchCode != "" {
		add("batch_code = $%d", f.BatchCode)
	}
	if f.TransactionID != "" {
		add("transaction_id = $%d", f.TransactionID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	idx := len(args) + 1
	args = append(args, limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims`+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *storePG) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims
		WHERE last_submission_id = $1 ORDER BY claim_code`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *storePG) AddEvent(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_events (id, claim_id, from_status, to_status, action, submission_id, detail, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		e.ID, e.ClaimID, int16(e.FromStatus), int16(e.ToStatus), e.Action, e.SubmissionID, e.Detail, e.Actor,
	).Scan(&e.CreatedAt)
}

func (r *storePG) ListEvents(ctx context.Context, claimID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, from_status, to_status, action, submission_id, detail, actor, created_at
		FROM claim_events WHERE claim_id = $1 ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		var e Event
		var from, to int16
		if err := rows.Scan(&e.ID, &e.ClaimID, &from, &to, &e.Action, &e.SubmissionID, &e.Detail, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus = Status(from), Status(to)
		items = append(items, &e)
	}
	return items, rows.Err()
}

const anomalyCols = `id, reason, claim_code, claim_id, transaction_id, detail, payload,
	resolved, resolution, resolved_by, resolved_at, created_at`

func (r *storePG) CreateAnomaly(ctx context.Context, a *Anomaly) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var payload []byte
	if len(a.Payload) > 0 {
		payload = a.Payload
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reconciliation_anomalies (id, reason, claim_code, claim_id, transaction_id, detail, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		a.ID, a.Reason, a.ClaimCode, a.ClaimID, a.TransactionID, a.Detail, payload,
	).Scan(&a.CreatedAt)
}

func (r *storePG) GetAnomaly(ctx context.Context, id uuid.UUID) (*Anomaly, error) {
	a, err := scanAnomaly(r.conn(ctx).QueryRow(ctx, `SELECT `+anomalyCols+` FROM reconciliation_anomalies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAnomalyNotFound
	}
	return a, err
}

func (r *storePG) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, int, error) {
	where, args := "", []interface{}{}
	if f.Resolved != nil {
		where = " WHERE resolved = $1"
		args = append(args, *f.Resolved)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_anomalies`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	idx := len(args) + 1
	args = append(args, limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+anomalyCols+` FROM reconciliation_anomalies`+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *storePG) ResolveAnomaly(ctx context.Context, a *Anomaly) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reconciliation_anomalies
		SET resolved = TRUE, resolution = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND resolved = FALSE`,
		a.ID, a.Resolution, a.ResolvedBy, a.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetAnomaly(ctx, a.ID); err != nil {
			return err
		}
		return ErrAnomalyResolved
	}
	return nil
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var gender, visitType, status int16
	err := row.Scan(
		&c.ID, &c.ClaimCode, &c.PatientRef, &c.EncounterRef, &c.InsuranceNumber, &c.PatientName,
		&c.BirthDate, &gender, &c.Address, &c.RegisteredFacility, &c.CardValidFrom, &c.CardValidTo,
		&c.MainDiagnosis, &c.SubDiagnoses, &visitType, &c.AdmittedAt, &c.DischargedAt, &c.TreatmentDays,
		&c.DepartmentCode, &c.TotalAmount, &c.InsuranceAmount, &c.PatientAmount,
		&c.SettledClaimAmount, &c.SettledAcceptedAmount, &status, &c.RejectCode, &c.RejectReason,
		&c.RejectionFinal, &c.LastSubmissionID, &c.TransactionID, &c.BatchCode, &c.LockReason,
		&c.SubmittedAt, &c.SettledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Gender, c.VisitType, c.Status = int(gender), int(visitType), Status(status)
	return &c, nil
}

func scanAnomaly(row pgx.Row) (*Anomaly, error) {
	var a Anomaly
	var payload []byte
	err := row.Scan(
		&a.ID, &a.Reason, &a.ClaimCode, &a.ClaimID, &a.TransactionID, &a.Detail, &payload,
		&a.Resolved, &a.Resolution, &a.ResolvedBy, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	return &a, nil
}
