package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNoteRequired is returned when an anomaly is resolved without a note.
var ErrNoteRequired = errors.New("resolution note is required")

// Correction is an operator's answer to a rejected claim: either accept the
// rejection, which is final, or fix the claim and send it round again.
// Nil fields are left unchanged; a nil Lines keeps the current lines.
type Correction struct {
	AcceptRejection bool   `json:"accept_rejection"`
	Note            string `json:"note"`

	InsuranceNumber *string          `json:"insurance_number,omitempty"`
	PatientName     *string          `json:"patient_name,omitempty"`
	MainDiagnosis   *string          `json:"main_diagnosis,omitempty"`
	SubDiagnoses    *string          `json:"sub_diagnoses,omitempty"`
	DepartmentCode  *string          `json:"department_code,omitempty"`
	TreatmentDays   *int             `json:"treatment_days,omitempty"`
	TotalAmount     *decimal.Decimal `json:"total_amount,omitempty"`
	InsuranceAmount *decimal.Decimal `json:"insurance_amount,omitempty"`
	PatientAmount   *decimal.Decimal `json:"patient_amount,omitempty"`
	Lines           []Line           `json:"lines,omitempty"`
}

func (c *Correction) apply(cl *Claim) []string {
	var changed []string
	setString := func(name string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setDecimal := func(name string, dst *decimal.Decimal, v *decimal.Decimal) {
		if v != nil && !v.Equal(*dst) {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setString("insurance_number", &cl.InsuranceNumber, c.InsuranceNumber)
	setString("patient_name", &cl.PatientName, c.PatientName)
	setString("main_diagnosis", &cl.MainDiagnosis, c.MainDiagnosis)
	setString("sub_diagnoses", &cl.SubDiagnoses, c.SubDiagnoses)
	setString("department_code", &cl.DepartmentCode, c.DepartmentCode)
	if c.TreatmentDays != nil && *c.TreatmentDays != cl.TreatmentDays {
		cl.TreatmentDays = *c.TreatmentDays
		changed = append(changed, "treatment_days")
	}
	setDecimal("total_amount", &cl.TotalAmount, c.TotalAmount)
	setDecimal("insurance_amount", &cl.InsuranceAmount, c.InsuranceAmount)
	setDecimal("patient_amount", &cl.PatientAmount, c.PatientAmount)
	return changed
}

// Correct resolves a rejected claim. Accepting the rejection closes the
// claim for good. A fix applies the edits, clears the settlement and
// returns the claim to Pending under the same id, so its audit trail
// continues across the next export. The settled submission stays on the
// trail; the next export starts a new one.
func (s *Service) Correct(ctx context.Context, id uuid.UUID, corr Correction) (*Claim, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusRejected {
		return nil, fmt.Errorf("%w: only rejected claims can be corrected, claim is %s", ErrInvalidTransition, c.Status)
	}
	if c.RejectionFinal {
		return nil, ErrFinalRejection
	}

	if corr.AcceptRejection {
		c.RejectionFinal = true
		detail := strings.TrimSpace(c.RejectCode + " " + corr.Note)
		if err := s.transition(ctx, c, StatusRejected, ActionAcceptRejection, detail, nil); err != nil {
			return nil, err
		}
		return c, nil
	}

	changed := corr.apply(c)
	if corr.Lines != nil {
		normalizeLines(corr.Lines)
		changed = append(changed, "lines")
	}
	detail := fmt.Sprintf("after %s", c.RejectCode)
	if len(changed) > 0 {
		detail += ": " + strings.Join(changed, ", ")
	}
	if corr.Note != "" {
		detail += "; " + corr.Note
	}

	c.RejectCode, c.RejectReason = "", ""
	c.TransactionID, c.LastSubmissionID = "", nil
	c.SubmittedAt, c.SettledAt = nil, nil
	c.SettledClaimAmount, c.SettledAcceptedAmount = nil, nil

	from := c.Status
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if corr.Lines != nil {
			if err := s.store.ReplaceLines(ctx, c.ID, corr.Lines); err != nil {
				return err
			}
			c.Lines = corr.Lines
		}
		return s.transition(ctx, c, StatusPending, ActionCorrect, detail, nil)
	})
	if err != nil {
		c.Status = from
		return nil, err
	}
	return c, nil
}

// ListAnomalies returns reconciliation anomalies, newest first.
func (s *Service) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]*Anomaly, int, error) {
	return s.store.ListAnomalies(ctx, f)
}

// ResolveAnomaly closes an anomaly with an operator note. Resolution does
// not change any claim.
func (s *Service) ResolveAnomaly(ctx context.Context, id uuid.UUID, note string) (*Anomaly, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, ErrNoteRequired
	}
	a, err := s.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return nil, ErrAnomalyResolved
	}
	now := s.now()
	a.Resolved = true
	a.Resolution = note
	a.ResolvedBy = actor(ctx)
	a.ResolvedAt = &now
	if err := s.store.ResolveAnomaly(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("anomaly_id", id.String()).Str("resolved_by", a.ResolvedBy).Msg("anomaly resolved")
	return a, nil
}
