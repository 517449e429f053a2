package claim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimsgw/internal/domain/submission"
	"github.com/ehr/claimsgw/internal/platform/claimxml"
)

// ErrNothingToExport is returned when Export is called without claims.
var ErrNothingToExport = errors.New("no claims selected for export")

// ExportResult describes one settlement batch.
type ExportResult struct {
	BatchCode  string             `json:"batch_code"`
	ArchiveKey string             `json:"archive_key"`
	ClaimIDs   []uuid.UUID        `json:"claim_ids"`
	Submission *submission.Result `json:"submission"`
}

// BatchCode is the settlement period code of an export made at t.
func BatchCode(t time.Time) string {
	return "QT-" + t.Format("200601")
}

// Export submits Locked claims as one cost batch. The dossier is archived
// before it is sent. When the gateway accepts the batch the claims become
// Submitted; otherwise they stay Locked and the failure is recorded on
// their audit trail. A claim whose previous submission can still be
// delivered is refused with ErrSubmissionOutstanding; later outcomes of
// that submission reach the claim on their own.
func (s *Service) Export(ctx context.Context, ids []uuid.UUID) (*ExportResult, error) {
	if len(ids) == 0 {
		return nil, ErrNothingToExport
	}

	claims := make([]*Claim, 0, len(ids))
	dossiers := make([]claimxml.Dossier, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		if c.Status != StatusLocked {
			return nil, fmt.Errorf("%w: claim %s is %s, only locked claims are exported", ErrInvalidTransition, c.ClaimCode, c.Status)
		}
		sub, err := s.outstanding(ctx, c)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return nil, outstandingError(c, sub)
		}
		if findings := s.validator.Validate(c); HasErrors(findings) {
			return nil, &ValidationError{ClaimCode: c.ClaimCode, Fields: findings}
		}
		claims = append(claims, c)
		dossiers = append(dossiers, toDossier(c, s.engine.Config().FacilityCode))
	}

	now := s.now()
	cfg := s.engine.Config()
	batch := BatchCode(now)
	sourceRef, patientRef := batch, ""
	if len(claims) == 1 {
		sourceRef, patientRef = claims[0].ID.String(), claims[0].PatientRef
	}

	raw, err := claimxml.EncodeDossiers(cfg.FacilityCode, now, dossiers)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", batch, err)
	}
	key := fmt.Sprintf("exports/%s/%s.xml", batch, s.newID())
	if err := s.archive.Put(ctx, key, raw, "application/xml"); err != nil {
		return nil, fmt.Errorf("archive batch %s: %w", batch, err)
	}

	res, err := s.engine.Submit(ctx, submission.Request{
		Kind:       submission.KindClaimCost,
		PatientRef: patientRef,
		SourceRef:  sourceRef,
		Payload: &submission.ClaimDossier{
			BatchCode: batch,
			CreatedAt: now,
			Dossiers:  dossiers,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("submit batch %s: %w", batch, err)
	}
	if res.SubmissionID == uuid.Nil {
		return nil, &ValidationError{ClaimCode: batch, Fields: []FieldError{{
			Field: "dossier", Rule: "schema", Message: res.ErrorMessage, Severity: SeverityError,
		}}}
	}

	out := &ExportResult{BatchCode: batch, ArchiveKey: key, Submission: res}
	subID := res.SubmissionID
	for _, c := range claims {
		c.LastSubmissionID = &subID
		c.BatchCode = batch
		if res.Success {
			c.TransactionID = res.TransactionID
			c.SubmittedAt = &now
			c.RejectCode, c.RejectReason = "", ""
			detail := "batch " + batch
			if res.TransactionID != "" {
				detail += " transaction " + res.TransactionID
			}
			err = s.transition(ctx, c, StatusSubmitted, ActionExport, detail, &subID)
		} else {
			err = s.transition(ctx, c, StatusLocked, ActionExportFailed, res.ErrorMessage, &subID)
		}
		if err != nil {
			return out, err
		}
		out.ClaimIDs = append(out.ClaimIDs, c.ID)
	}

	// The dispatcher may have delivered a queued batch before the claims
	// pointed at it.
	if res.Status == submission.StatusPending {
		if sub, err := s.engine.Store().GetByID(ctx, subID); err == nil && sub.Status != submission.StatusPending {
			s.syncSubmission(ctx, sub)
		}
	}

	evt := s.logger.Info()
	if !res.Success {
		evt = s.logger.Warn().Str("error", res.ErrorMessage)
	}
	evt.Str("batch_code", batch).Str("submission_id", subID.String()).
		Str("transaction_id", res.TransactionID).Int("claims", len(claims)).Msg("claim batch exported")
	return out, nil
}

// toDossier maps a claim onto the XML1, XML2 and XML3 tables. Supplies are
// listed with technical services.
func toDossier(c *Claim, facilityCode string) claimxml.Dossier {
	d := claimxml.Dossier{
		Summary: claimxml.Summary{
			ClaimCode:          c.ClaimCode,
			Seq:                1,
			PatientCode:        c.PatientRef,
			FullName:           c.PatientName,
			BirthDate:          claimxml.AtPtr(c.BirthDate),
			Gender:             c.Gender,
			Address:            c.Address,
			CardNumber:         c.InsuranceNumber,
			RegisteredFacility: c.RegisteredFacility,
			CardValidFrom:      claimxml.AtPtr(c.CardValidFrom),
			CardValidTo:        claimxml.AtPtr(c.CardValidTo),
			MainDiagnosis:      c.MainDiagnosis,
			SubDiagnoses:       c.SubDiagnoses,
			VisitType:          strconv.Itoa(c.VisitType),
			DepartmentCode:     c.DepartmentCode,
			FacilityCode:       facilityCode,
			AdmittedAt:         claimxml.AtPtr(c.AdmittedAt),
			DischargedAt:       claimxml.AtPtr(c.DischargedAt),
			TreatmentDays:      c.TreatmentDays,
			TotalCost:          claimxml.Dec(c.TotalAmount),
			InsurancePaid:      claimxml.Dec(c.InsuranceAmount),
			PatientPaid:        claimxml.Dec(c.PatientAmount),
		},
	}

	for _, l := range c.Lines {
		switch l.Kind {
		case LineDrug:
			d.Drugs = append(d.Drugs, claimxml.DrugLine{
				ClaimCode:      c.ClaimCode,
				Seq:            len(d.Drugs) + 1,
				DrugCode:       l.ItemCode,
				DrugName:       l.ItemName,
				Unit:           l.Unit,
				Quantity:       claimxml.Dec(l.Quantity),
				UnitPrice:      claimxml.Dec(l.UnitPrice),
				PaymentRate:    l.InsuranceRate,
				Amount:         claimxml.Dec(l.Amount),
				DepartmentCode: l.DepartmentCode,
				DoctorCode:     l.DoctorCode,
				OrderedAt:      claimxml.AtPtr(l.OrderedAt),
				DiagnosisCode:  c.MainDiagnosis,
				InsuranceShare: claimxml.NullDec(l.InsuranceAmount),
				PatientShare:   claimxml.NullDec(l.PatientAmount),
			})
		default:
			d.Services = append(d.Services, claimxml.ServiceLine{
				ClaimCode:      c.ClaimCode,
				Seq:            len(d.Services) + 1,
				ServiceCode:    l.ItemCode,
				ServiceName:    l.ItemName,
				Unit:           l.Unit,
				Quantity:       claimxml.Dec(l.Quantity),
				UnitPrice:      claimxml.Dec(l.UnitPrice),
				PaymentRate:    l.InsuranceRate,
				Amount:         claimxml.Dec(l.Amount),
				DepartmentCode: l.DepartmentCode,
				DoctorCode:     l.DoctorCode,
				OrderedAt:      claimxml.AtPtr(l.OrderedAt),
				DiagnosisCode:  c.MainDiagnosis,
				InsuranceShare: claimxml.NullDec(l.InsuranceAmount),
				PatientShare:   claimxml.NullDec(l.PatientAmount),
			})
		}
	}
	return d
}
