package submission

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/ehr/claimsgw/internal/platform/claimxml"
	"github.com/ehr/claimsgw/internal/platform/gateway"
)

// FieldError describes one invalid payload field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError is returned by Assemble when a payload fails its field
// rules. Nothing is persisted for such a payload.
type ValidationError struct {
	Kind   Kind
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, strings.Join(parts, "; "))
}

// Assembler turns typed payloads into the exact bytes sent to the gateway.
type Assembler struct {
	cfg      gateway.Config
	validate *validator.Validate
}

// NewAssembler creates an Assembler that stamps the configured facility
// onto every payload.
func NewAssembler(cfg gateway.Config) *Assembler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "xml"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	return &Assembler{cfg: cfg, validate: v}
}

// Assemble validates p and serializes it. Claim batches are encoded as the
// XML dossier and wrapped in the bulk submission envelope; every other kind
// is the payload's JSON form.
func (a *Assembler) Assemble(p Payload) (json.RawMessage, error) {
	if p == nil || reflect.ValueOf(p).IsNil() {
		return nil, errors.New("assemble: nil payload")
	}
	p.stamp(Facility{Code: a.cfg.FacilityCode, Name: a.cfg.FacilityName})

	if d, ok := p.(*ClaimDossier); ok {
		return a.assembleDossier(d)
	}

	if err := a.validate.Struct(p); err != nil {
		return nil, a.validationError(p.Kind(), err)
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return out, nil
}

func (a *Assembler) assembleDossier(d *ClaimDossier) (json.RawMessage, error) {
	if len(d.Dossiers) == 0 {
		return nil, &ValidationError{Kind: KindClaimCost, Fields: []FieldError{{
			Field: "dossiers", Rule: "required", Message: "batch contains no claims",
		}}}
	}
	for i := range d.Dossiers {
		if err := a.validate.Struct(&d.Dossiers[i]); err != nil {
			verr := a.validationError(KindClaimCost, err).(*ValidationError)
			for j := range verr.Fields {
				verr.Fields[j].Field = fmt.Sprintf("dossiers[%d].%s", i, verr.Fields[j].Field)
			}
			return nil, verr
		}
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	raw, err := claimxml.EncodeDossiers(d.Facility.Code, createdAt, d.Dossiers)
	if err != nil {
		return nil, fmt.Errorf("encode claim dossier: %w", err)
	}
	out, err := gateway.MarshalCostEnvelope(gateway.CostBatch{
		XML:          raw,
		BatchCode:    d.BatchCode,
		FacilityCode: d.Facility.Code,
	}, a.cfg.FacilityCode)
	if err != nil {
		return nil, fmt.Errorf("marshal cost envelope: %w", err)
	}
	return out, nil
}

func (a *Assembler) validationError(kind Kind, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s payload: %w", kind, err)
	}
	out := &ValidationError{Kind: kind}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out.Fields = append(out.Fields, FieldError{
			Field:   field,
			Rule:    fe.Tag(),
			Message: fieldMessage(field, fe),
		})
	}
	return out
}

func fieldMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "numeric":
		return field + " must be numeric"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
