package claim

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Severities of a FieldError. Only errors block Lock and Export.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// FieldError is one pre-export finding on a claim.
type FieldError struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ValidationError blocks a claim from being locked or exported.
type ValidationError struct {
	ClaimCode string
	Fields    []FieldError
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, f := range e.Fields {
		if f.Severity == SeverityError {
			parts = append(parts, f.Message)
		}
	}
	return fmt.Sprintf("claim %s is invalid: %s", e.ClaimCode, strings.Join(parts, "; "))
}

// HasErrors reports whether any finding is blocking.
func HasErrors(fields []FieldError) bool {
	for _, f := range fields {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator runs the pre-export rules.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds the rule set. Decimal fields are compared as numbers.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterStructValidation(claimRules, Claim{})
	return &Validator{v: v}
}

func claimRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(Claim)
	if c.InsuranceAmount.Add(c.PatientAmount).GreaterThan(c.TotalAmount) {
		sl.ReportError(c.InsuranceAmount, "insurance_amount", "InsuranceAmount", "sharelte", "total_amount")
	}
	if c.AdmittedAt != nil && c.DischargedAt != nil && c.DischargedAt.Before(*c.AdmittedAt) {
		sl.ReportError(c.DischargedAt, "discharged_at", "DischargedAt", "gtefield", "admitted_at")
	}
}

// Validate returns every finding for c. A nil result means the claim is
// ready to export.
func (val *Validator) Validate(c *Claim) []FieldError {
	var out []FieldError
	if err := val.v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []FieldError{{Field: "claim", Rule: "invalid", Message: err.Error(), Severity: SeverityError}}
		}
		for _, fe := range verrs {
			field := fe.Namespace()
			if i := strings.Index(field, "."); i >= 0 {
				field = field[i+1:]
			}
			out = append(out, FieldError{
				Field:    field,
				Rule:     fe.Tag(),
				Message:  fieldMessage(field, fe),
				Severity: SeverityError,
			})
		}
	}

	if len(c.Lines) == 0 {
		out = append(out, FieldError{
			Field: "lines", Rule: "min", Message: "claim has no cost lines", Severity: SeverityWarning,
		})
	} else {
		sum := decimal.Zero
		for _, l := range c.Lines {
			sum = sum.Add(l.Amount)
		}
		if !sum.Equal(c.TotalAmount) {
			out = append(out, FieldError{
				Field: "total_amount", Rule: "linesum",
				Message:  fmt.Sprintf("total_amount %s differs from the line total %s", c.TotalAmount.StringFixed(2), sum.StringFixed(2)),
				Severity: SeverityWarning,
			})
		}
	}
	return out
}

func fieldMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must not exceed %s", field, fe.Param())
	case "sharelte":
		return "insurance_amount plus patient_amount must not exceed total_amount"
	case "gtefield":
		return fmt.Sprintf("%s must not precede %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
