package claimxml

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the fixed-width date/time rendering used by every date column.
const DateLayout = "200601021504"

// FacilityZone names the zone the gateway's wall-clock dates are read in.
const FacilityZone = "Asia/Ho_Chi_Minh"

var facilityZone = loadZone()

func loadZone() *time.Location {
	if loc, err := time.LoadLocation(FacilityZone); err == nil {
		return loc
	}
	return time.FixedZone("ICT", 7*60*60)
}

// Zone returns the facility zone used when parsing dates back out of a
// document or a gateway response.
func Zone() *time.Location {
	return facilityZone
}

// Timestamp is a date column. The zero value renders as an empty element.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// At wraps t as a present date column.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t, Valid: true}
}

// AtPtr wraps an optional time.
func AtPtr(t *time.Time) Timestamp {
	if t == nil {
		return Timestamp{}
	}
	return At(*t)
}

func (t Timestamp) String() string {
	if !t.Valid {
		return ""
	}
	return t.Time.Format(DateLayout)
}

// Ptr returns the time as a pointer, nil when absent.
func (t Timestamp) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (t Timestamp) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(t.String(), start)
}

func (t *Timestamp) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.ParseInLocation(DateLayout, s, facilityZone)
	if err != nil {
		return fmt.Errorf("%s: invalid date %q", start.Name.Local, s)
	}
	*t = At(parsed)
	return nil
}

// Decimal is a required money or quantity column, always rendered with two
// decimal places using banker's rounding and a '.' separator.
type Decimal decimal.Decimal

// Dec converts a decimal to a column value.
func Dec(d decimal.Decimal) Decimal {
	return Decimal(d)
}

// Value returns the underlying decimal.
func (d Decimal) Value() decimal.Decimal {
	return decimal.Decimal(d)
}

func (d Decimal) String() string {
	return decimal.Decimal(d).StringFixedBank(2)
}

func (d Decimal) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(d.String(), start)
}

func (d *Decimal) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	v, err := decodeDecimal(dec, start)
	if err != nil {
		return err
	}
	*d = Decimal(v.Decimal)
	return nil
}

// NullDecimal is an optional money or quantity column. Absent values render
// as an empty element.
type NullDecimal decimal.NullDecimal

// NullDec wraps a present decimal.
func NullDec(d decimal.Decimal) NullDecimal {
	return NullDecimal{Decimal: d, Valid: true}
}

// NullDecPtr wraps an optional decimal.
func NullDecPtr(d *decimal.Decimal) NullDecimal {
	if d == nil {
		return NullDecimal{}
	}
	return NullDec(*d)
}

func (d NullDecimal) String() string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixedBank(2)
}

// Ptr returns the decimal as a pointer, nil when absent.
func (d NullDecimal) Ptr() *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func (d NullDecimal) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(d.String(), start)
}

func (d *NullDecimal) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	v, err := decodeDecimal(dec, start)
	if err != nil {
		return err
	}
	*d = NullDecimal(v)
	return nil
}

func decodeDecimal(d *xml.Decoder, start xml.StartElement) (decimal.NullDecimal, error) {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return decimal.NullDecimal{}, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%s: invalid decimal %q", start.Name.Local, s)
	}
	return decimal.NullDecimal{Decimal: v, Valid: true}, nil
}

// NullInt is an optional integer column.
type NullInt struct {
	Int   int
	Valid bool
}

// Int wraps a present integer.
func Int(v int) NullInt {
	return NullInt{Int: v, Valid: true}
}

func (n NullInt) String() string {
	if !n.Valid {
		return ""
	}
	return strconv.Itoa(n.Int)
}

func (n NullInt) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(n.String(), start)
}

func (n *NullInt) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := d.DecodeElement(&s, &start); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*n = NullInt{}
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", start.Name.Local, s)
	}
	*n = Int(v)
	return nil
}
