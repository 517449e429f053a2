// Package claimxml implements the byte-exact XML layout used to exchange
// insurance claim dossiers and assessment results with the social-insurance
// gateway.
//
// Output is UTF-8 without a byte-order mark, indented with two spaces, with
// every column emitted in schema order even when empty. Dates render as
// yyyyMMddHHmm and decimals carry exactly two places.
package claimxml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"time"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// ErrEmptyBatch is returned when a dossier envelope would carry no claims.
var ErrEmptyBatch = errors.New("claimxml: dossier batch is empty")

// Encode renders a list document.
func Encode(t Table) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.TableType(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.TableType(), err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decode parses a list document into t, which must be a pointer to one of
// the table types. A leading byte-order mark is tolerated.
func Decode(data []byte, t Table) error {
	data = bytes.TrimPrefix(data, bom)
	if err := xml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("decode %s: %w", t.TableType(), err)
	}
	return nil
}

// Dossier groups the tables of one claim.
type Dossier struct {
	Summary    Summary
	Drugs      []DrugLine
	Services   []ServiceLine
	DrugOrders []DrugOrder
}

// ClaimCode returns the correlation key of the dossier.
func (d Dossier) ClaimCode() string {
	return d.Summary.ClaimCode
}

// Envelope is a decoded GIAMDINHHS batch.
type Envelope struct {
	FacilityCode string
	CreatedAt    time.Time
	Dossiers     []Dossier
}

type envelopeDoc struct {
	XMLName  xml.Name         `xml:"GIAMDINHHS"`
	Facility envelopeFacility `xml:"THONGTINDONVI"`
	Info     envelopeInfo     `xml:"THONGTINHOSO"`
}

type envelopeFacility struct {
	Code string `xml:"MACSKCB"`
}

type envelopeInfo struct {
	CreatedAt Timestamp      `xml:"NGAYLAP"`
	Count     int            `xml:"SOLUONGHOSO"`
	Dossiers  []envelopeItem `xml:"DANHSACHHOSO>HOSO"`
}

type envelopeItem struct {
	Files []envelopeFile `xml:"FILEHOSO"`
}

type envelopeFile struct {
	Type    string `xml:"LOAIHOSO"`
	Content string `xml:"NOIDUNGFILE"`
}

// EncodeDossiers wraps one or more claim dossiers into the submission
// envelope. Each table is encoded on its own and embedded as base64.
// XML1, XML2 and XML3 are always present; XML5 only when the claim has
// prescription orders.
func EncodeDossiers(facilityCode string, createdAt time.Time, dossiers []Dossier) ([]byte, error) {
	if len(dossiers) == 0 {
		return nil, ErrEmptyBatch
	}

	doc := envelopeDoc{
		Facility: envelopeFacility{Code: facilityCode},
		Info: envelopeInfo{
			CreatedAt: At(createdAt),
			Count:     len(dossiers),
		},
	}

	for _, d := range dossiers {
		tables := []Table{
			SummaryTable{Records: []Summary{d.Summary}},
			DrugTable{Records: d.Drugs},
			ServiceTable{Records: d.Services},
		}
		if len(d.DrugOrders) > 0 {
			tables = append(tables, DrugOrderTable{Records: d.DrugOrders})
		}

		var item envelopeItem
		for _, t := range tables {
			raw, err := Encode(t)
			if err != nil {
				return nil, fmt.Errorf("dossier %s: %w", d.ClaimCode(), err)
			}
			item.Files = append(item.Files, envelopeFile{
				Type:    t.TableType(),
				Content: base64.StdEncoding.EncodeToString(raw),
			})
		}
		doc.Info.Dossiers = append(doc.Info.Dossiers, item)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecodeDossiers parses an envelope produced by EncodeDossiers.
func DecodeDossiers(data []byte) (*Envelope, error) {
	var doc envelopeDoc
	if err := xml.Unmarshal(bytes.TrimPrefix(data, bom), &doc); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	env := &Envelope{
		FacilityCode: doc.Facility.Code,
		CreatedAt:    doc.Info.CreatedAt.Time,
	}
	for i, item := range doc.Info.Dossiers {
		var d Dossier
		for _, f := range item.Files {
			raw, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return nil, fmt.Errorf("dossier %d %s: invalid base64: %w", i+1, f.Type, err)
			}
			if err := decodeFile(raw, f.Type, &d); err != nil {
				return nil, fmt.Errorf("dossier %d: %w", i+1, err)
			}
		}
		env.Dossiers = append(env.Dossiers, d)
	}
	if doc.Info.Count != len(env.Dossiers) {
		return nil, fmt.Errorf("decode envelope: SOLUONGHOSO=%d but %d dossiers present", doc.Info.Count, len(env.Dossiers))
	}
	return env, nil
}

func decodeFile(raw []byte, typ string, d *Dossier) error {
	switch typ {
	case TypeSummary:
		var t SummaryTable
		if err := Decode(raw, &t); err != nil {
			return err
		}
		if len(t.Records) != 1 {
			return fmt.Errorf("%s: expected 1 record, got %d", typ, len(t.Records))
		}
		d.Summary = t.Records[0]
	case TypeDrugs:
		var t DrugTable
		if err := Decode(raw, &t); err != nil {
			return err
		}
		d.Drugs = t.Records
	case TypeServices:
		var t ServiceTable
		if err := Decode(raw, &t); err != nil {
			return err
		}
		d.Services = t.Records
	case TypeDrugOrders:
		var t DrugOrderTable
		if err := Decode(raw, &t); err != nil {
			return err
		}
		d.DrugOrders = t.Records
	default:
		return fmt.Errorf("unsupported table type %q", typ)
	}
	return nil
}

// DecodeFeedback parses an XML10 assessment document.
func DecodeFeedback(data []byte) (*AssessmentTable, error) {
	var t AssessmentTable
	if err := Decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
