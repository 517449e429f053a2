package submission

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsgw/internal/platform/claimxml"
)

// Payload is the typed content of one submission. Each kind has exactly one
// payload type.
type Payload interface {
	Kind() Kind
	stamp(f Facility)
}

// Facility is the submitting facility's identity, stamped onto every
// payload by the Assembler.
type Facility struct {
	Code string `json:"maCSKCB"`
	Name string `json:"tenCSKCB,omitempty"`
}

func (f *Facility) stamp(v Facility) { *f = v }

// Date renders as dd/MM/yyyy. The zero value renders as null.
type Date struct{ time.Time }

// DateTime renders as dd/MM/yyyy HH:mm. The zero value renders as null.
type DateTime struct{ time.Time }

const (
	dateLayout     = "02/01/2006"
	dateTimeLayout = "02/01/2006 15:04"
)

func (d Date) MarshalJSON() ([]byte, error)     { return marshalTime(d.Time, dateLayout) }
func (d DateTime) MarshalJSON() ([]byte, error) { return marshalTime(d.Time, dateTimeLayout) }

func (d *Date) UnmarshalJSON(b []byte) error {
	t, err := unmarshalTime(b, dateLayout)
	d.Time = t
	return err
}

func (d *DateTime) UnmarshalJSON(b []byte) error {
	t, err := unmarshalTime(b, dateTimeLayout)
	d.Time = t
	return err
}

func marshalTime(t time.Time, layout string) ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(layout))
}

// unmarshalTime accepts the wire layout and RFC 3339.
func unmarshalTime(b []byte, layout string) (time.Time, error) {
	var s string
	if string(b) == "null" {
		return time.Time{}, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(layout, s, claimxml.Zone()); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Demographics registers or updates a patient with the health-data gateway.
type Demographics struct {
	Facility
	PatientCode        string `json:"maBN" validate:"required"`
	FullName           string `json:"hoTen" validate:"required"`
	BirthDate          Date   `json:"ngaySinh"`
	Gender             int    `json:"gioiTinh" validate:"oneof=1 2 3"`
	IdentityNumber     string `json:"soCCCD,omitempty" validate:"omitempty,len=12,numeric"`
	Phone              string `json:"soDienThoai,omitempty"`
	Email              string `json:"email,omitempty" validate:"omitempty,email"`
	Address            string `json:"diaChi,omitempty"`
	WardCode           string `json:"maXaPhuong,omitempty"`
	DistrictCode       string `json:"maQuanHuyen,omitempty"`
	ProvinceCode       string `json:"maTinhTP,omitempty"`
	EthnicCode         string `json:"maDanToc,omitempty"`
	EthnicName         string `json:"tenDanToc,omitempty"`
	NationalityCode    string `json:"maQuocTich,omitempty"`
	Occupation         string `json:"ngheNghiep,omitempty"`
	Workplace          string `json:"noiLamViec,omitempty"`
	InsuranceNumber    string `json:"soTheBHYT,omitempty" validate:"omitempty,len=15"`
	InsuranceExpiry    Date   `json:"ngayHetHanBHYT"`
	InsuranceFacility  string `json:"maCSKCBBanDau,omitempty"`
	GuardianName       string `json:"nguoiGiamHo,omitempty"`
	GuardianPhone      string `json:"sdtGiamHo,omitempty"`
	GuardianRelation   string `json:"quanHeGiamHo,omitempty"`
	MedicalHistory     string `json:"tienSuBenh,omitempty"`
	AllergyHistory     string `json:"diUng,omitempty"`
}

func (*Demographics) Kind() Kind { return KindDemographics }

// Visit types for Encounter.
const (
	VisitOutpatient = 1
	VisitInpatient  = 2
)

// Encounter reports an outpatient examination or an inpatient admission.
type Encounter struct {
	Facility
	PatientCode       string           `json:"maBN" validate:"required"`
	FullName          string           `json:"hoTen" validate:"required"`
	BirthDate         Date             `json:"ngaySinh"`
	Gender            int              `json:"gioiTinh" validate:"oneof=1 2 3"`
	IdentityNumber    string           `json:"soCCCD,omitempty"`
	InsuranceNumber   string           `json:"soTheBHYT,omitempty"`
	VisitType         int              `json:"loaiKCB" validate:"oneof=1 2"`
	RecordCode        string           `json:"maHoSo" validate:"required"`
	AdmittedAt        DateTime         `json:"ngayVao"`
	DischargedAt      DateTime         `json:"ngayRa"`
	DepartmentCode    string           `json:"maKhoa,omitempty"`
	DepartmentName    string           `json:"tenKhoa,omitempty"`
	RoomCode          string           `json:"maPhong,omitempty"`
	RoomName          string           `json:"tenPhong,omitempty"`
	DoctorCode        string           `json:"maBacSi,omitempty"`
	DoctorName        string           `json:"tenBacSi,omitempty"`
	ChiefComplaint    string           `json:"lyDoKham,omitempty"`
	InitialDiagnosis  string           `json:"chanDoanVao,omitempty"`
	MainDiagnosis     string           `json:"chanDoanRa,omitempty"`
	MainICD           string           `json:"maICD" validate:"required"`
	SubDiagnosis      string           `json:"chanDoanPhu,omitempty"`
	SubICDs           string           `json:"maICDPhu,omitempty"`
	Disposition       int              `json:"huongXuTri,omitempty"`
	ConclusionNote    string           `json:"ghiChuKetLuan,omitempty"`
	FollowUpDate      Date             `json:"ngayTaiKham"`
	PatientType       int              `json:"doiTuong,omitempty"`
	RightRoute        int              `json:"tuyenKCB,omitempty"`
	TreatmentResult   int              `json:"ketQuaDieuTri,omitempty"`
	DischargeStatus   int              `json:"tinhTrangRaVien,omitempty"`
	Temperature       *decimal.Decimal `json:"nhietDo,omitempty"`
	Pulse             *int             `json:"mach,omitempty"`
	SystolicBP        *int             `json:"huyetApTamThu,omitempty"`
	DiastolicBP       *int             `json:"huyetApTamTruong,omitempty"`
	RespiratoryRate   *int             `json:"nhipTho,omitempty"`
	Height            *decimal.Decimal `json:"chieuCao,omitempty"`
	Weight            *decimal.Decimal `json:"canNang,omitempty"`
	SpO2              *int             `json:"spO2,omitempty"`
}

func (*Encounter) Kind() Kind { return KindEncounter }

// LabReport carries the results of one lab request.
type LabReport struct {
	Facility
	PatientCode string      `json:"maBN" validate:"required"`
	FullName    string      `json:"hoTen"`
	RequestCode string      `json:"maPhieuXN" validate:"required"`
	RequestedAt DateTime    `json:"ngayChiDinh"`
	CompletedAt DateTime    `json:"ngayCoKetQua"`
	State       int         `json:"trangThai" validate:"min=0,max=4"`
	Results     []LabResult `json:"danhSachKetQua" validate:"required,min=1,dive"`
}

// LabResult is one measured parameter.
type LabResult struct {
	TestCode       string `json:"maXetNghiem" validate:"required"`
	TestName       string `json:"tenXetNghiem"`
	Value          string `json:"ketQua"`
	Unit           string `json:"donVi,omitempty"`
	ReferenceRange string `json:"giaTriThamChieu,omitempty"`
	Abnormal       bool   `json:"batThuong"`
	Note           string `json:"ghiChu,omitempty"`
}

func (*LabReport) Kind() Kind { return KindLabResult }

// Prescription reports a dispensed prescription.
type Prescription struct {
	Facility
	PatientCode      string             `json:"maBN" validate:"required"`
	FullName         string             `json:"hoTen"`
	PrescriptionCode string             `json:"maDonThuoc" validate:"required"`
	PrescribedAt     DateTime           `json:"ngayKeDon"`
	DoctorCode       string             `json:"maBacSi,omitempty"`
	DoctorName       string             `json:"tenBacSi,omitempty"`
	Diagnosis        string             `json:"chanDoan,omitempty"`
	ICD              string             `json:"maICD,omitempty"`
	Items            []PrescriptionItem `json:"danhSachThuoc" validate:"required,min=1,dive"`
}

// PrescriptionItem is one prescribed medicine.
type PrescriptionItem struct {
	DrugCode string          `json:"maThuoc" validate:"required"`
	DrugName string          `json:"tenThuoc" validate:"required"`
	Strength string          `json:"hamLuong,omitempty"`
	Unit     string          `json:"donViTinh,omitempty"`
	Quantity decimal.Decimal `json:"soLuong"`
	Dosage   string          `json:"lieuDung,omitempty"`
	Usage    string          `json:"cachDung,omitempty"`
	Days     int             `json:"soNgay,omitempty" validate:"min=0"`
}

func (*Prescription) Kind() Kind { return KindPrescription }

// Discharge reports the end of an inpatient stay.
type Discharge struct {
	Facility
	PatientCode     string   `json:"maBN" validate:"required"`
	FullName        string   `json:"hoTen"`
	RecordCode      string   `json:"maHoSo" validate:"required"`
	AdmittedAt      DateTime `json:"ngayVao"`
	DischargedAt    DateTime `json:"ngayRa"`
	DepartmentCode  string   `json:"maKhoa,omitempty"`
	MainDiagnosis   string   `json:"chanDoanRa,omitempty"`
	MainICD         string   `json:"maICD" validate:"required"`
	TreatmentDays   int      `json:"soNgayDieuTri" validate:"min=0"`
	TreatmentResult int      `json:"ketQuaDieuTri,omitempty"`
	DischargeStatus int      `json:"tinhTrangRaVien,omitempty"`
	FollowUp        string   `json:"huongDieuTri,omitempty"`
}

func (*Discharge) Kind() Kind { return KindDischarge }

// ClaimDossier is a settlement batch of one or more claims, serialized as
// the gateway's XML dossier and wrapped in its JSON envelope.
type ClaimDossier struct {
	Facility  Facility
	BatchCode string
	CreatedAt time.Time
	Dossiers  []claimxml.Dossier
}

func (*ClaimDossier) Kind() Kind          { return KindClaimCost }
func (d *ClaimDossier) stamp(f Facility) { d.Facility = f }

// NewPayload returns an empty payload for kind, for decoding operator input.
// Claim cost batches are built by claim export and are not accepted here.
func NewPayload(k Kind) (Payload, bool) {
	switch k {
	case KindDemographics:
		return &Demographics{}, true
	case KindEncounter:
		return &Encounter{}, true
	case KindLabResult:
		return &LabReport{}, true
	case KindPrescription:
		return &Prescription{}, true
	case KindDischarge:
		return &Discharge{}, true
	default:
		return nil, false
	}
}
