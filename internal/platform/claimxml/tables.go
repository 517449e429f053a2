package claimxml

import "encoding/xml"

// Table type codes as they appear in the dossier envelope.
const (
	TypeSummary    = "XML1"
	TypeDrugs      = "XML2"
	TypeServices   = "XML3"
	TypeDrugOrders = "XML5"
	TypeAssessment = "XML10"
)

// Table is one list document of the assessment layout.
type Table interface {
	TableType() string
}

// Summary is the XML1 general claim record. Field order is the wire order.
type Summary struct {
	ClaimCode            string    `xml:"MA_LK" validate:"required,max=100"`
	Seq                  int       `xml:"STT"`
	PatientCode          string    `xml:"MA_BN" validate:"required"`
	FullName             string    `xml:"HO_TEN" validate:"required"`
	BirthDate            Timestamp `xml:"NGAY_SINH"`
	Gender               int       `xml:"GIOI_TINH" validate:"oneof=1 2 3"`
	Address              string    `xml:"DIA_CHI"`
	CardNumber           string    `xml:"MA_THE" validate:"required,len=15"`
	RegisteredFacility   string    `xml:"MA_DKBD"`
	CardValidFrom        Timestamp `xml:"GT_THE_TU"`
	CardValidTo          Timestamp `xml:"GT_THE_DEN"`
	CoPayExemption       string    `xml:"MIEN_CUNG_CT"`
	MainDiagnosis        string    `xml:"MA_BENH_CHINH" validate:"required"`
	SubDiagnoses         string    `xml:"MA_BENH_KT"`
	TraditionalDiagnosis string    `xml:"MA_BENH_YHCT"`
	ProcedureCode        string    `xml:"MA_PTTT_QT"`
	BeneficiaryType      string    `xml:"MA_DOI_TUONG"`
	VisitType            string    `xml:"MA_LOAI_KCB" validate:"required"`
	DepartmentCode       string    `xml:"MA_KHOA"`
	FacilityCode         string    `xml:"MA_CSKCB" validate:"required"`
	AreaCode             string    `xml:"MA_KHUVUC"`
	RoomCode             string    `xml:"MA_PHONG"`
	Weight               string    `xml:"CAN_NANG"`
	AdmittedAt           Timestamp `xml:"NGAY_VAO"`
	DischargedAt         Timestamp `xml:"NGAY_RA"`
	TreatmentDays        int       `xml:"SO_NGAY_DTRI"`
	TreatmentResult      string    `xml:"KET_QUA_DTRI"`
	DischargeStatus      int       `xml:"TINH_TRANG_RV"`
	TotalCost            Decimal   `xml:"T_TONGCHI"`
	InsurancePaid        Decimal   `xml:"T_BHYT_TT"`
	PatientCoPay         Decimal   `xml:"T_BN_CCT"`
	PatientPaid          Decimal   `xml:"T_NGUOI_BENH"`
	ExamFee              Decimal   `xml:"T_TIEN_KHAM"`
	BedFee               Decimal   `xml:"T_TIEN_GIUONG"`
	OutOfScopeFee        Decimal   `xml:"T_TIEN_NGOAI_TH"`
	SelfPaidDeduction    Decimal   `xml:"T_TIEN_TU_PHI_TRU"`
	DischargeType        string    `xml:"MA_LOAI_RV"`
	ReferralFrom         string    `xml:"MA_NOI_CHUYEN"`
	DevelopmentStatus    string    `xml:"MA_TTPT"`
	ContinuousYears      string    `xml:"NAM_QT_NHO_HAT"`
	ExemptionDate        Timestamp `xml:"NGAY_MIEN"`
}

// SummaryTable is the XML1 list document.
type SummaryTable struct {
	XMLName xml.Name  `xml:"DSACH_THONG_TIN"`
	Records []Summary `xml:"THONG_TIN"`
}

func (SummaryTable) TableType() string { return TypeSummary }

// DrugLine is the XML2 medicine cost line.
type DrugLine struct {
	ClaimCode      string      `xml:"MA_LK" validate:"required"`
	Seq            int         `xml:"STT"`
	DrugCode       string      `xml:"MA_THUOC" validate:"required"`
	GroupCode      string      `xml:"MA_NHOM"`
	DrugName       string      `xml:"TEN_THUOC" validate:"required"`
	Unit           string      `xml:"DON_VI_TINH"`
	Strength       string      `xml:"HAM_LUONG"`
	Route          string      `xml:"DUONG_DUNG"`
	Quantity       Decimal     `xml:"SO_LUONG"`
	UnitPrice      Decimal     `xml:"DON_GIA"`
	PaymentRate    int         `xml:"TY_LE_TT"`
	Amount         Decimal     `xml:"THANH_TIEN"`
	DepartmentCode string      `xml:"MA_KHOA"`
	DoctorCode     string      `xml:"MA_BAC_SI"`
	OrderedAt      Timestamp   `xml:"NGAY_YL"`
	ProcedureCode  string      `xml:"MA_PTTT"`
	DiagnosisCode  string      `xml:"MA_BENH"`
	HospitalAmount NullDecimal `xml:"T_THANH_TIEN_BV"`
	InsuranceShare NullDecimal `xml:"T_BHYT"`
	CoPayShare     NullDecimal `xml:"T_BNCT"`
	PatientShare   NullDecimal `xml:"T_NGUOI_BENH"`
	BenefitLevel   NullInt     `xml:"MUC_HUONG"`
	FundingSource  NullInt     `xml:"MA_NGUON_CT"`
}

// DrugTable is the XML2 list document.
type DrugTable struct {
	XMLName xml.Name   `xml:"DSACH_CHI_TIET_THUOC"`
	Records []DrugLine `xml:"CHI_TIET_THUOC"`
}

func (DrugTable) TableType() string { return TypeDrugs }

// ServiceLine is the XML3 technical service cost line.
type ServiceLine struct {
	ClaimCode      string      `xml:"MA_LK" validate:"required"`
	Seq            int         `xml:"STT"`
	ServiceCode    string      `xml:"MA_DVU" validate:"required"`
	GroupCode      string      `xml:"MA_NHOM"`
	ProcedureCode  string      `xml:"MA_PTTT"`
	ServiceName    string      `xml:"TEN_DVU" validate:"required"`
	Unit           string      `xml:"DON_VI_TINH"`
	Quantity       Decimal     `xml:"SO_LUONG"`
	UnitPrice      Decimal     `xml:"DON_GIA"`
	PaymentRate    int         `xml:"TY_LE_TT"`
	Amount         Decimal     `xml:"THANH_TIEN"`
	DepartmentCode string      `xml:"MA_KHOA"`
	DoctorCode     string      `xml:"MA_BAC_SI"`
	OrderedAt      Timestamp   `xml:"NGAY_YL"`
	ResultAt       Timestamp   `xml:"NGAY_KQ"`
	DiagnosisCode  string      `xml:"MA_BENH"`
	HospitalAmount NullDecimal `xml:"T_THANH_TIEN_BV"`
	InsuranceShare NullDecimal `xml:"T_BHYT"`
	CoPayShare     NullDecimal `xml:"T_BNCT"`
	PatientShare   NullDecimal `xml:"T_NGUOI_BENH"`
	BenefitLevel   NullInt     `xml:"MUC_HUONG"`
	FundingSource  NullInt     `xml:"MA_NGUON_CT"`
}

// ServiceTable is the XML3 list document.
type ServiceTable struct {
	XMLName xml.Name      `xml:"DSACH_CHI_TIET_DVKT"`
	Records []ServiceLine `xml:"CHI_TIET_DVKT"`
}

func (ServiceTable) TableType() string { return TypeServices }

// DrugOrder is the XML5 prescription order line.
type DrugOrder struct {
	ClaimCode      string    `xml:"MA_LK"`
	Seq            int       `xml:"STT"`
	DrugCode       string    `xml:"MA_THUOC"`
	DrugName       string    `xml:"TEN_THUOC"`
	RegistrationNo string    `xml:"SO_DK"`
	Strength       string    `xml:"HAM_LUONG"`
	Quantity       Decimal   `xml:"SO_LUONG"`
	UnitPrice      Decimal   `xml:"DON_GIA"`
	Amount         Decimal   `xml:"THANH_TIEN"`
	Dosage         string    `xml:"LIEU_DUNG"`
	Usage          string    `xml:"CACH_DUNG"`
	Days           int       `xml:"SO_NGAY"`
	DiagnosisCode  string    `xml:"MA_BENH"`
	PrescribedAt   Timestamp `xml:"NGAY_KE_DON"`
}

// DrugOrderTable is the XML5 list document.
type DrugOrderTable struct {
	XMLName xml.Name    `xml:"DSACH_CHI_DINH_THUOC"`
	Records []DrugOrder `xml:"CHI_DINH_THUOC"`
}

func (DrugOrderTable) TableType() string { return TypeDrugOrders }

// Assessment result codes in KET_QUA.
const (
	ResultRejected = "0"
	ResultAccepted = "1"
)

// Assessment is one XML10 per-claim assessment result returned by the
// insurance authority.
type Assessment struct {
	ClaimCode      string      `xml:"MA_LK"`
	Result         string      `xml:"KET_QUA"`
	RejectCode     string      `xml:"MA_LOI"`
	RejectReason   string      `xml:"LY_DO"`
	ClaimedAmount  NullDecimal `xml:"T_DE_NGHI"`
	AcceptedAmount NullDecimal `xml:"T_CHAP_NHAN"`
	Note           string      `xml:"GHI_CHU"`
	AssessedAt     Timestamp   `xml:"NGAY_GIAM_DINH"`
	AssessorCode   string      `xml:"MA_NGUOI_GD"`
	AssessorName   string      `xml:"TEN_NGUOI_GD"`
}

// Accepted reports whether the authority accepted the claim.
func (a Assessment) Accepted() bool {
	return a.Result == ResultAccepted
}

// AssessmentTable is the XML10 feedback document.
type AssessmentTable struct {
	XMLName       xml.Name     `xml:"DSACH_KET_QUA_GD"`
	TransactionID string       `xml:"MA_GIAO_DICH"`
	Records       []Assessment `xml:"KET_QUA_GD"`
}

func (AssessmentTable) TableType() string { return TypeAssessment }
