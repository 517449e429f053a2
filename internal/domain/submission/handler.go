package submission

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/pkg/pagination"
)

type Handler struct {
	engine     *Engine
	dispatcher *Dispatcher
}

func NewHandler(engine *Engine, dispatcher *Dispatcher) *Handler {
	return &Handler{engine: engine, dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("claims"))
	g.GET("/submissions", h.ListSubmissions)
	g.GET("/submissions/stats", h.GetStats)
	g.GET("/submissions/:id", h.GetSubmission)
	g.POST("/submissions", h.CreateSubmission)
	g.POST("/submissions/:id/retry", h.RetrySubmission)
	g.POST("/submissions/dispatch", h.Dispatch)

	g.GET("/gateway/config", h.GetGatewayConfig)
	g.POST("/gateway/verify-card", h.VerifyCard)
	g.POST("/gateway/treatment-history", h.TreatmentHistory)
	g.POST("/gateway/check-in", h.CheckIn)
}

type createRequest struct {
	Kind       Kind            `json:"kind"`
	PatientRef string          `json:"patient_ref"`
	SourceRef  string          `json:"source_ref"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *Handler) CreateSubmission(c echo.Context) error {
	var req createRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	payload, ok := NewPayload(req.Kind)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be one of demographics, encounter, lab-result, prescription, discharge")
	}
	if len(req.Payload) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "payload is required")
	}
	if err := json.Unmarshal(req.Payload, payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload: "+err.Error())
	}

	res, err := h.engine.Submit(c.Request().Context(), Request{
		Kind:       req.Kind,
		PatientRef: req.PatientRef,
		SourceRef:  req.SourceRef,
		Payload:    payload,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if res.SubmissionID == uuid.Nil {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetSubmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.engine.Store().GetByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListSubmissions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		PatientRef: c.QueryParam("patient_ref"),
		SourceRef:  c.QueryParam("source_ref"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if v := c.QueryParam("kind"); v != "" {
		k, err := ParseKind(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Kind = &k
	}
	if v := c.QueryParam("status"); v != "" {
		s, err := ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = &s
	}
	var err error
	if f.From, err = parseTimeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseTimeParam(c, "to"); err != nil {
		return err
	}

	items, total, err := h.engine.Store().Search(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStats(c echo.Context) error {
	since := time.Now().AddDate(0, 0, -30)
	if t, err := parseTimeParam(c, "since"); err != nil {
		return err
	} else if t != nil {
		since = *t
	}
	st, err := h.engine.Store().Stats(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) RetrySubmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.Retry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Dispatch(c echo.Context) error {
	n, err := h.dispatcher.RunPendingBatch(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"succeeded": n})
}

type verifyCardRequest struct {
	CardNumber   string `json:"card_number"`
	FullName     string `json:"full_name"`
	BirthDate    Date   `json:"birth_date"`
	FacilityCode string `json:"facility_code"`
}

func (h *Handler) VerifyCard(c echo.Context) error {
	var req verifyCardRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.CardNumber == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "card_number is required")
	}
	res, err := h.engine.VerifyCard(c.Request().Context(), gateway.CardQuery{
		CardNumber:   req.CardNumber,
		FullName:     req.FullName,
		BirthDate:    req.BirthDate.Time,
		FacilityCode: req.FacilityCode,
	})
	if err != nil {
		return gatewayError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type historyRequest struct {
	CardNumber string `json:"card_number"`
	OTP        string `json:"otp"`
	From       Date   `json:"from"`
	To         Date   `json:"to"`
}

func (h *Handler) TreatmentHistory(c echo.Context) error {
	var req historyRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.CardNumber == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "card_number is required")
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From.Time) {
		return echo.NewHTTPError(http.StatusBadRequest, "to must not be before from")
	}
	res, err := h.engine.TreatmentHistory(c.Request().Context(), gateway.HistoryQuery{
		CardNumber: req.CardNumber,
		OTP:        req.OTP,
		From:       req.From.Time,
		To:         req.To.Time,
	})
	if err != nil {
		return gatewayError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type checkInRequest struct {
	CardNumber   string   `json:"card_number"`
	FullName     string   `json:"full_name"`
	BirthDate    Date     `json:"birth_date"`
	FacilityCode string   `json:"facility_code"`
	AdmittedAt   DateTime `json:"admitted_at"`
}

// CheckIn answers 200 for a new admission and 409 when the gateway already
// holds one. Other gateway refusals come back as 422 with the result body.
func (h *Handler) CheckIn(c echo.Context) error {
	var req checkInRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.CardNumber == "" || req.FullName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "card_number and full_name are required")
	}
	if req.AdmittedAt.IsZero() {
		req.AdmittedAt = DateTime{time.Now()}
	}
	res, err := h.engine.CheckIn(c.Request().Context(), gateway.CheckInRequest{
		CardNumber:   req.CardNumber,
		FullName:     req.FullName,
		BirthDate:    req.BirthDate.Time,
		FacilityCode: req.FacilityCode,
		AdmittedAt:   req.AdmittedAt.Time,
	})
	if err != nil {
		return gatewayError(err)
	}
	switch res.Status {
	case gateway.CheckInOK:
		return c.JSON(http.StatusOK, res)
	case gateway.CheckInDuplicate:
		return c.JSON(http.StatusConflict, res)
	default:
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
}

// GatewayHealth answers 200 when the gateway accepts a connection and 503
// otherwise.
func (h *Handler) GatewayHealth(c echo.Context) error {
	if err := h.engine.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"kind":   gateway.KindOf(err).String(),
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func gatewayError(err error) error {
	switch gateway.KindOf(err) {
	case gateway.KindConfig:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case gateway.KindTimeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) GetGatewayConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Config().Redacted())
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected RFC 3339 or YYYY-MM-DD")
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyAccepted), errors.Is(err, ErrRetryLimit), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
