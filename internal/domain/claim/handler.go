package claim

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/gateway"
	"github.com/ehr/claimsgw/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("claims"))
	g.POST("/claims", h.CreateClaim)
	g.GET("/claims", h.ListClaims)
	g.POST("/claims/export", h.ExportClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/claims/:id/events", h.ListEvents)
	g.GET("/claims/:id/validate", h.ValidateClaim)
	g.POST("/claims/:id/lock", h.LockClaim)
	g.POST("/claims/:id/unlock", h.UnlockClaim)
	g.POST("/claims/:id/correct", h.CorrectClaim)

	g.POST("/reconciliations", h.Reconcile)
	g.POST("/reconciliations/import", h.ImportFeedback)
	g.POST("/reconciliations/pull/:txid", h.PullAssessment)
	g.GET("/anomalies", h.ListAnomalies)
	g.POST("/anomalies/:id/resolve", h.ResolveAnomaly)
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var cl Claim
	if err := json.NewDecoder(c.Request().Body).Decode(&cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	created, err := h.svc.Create(c.Request().Context(), &cl)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		PatientRef:    c.QueryParam("patient_ref"),
		BatchCode:     c.QueryParam("batch_code"),
		TransactionID: c.QueryParam("transaction_id"),
		Limit:         pg.Limit,
		Offset:        pg.Offset,
	}
	if v := c.QueryParam("status"); v != "" {
		s, err := ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = &s
	}
	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListEvents(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Events(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) ValidateClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	findings, err := h.svc.Validate(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if findings == nil {
		findings = []FieldError{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":    !HasErrors(findings),
		"findings": findings,
	})
}

func (h *Handler) LockClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.Lock(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type unlockRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) UnlockClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req unlockRequest
	if err := decodeOptional(c, &req); err != nil {
		return err
	}
	cl, err := h.svc.Unlock(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) CorrectClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var corr Correction
	if err := json.NewDecoder(c.Request().Body).Decode(&corr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	cl, err := h.svc.Correct(c.Request().Context(), id, corr)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type exportRequest struct {
	ClaimIDs []uuid.UUID `json:"claim_ids"`
}

func (h *Handler) ExportClaims(c echo.Context) error {
	var req exportRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	res, err := h.svc.Export(c.Request().Context(), req.ClaimIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reconcile(c echo.Context) error {
	var batch FeedbackBatch
	if err := json.NewDecoder(c.Request().Body).Decode(&batch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	out, err := h.svc.Reconcile(c.Request().Context(), batch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handler) ImportFeedback(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	out, err := h.svc.ImportFeedback(c.Request().Context(), data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handler) PullAssessment(c echo.Context) error {
	out, err := h.svc.PullAssessment(c.Request().Context(), c.Param("txid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handler) ListAnomalies(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := AnomalyFilter{Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid resolved: expected true or false")
		}
		f.Resolved = &b
	}
	items, total, err := h.svc.ListAnomalies(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ResolveAnomaly(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	a, err := h.svc.ResolveAnomaly(c.Request().Context(), id, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func decodeOptional(c echo.Context, v interface{}) error {
	if c.Request().Body == nil || c.Request().ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil && err != io.EOF {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

type validationResponse struct {
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields"`
}

func httpError(err error) error {
	var verr *ValidationError
	var gerr *gateway.Error
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validationResponse{Message: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAnomalyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateCode), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrFinalRejection), errors.Is(err, ErrAnomalyResolved),
		errors.Is(err, ErrSubmissionOutstanding):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNothingToExport), errors.Is(err, ErrEmptyFeedback),
		errors.Is(err, ErrInvalidFeedback), errors.Is(err, ErrNoteRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAssessmentPending):
		return echo.NewHTTPError(http.StatusAccepted, err.Error())
	case errors.As(err, &gerr):
		switch gerr.Kind {
		case gateway.KindConfig:
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		case gateway.KindTimeout:
			return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
