package inventory

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/medspa/inventory/internal/platform/auth"
	"github.com/medspa/inventory/pkg/pagination"
)

type Handler struct {
	svc    *Service
	vials  *VialService
	waste  *WasteService
	alerts *AlertService
}

func NewHandler(svc *Service, vials *VialService, waste *WasteService, alerts *AlertService) *Handler {
	return &Handler{svc: svc, vials: vials, waste: waste, alerts: alerts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	inv := api.Group("/inventory")

	// Read endpoints – everyone handling product
	readGroup := inv.Group("", auth.RequireRole("admin", "practitioner", "nurse", "inventory_manager", "front_desk"))
	readGroup.GET("/lots", h.ListLots)
	readGroup.GET("/lots/expiring", h.ExpiringLots)
	readGroup.GET("/lots/fefo", h.SelectLotFEFO)
	readGroup.GET("/lots/:id", h.GetLot)
	readGroup.GET("/lots/:id/transactions", h.ListTransactions)
	readGroup.GET("/stock", h.StockSummary)
	readGroup.GET("/open-vials", h.ListSessions)
	readGroup.GET("/open-vials/:id", h.GetSession)
	readGroup.GET("/open-vials/:id/usage", h.UsageHistory)
	readGroup.GET("/waste", h.ListWaste)
	readGroup.GET("/alerts", h.ListAlerts)
	readGroup.GET("/alerts/:id", h.GetAlert)

	// Clinical write endpoints – staff who receive, draw, and waste product
	writeGroup := inv.Group("", auth.RequireRole("admin", "practitioner", "nurse", "inventory_manager"))
	writeGroup.POST("/lots", h.Receive)
	writeGroup.POST("/lots/:id/deduct", h.CommitDeduction)
	writeGroup.POST("/open-vials", h.OpenVial)
	writeGroup.POST("/open-vials/:id/draw", h.Draw)
	writeGroup.POST("/open-vials/:id/close", h.CloseVial)
	writeGroup.POST("/waste", h.RecordWaste)
	writeGroup.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	writeGroup.POST("/alerts/:id/resolve", h.ResolveAlert)
	writeGroup.POST("/alerts/:id/dismiss", h.DismissAlert)

	// Stock-control endpoints – counts, recalls, transfers
	manageGroup := inv.Group("", auth.RequireRole("admin", "inventory_manager"))
	manageGroup.POST("/lots/:id/adjust", h.Adjust)
	manageGroup.POST("/lots/:id/quarantine", h.Quarantine)
	manageGroup.POST("/lots/:id/recall", h.Recall)
	manageGroup.POST("/lots/:id/transfer", h.Transfer)
	manageGroup.POST("/lots/:id/verify", h.VerifyLot)
	manageGroup.POST("/alerts/sweep-expiring", h.SweepExpiring)
}

// httpError maps domain sentinels onto HTTP statuses: validation reads
// as a bad request, missing records as not found, and every state or
// concurrency refusal as a conflict.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInsufficientQuantity),
		errors.Is(err, ErrLotNotUsable),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrDoubleClose),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrVarianceDetected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func optionalUUID(c echo.Context, param string) (*uuid.UUID, error) {
	v := c.QueryParam(param)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
	}
	return &id, nil
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// -- Lot Handlers --

func (h *Handler) Receive(c echo.Context) error {
	var in ReceiveInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ReceivedBy = actor(c)
	lot, err := h.svc.Receive(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, lot)
}

func (h *Handler) GetLot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	lot, err := h.svc.GetLot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

func (h *Handler) ListLots(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f LotFilter
	var err error
	if f.ProductID, err = optionalUUID(c, "product_id"); err != nil {
		return err
	}
	if f.LocationID, err = optionalUUID(c, "location_id"); err != nil {
		return err
	}
	f.Status = c.QueryParam("status")

	items, total, err := h.svc.ListLots(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CommitDeduction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in DeductionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.PerformedBy = actor(c)
	txn, err := h.svc.CommitDeduction(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, txn)
}

type adjustRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
}

func (h *Handler) Adjust(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req adjustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	txn, err := h.svc.Adjust(c.Request().Context(), id, req.Delta, req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, txn)
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Quarantine(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req quarantineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot, err := h.svc.Quarantine(c.Request().Context(), id, req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

func (h *Handler) Recall(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var notice RecallNotice
	if err := c.Bind(&notice); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	notice.RecalledBy = actor(c)
	lot, err := h.svc.Recall(c.Request().Context(), id, notice)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

type transferRequest struct {
	ToLocationID uuid.UUID       `json:"to_location_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dest, err := h.svc.Transfer(c.Request().Context(), id, req.ToLocationID, req.Quantity, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dest)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTransactions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) VerifyLot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	computed, err := h.svc.VerifyLot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"lot_id":            id,
		"computed_quantity": computed,
		"consistent":        true,
	})
}

func (h *Handler) StockSummary(c echo.Context) error {
	productID, err := uuid.Parse(c.QueryParam("product_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid product_id")
	}
	locationID, err := uuid.Parse(c.QueryParam("location_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid location_id")
	}
	sum, err := h.svc.StockSummary(c.Request().Context(), productID, locationID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) SelectLotFEFO(c echo.Context) error {
	productID, err := uuid.Parse(c.QueryParam("product_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid product_id")
	}
	locationID, err := uuid.Parse(c.QueryParam("location_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid location_id")
	}
	qty, err := decimal.NewFromString(c.QueryParam("quantity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}
	lot, err := h.svc.SelectLotFEFO(c.Request().Context(), productID, locationID, qty)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

func (h *Handler) ExpiringLots(c echo.Context) error {
	days := 30
	if v := c.QueryParam("within_days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid within_days")
		}
		days = parsed
	}
	locationID, err := optionalUUID(c, "location_id")
	if err != nil {
		return err
	}
	lots, err := h.svc.ExpiringLots(c.Request().Context(), days, locationID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lots)
}

// -- Open Vial Handlers --

func (h *Handler) OpenVial(c echo.Context) error {
	var in OpenVialInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ReconstitutedBy = actor(c)
	session, err := h.vials.Open(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	session, err := h.vials.GetSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f SessionFilter
	var err error
	if f.LotID, err = optionalUUID(c, "lot_id"); err != nil {
		return err
	}
	if f.ProductID, err = optionalUUID(c, "product_id"); err != nil {
		return err
	}
	if f.LocationID, err = optionalUUID(c, "location_id"); err != nil {
		return err
	}
	f.Status = c.QueryParam("status")

	items, total, err := h.vials.ListSessions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Draw(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in DrawInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.PerformedBy = actor(c)
	rec, err := h.vials.Draw(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) CloseVial(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in CloseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ClosedBy = actor(c)
	session, err := h.vials.Close(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, session)
}

func (h *Handler) UsageHistory(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	records, summary, err := h.vials.UsageHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    records,
		"summary": summary,
	})
}

// -- Waste Handlers --

func (h *Handler) RecordWaste(c echo.Context) error {
	var in WasteInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.RecordedBy = actor(c)
	rec, err := h.waste.RecordWaste(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListWaste(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f WasteFilter
	var err error
	if f.LotID, err = optionalUUID(c, "lot_id"); err != nil {
		return err
	}
	if f.SessionID, err = optionalUUID(c, "session_id"); err != nil {
		return err
	}
	if f.ProductID, err = optionalUUID(c, "product_id"); err != nil {
		return err
	}
	if f.LocationID, err = optionalUUID(c, "location_id"); err != nil {
		return err
	}
	f.Reason = c.QueryParam("reason")

	records, total, summary, err := h.waste.ListWaste(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    records,
		"total":   total,
		"limit":   pg.Limit,
		"offset":  pg.Offset,
		"summary": summary,
	})
}

// -- Alert Handlers --

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	alert, err := h.alerts.GetAlert(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *Handler) ListAlerts(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f AlertFilter
	var err error
	f.Type = c.QueryParam("type")
	f.Severity = c.QueryParam("severity")
	f.Status = c.QueryParam("status")
	if f.ProductID, err = optionalUUID(c, "product_id"); err != nil {
		return err
	}
	if f.LotID, err = optionalUUID(c, "lot_id"); err != nil {
		return err
	}
	if f.LocationID, err = optionalUUID(c, "location_id"); err != nil {
		return err
	}

	items, total, err := h.alerts.ListAlerts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	alert, err := h.alerts.Acknowledge(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, alert)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	alert, err := h.alerts.Resolve(c.Request().Context(), id, req.Resolution, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *Handler) DismissAlert(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	alert, err := h.alerts.Dismiss(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *Handler) SweepExpiring(c echo.Context) error {
	days := 30
	if v := c.QueryParam("within_days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid within_days")
		}
		days = parsed
	}
	locationID, err := optionalUUID(c, "location_id")
	if err != nil {
		return err
	}
	evaluated, err := h.alerts.SweepExpiring(c.Request().Context(), days, locationID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"lots_evaluated": evaluated})
}
