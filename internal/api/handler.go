package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"pump-signal-engine/internal/analysis"
	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/feed"
	"pump-signal-engine/internal/tenant"
)

// TenantService activates and inspects tenants.
type TenantService interface {
	Activate(ctx context.Context, cfg tenant.Config) (*tenant.Worker, error)
	Deactivate(id string) error
	Get(id string) (*tenant.Worker, bool)
	List() []*tenant.Worker
}

// FeedStatus reports upstream connectivity.
type FeedStatus interface {
	Connected() bool
	Watched() []string
}

// EngineStatus reports analysis state.
type EngineStatus interface {
	Tracked() int
}

var (
	_ TenantService = (*tenant.Supervisor)(nil)
	_ FeedStatus    = (*feed.Feed)(nil)
	_ EngineStatus  = (*analysis.Engine)(nil)
)

// Health is the /health body.
type Health struct {
	Status        string `json:"status"`
	FeedConnected bool   `json:"feed_connected"`
	WatchedMints  int    `json:"watched_mints"`
	TrackedMints  int    `json:"tracked_mints"`
	Tenants       int    `json:"tenants"`
}

// TenantView is a tenant with its counters.
type TenantView struct {
	Config tenant.Config `json:"config"`
	Stats  tenant.Stats  `json:"stats"`
}

type apiResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func dataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, apiResponse{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func errorResponse(c echo.Context, status int, code string, err error) error {
	return dataResponse(c, status, []apiError{{Code: code, Message: err.Error()}})
}

type handler struct {
	tenants  TenantService
	feed     FeedStatus
	engine   EngineStatus
	logger   zerolog.Logger
	validate *validator.Validate
}

func (h *handler) registerRoutes(e *echo.Echo) {
	h.validate = validator.New()

	e.GET("/health", h.health)

	g := e.Group("/api")
	g.GET("/tenants", h.listTenants)
	g.POST("/tenants", h.activateTenant)
	g.GET("/tenants/:id", h.getTenant)
	g.DELETE("/tenants/:id", h.deactivateTenant)
	g.GET("/tenants/:id/positions", h.tenantPositions)
	g.GET("/watched", h.watched)
}

func (h *handler) health(c echo.Context) error {
	out := Health{Status: "ok", FeedConnected: true, Tenants: len(h.tenants.List())}
	if h.feed != nil {
		out.FeedConnected = h.feed.Connected()
		out.WatchedMints = len(h.feed.Watched())
	}
	if h.engine != nil {
		out.TrackedMints = h.engine.Tracked()
	}

	status := http.StatusOK
	if !out.FeedConnected {
		out.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, out)
}

func (h *handler) listTenants(c echo.Context) error {
	workers := h.tenants.List()
	out := make([]TenantView, 0, len(workers))
	for _, w := range workers {
		out = append(out, TenantView{Config: w.Config(), Stats: w.Stats()})
	}
	return dataResponse(c, http.StatusOK, out)
}

func (h *handler) getTenant(c echo.Context) error {
	w, ok := h.tenants.Get(c.Param("id"))
	if !ok {
		return errorResponse(c, http.StatusNotFound, "ERR_NOT_FOUND", tenant.ErrUnknownTenant)
	}
	return dataResponse(c, http.StatusOK, TenantView{Config: w.Config(), Stats: w.Stats()})
}

func (h *handler) tenantPositions(c echo.Context) error {
	w, ok := h.tenants.Get(c.Param("id"))
	if !ok {
		return errorResponse(c, http.StatusNotFound, "ERR_NOT_FOUND", tenant.ErrUnknownTenant)
	}
	positions := w.Positions()
	if positions == nil {
		positions = []domain.PositionSnapshot{}
	}
	return dataResponse(c, http.StatusOK, positions)
}

func (h *handler) activateTenant(c echo.Context) error {
	var req tenant.Config
	if errs := h.readAndValidate(c, &req); errs != nil {
		return dataResponse(c, http.StatusBadRequest, errs)
	}

	w, err := h.tenants.Activate(c.Request().Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrTenantExists):
		return errorResponse(c, http.StatusConflict, "ERR_EXISTS", err)
	case errors.Is(err, tenant.ErrInvalidConfig):
		return errorResponse(c, http.StatusBadRequest, "ERR_INVALID", err)
	default:
		h.logger.Error().Err(err).Str("tenant", req.ID).Msg("activate tenant failed")
		return errorResponse(c, http.StatusInternalServerError, "ERR_INTERNAL", err)
	}

	return dataResponse(c, http.StatusCreated, TenantView{Config: w.Config(), Stats: w.Stats()})
}

func (h *handler) deactivateTenant(c echo.Context) error {
	if err := h.tenants.Deactivate(c.Param("id")); err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			return errorResponse(c, http.StatusNotFound, "ERR_NOT_FOUND", err)
		}
		return errorResponse(c, http.StatusInternalServerError, "ERR_INTERNAL", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) watched(c echo.Context) error {
	mints := []string{}
	if h.feed != nil {
		mints = h.feed.Watched()
	}
	return dataResponse(c, http.StatusOK, mints)
}

// readAndValidate binds the body, applies defaults and validates it.
func (h *handler) readAndValidate(c echo.Context, req interface{}) []apiError {
	if err := c.Bind(req); err != nil {
		return []apiError{{Code: "ERR_BIND", Message: err.Error()}}
	}
	if err := defaults.Set(req); err != nil {
		return []apiError{{Code: "ERR_DEFAULTS", Message: err.Error()}}
	}
	if err := h.validate.StructCtx(c.Request().Context(), req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []apiError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
		}
		out := make([]apiError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, apiError{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Namespace(),
				Message: fe.Error(),
			})
		}
		return out
	}
	return nil
}
