package formcomponent

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/auth"
	"github.com/ehr/clindoc/internal/platform/tenant"
	"github.com/ehr/clindoc/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAuthor, auth.RoleClinician, auth.RoleViewer))
	read.GET("/form-components", h.ListComponents)
	read.GET("/form-components/types", h.ListTypes)
	read.GET("/form-components/:id", h.GetComponent)
	read.GET("/form-components/:id/history", h.GetHistory)

	write := api.Group("", auth.RequireRole(auth.RoleAuthor))
	write.POST("/form-components", h.CreateComponent)
	write.PUT("/form-components/:id", h.UpdateComponent)
	write.DELETE("/form-components/:id", h.RetireComponent)
}

func (h *Handler) CreateComponent(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	comp, err := h.svc.Create(c.Request().Context(), scope, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, comp)
}

func (h *Handler) GetComponent(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	comp, err := h.svc.Get(c.Request().Context(), scope, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, comp)
}

func (h *Handler) ListComponents(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	opts := ListOptions{Search: c.QueryParam("search"), Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("type"); v != "" {
		t := Type(v)
		if !t.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type")
		}
		opts.Type = &t
	}
	items, total, err := h.svc.List(c.Request().Context(), scope, opts)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ListTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Types())
}

func (h *Handler) UpdateComponent(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	comp, err := h.svc.Update(c.Request().Context(), scope, id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, comp)
}

type retireRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RetireComponent(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req retireRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = c.QueryParam("reason")
	}
	if err := h.svc.Retire(c.Request().Context(), scope, id, req.Reason); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetHistory(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), scope, id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
