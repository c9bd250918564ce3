package template

import (
	"net/http"
	"strconv"

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
	// Read endpoints – everyone who documents or reviews forms
	read := api.Group("", auth.RequireRole(auth.RoleAuthor, auth.RoleClinician, auth.RoleViewer))
	read.GET("/templates", h.ListTemplates)
	read.GET("/templates/:id", h.GetTemplate)
	read.GET("/templates/:id/versions", h.ListVersions)
	read.GET("/templates/:id/versions/latest", h.GetLatestVersion)
	read.GET("/templates/:id/versions/:versionId", h.GetVersion)
	read.GET("/template-categories", h.ListCategories)
	read.GET("/template-categories/:id", h.GetCategory)

	// Write endpoints – template authors
	write := api.Group("", auth.RequireRole(auth.RoleAuthor))
	write.POST("/templates", h.CreateTemplate)
	write.PUT("/templates/:id", h.UpdateTemplate)
	write.DELETE("/templates/:id", h.RetireTemplate)
	write.POST("/templates/:id/versions", h.CreateVersion)
	write.POST("/templates/:id/publish", h.Publish)
	write.POST("/templates/:id/unpublish", h.Unpublish)
	write.POST("/template-categories", h.CreateCategory)
	write.PUT("/template-categories/:id", h.UpdateCategory)
	write.DELETE("/template-categories/:id", h.RetireCategory)
}

// -- Template Handlers --

func (h *Handler) CreateTemplate(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	var in CreateTemplateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.Create(c.Request().Context(), scope, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTemplate(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.Get(ctx, scope, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if c.QueryParam("include") == "versions" {
		out := *t
		if out.Versions, err = h.svc.ListVersions(ctx, scope, id); err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, out)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	opts := ListOptions{Search: c.QueryParam("search"), Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("category_id"); v != "" {
		cid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid category_id")
		}
		opts.CategoryID = &cid
	}
	if v := c.QueryParam("is_published"); v != "" {
		published, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid is_published")
		}
		opts.IsPublished = &published
	}
	items, total, err := h.svc.List(c.Request().Context(), scope, opts)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateTemplate(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateTemplateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.Update(c.Request().Context(), scope, id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

type retireRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RetireTemplate(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	reason, err := bindReason(c)
	if err != nil {
		return err
	}
	if err := h.svc.Retire(c.Request().Context(), scope, id, reason); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Publish(c echo.Context) error {
	return h.publish(c, true)
}

func (h *Handler) Unpublish(c echo.Context) error {
	return h.publish(c, false)
}

func (h *Handler) publish(c echo.Context, published bool) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var t *Template
	if published {
		t, err = h.svc.Publish(c.Request().Context(), scope, id)
	} else {
		t, err = h.svc.Unpublish(c.Request().Context(), scope, id)
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Version Handlers --

func (h *Handler) CreateVersion(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in VersionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CreateNewVersion(c.Request().Context(), scope, id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVersions(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	versions, err := h.svc.ListVersions(c.Request().Context(), scope, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if versions == nil {
		versions = []*Version{}
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) GetLatestVersion(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.GetLatestVersion(c.Request().Context(), scope, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetVersion(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	versionID, err := parseID(c, "versionId")
	if err != nil {
		return err
	}
	v, err := h.svc.GetVersion(c.Request().Context(), scope, id, versionID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Category Handlers --

func (h *Handler) CreateCategory(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	var in CategoryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cat, err := h.svc.CreateCategory(c.Request().Context(), scope, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, cat)
}

func (h *Handler) GetCategory(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	cat, err := h.svc.GetCategory(c.Request().Context(), scope, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) ListCategories(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	opts := CategoryListOptions{Search: c.QueryParam("search"), Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("parent_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid parent_id")
		}
		opts.ParentID = &pid
	}
	items, total, err := h.svc.ListCategories(c.Request().Context(), scope, opts)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateCategory(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateCategoryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cat, err := h.svc.UpdateCategory(c.Request().Context(), scope, id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) RetireCategory(c echo.Context) error {
	scope, err := tenant.FromEcho(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	reason, err := bindReason(c)
	if err != nil {
		return err
	}
	if err := h.svc.RetireCategory(c.Request().Context(), scope, id, reason); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// bindReason reads the retire reason from the JSON body or ?reason=.
func bindReason(c echo.Context) (string, error) {
	var req retireRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = c.QueryParam("reason")
	}
	return req.Reason, nil
}
