package template

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clindoc/internal/platform/tenant"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv(t)
	return NewHandler(env.svc), env, echo.New()
}

func newRequest(e *echo.Echo, method, body string, scope tenant.Scope) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(tenant.WithScope(req.Context(), scope))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected echo.HTTPError, got %T", err)
	return httpErr.Code
}

func TestHandler_CreateTemplate(t *testing.T) {
	h, env, e := newTestHandler(t)
	cat := env.category(t, scopeA, "Vitals", nil)
	body := `{"name":"Vitals","category_id":"` + cat.ID.String() + `",
		"version":{"schema":{"title":"Vitals"},"validation_schema":` + ageSchema + `}}`

	c, rec := newRequest(e, http.MethodPost, body, scopeA)
	require.NoError(t, h.CreateTemplate(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Vitals", got.Name)
	require.NotNil(t, got.CurrentVersionID)
}

func TestHandler_CreateTemplate_ValidationBody(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := newRequest(e, http.MethodPost, `{"name":""}`, scopeA)

	err := h.CreateTemplate(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, httpCode(t, err))

	body, ok := err.(*echo.HTTPError).Message.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, body["errors"])
}

func TestHandler_CreateTemplate_RequiresActor(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := newRequest(e, http.MethodPost, `{}`, tenant.Scope{TenantID: "tenant_a"})
	assert.Equal(t, http.StatusUnauthorized, httpCode(t, h.CreateTemplate(c)))
}

func TestHandler_GetTemplate(t *testing.T) {
	h, env, e := newTestHandler(t)
	tpl := env.template(t, scopeA)

	c, rec := newRequest(e, http.MethodGet, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	c.QueryParams().Set("include", "versions")
	require.NoError(t, h.GetTemplate(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Versions, 1)
}

func TestHandler_GetTemplate_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := newRequest(e, http.MethodGet, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, httpCode(t, h.GetTemplate(c)))
}

func TestHandler_GetTemplate_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := newRequest(e, http.MethodGet, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.GetTemplate(c)))
}

func TestHandler_CreateVersionAndLatest(t *testing.T) {
	h, env, e := newTestHandler(t)
	tpl := env.template(t, scopeA)

	body := `{"schema":{"title":"Intake v2"},"validation_schema":` + ageSchema + `,"change_reason":"new field"}`
	c, rec := newRequest(e, http.MethodPost, body, scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	require.NoError(t, h.CreateVersion(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	require.NoError(t, h.GetLatestVersion(c))

	var v Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, 2, v.Version)
	require.NotNil(t, v.ChangeReason)
	assert.Equal(t, "new field", *v.ChangeReason)
}

func TestHandler_PublishTwiceConflicts(t *testing.T) {
	h, env, e := newTestHandler(t)
	tpl := env.template(t, scopeA)

	c, rec := newRequest(e, http.MethodPost, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	require.NoError(t, h.Publish(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, _ = newRequest(e, http.MethodPost, "", scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, h.Publish(c)))
}

func TestHandler_ListTemplates(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.template(t, scopeA)
	env.template(t, scopeA)

	c, rec := newRequest(e, http.MethodGet, "", scopeA)
	require.NoError(t, h.ListTemplates(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []Template `json:"data"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Data, 2)
}

func TestHandler_RetireTemplate(t *testing.T) {
	h, env, e := newTestHandler(t)
	tpl := env.template(t, scopeA)

	c, rec := newRequest(e, http.MethodDelete, `{"reason":"obsolete"}`, scopeA)
	c.SetParamNames("id")
	c.SetParamValues(tpl.ID.String())
	require.NoError(t, h.RetireTemplate(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_UpdateCategoryCycle(t *testing.T) {
	h, env, e := newTestHandler(t)
	a := env.category(t, scopeA, "A", nil)
	b := env.category(t, scopeA, "B", &a.ID)

	c, _ := newRequest(e, http.MethodPut, `{"parent_id":"`+b.ID.String()+`"}`, scopeA)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, h.UpdateCategory(c)))
}
