package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clindoc/internal/platform/auth"
)

func newContext(target string) (echo.Context, *http.Request) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder()), req
}

func TestExtractTenantID_Priority(t *testing.T) {
	c, req := newContext("/?tenant_id=from_query")
	assert.Equal(t, "from_query", extractTenantID(c, "fallback"))

	req.Header.Set("X-Tenant-ID", "from_header")
	assert.Equal(t, "from_header", extractTenantID(c, "fallback"))

	c.Set(auth.TenantClaimKey, "from_token")
	assert.Equal(t, "from_token", extractTenantID(c, "fallback"))

	c2, _ := newContext("/")
	assert.Equal(t, "fallback", extractTenantID(c2, "fallback"))
}

func TestMiddleware_SetsScope(t *testing.T) {
	c, req := newContext("/")
	req.Header.Set("X-Tenant-ID", "clinic_1")
	c.SetRequest(req.WithContext(auth.WithUser(req.Context(), "user-9", nil)))

	var got Scope
	err := Middleware("default")(func(c echo.Context) error {
		s, err := FromEcho(c)
		got = s
		return err
	})(c)
	require.NoError(t, err)
	assert.Equal(t, Scope{TenantID: "clinic_1", ActorID: "user-9"}, got)
	assert.Equal(t, "clinic_1", c.Get("tenant_id"))
}

func TestMiddleware_RejectsInvalidTenant(t *testing.T) {
	for _, bad := range []string{"bad-tenant", "x;DROP", "a b"} {
		c, req := newContext("/")
		req.Header.Set("X-Tenant-ID", bad)
		err := Middleware("default")(func(echo.Context) error { return nil })(c)
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he, bad)
		assert.Equal(t, http.StatusBadRequest, he.Code)
	}
}

func TestFromEcho_RequiresActor(t *testing.T) {
	c, req := newContext("/")
	c.SetRequest(req.WithContext(WithScope(context.Background(), Scope{TenantID: "t1"})))
	_, err := FromEcho(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	c2, _ := newContext("/")
	_, err = FromEcho(c2)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestScope_Validate(t *testing.T) {
	assert.NoError(t, Scope{TenantID: "t_1", ActorID: "u"}.Validate())
	assert.Error(t, Scope{TenantID: "t-1", ActorID: "u"}.Validate())
	assert.Error(t, Scope{TenantID: "t1"}.Validate())
}
