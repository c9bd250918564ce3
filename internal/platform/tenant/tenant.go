// Package tenant resolves the (tenant, actor) scope of a request. Every
// service call takes a Scope; services never look up identity themselves.
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clindoc/internal/platform/auth"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Scope identifies the tenant a call runs in and the user performing it.
type Scope struct {
	TenantID string
	ActorID  string
}

// Validate checks the tenant id format and that an actor is present.
func (s Scope) Validate() error {
	if !ValidID(s.TenantID) {
		return fmt.Errorf("invalid tenant identifier %q", s.TenantID)
	}
	if s.ActorID == "" {
		return fmt.Errorf("actor is required")
	}
	return nil
}

// ValidID reports whether id is a well formed tenant identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }

type scopeKey struct{}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope stored by Middleware.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Middleware resolves the tenant (verified token claim, X-Tenant-ID header,
// tenant_id query parameter, then defaultTenant) and pairs it with the
// authenticated user. It must run after the auth middleware.
func Middleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			ctx := c.Request().Context()
			s := Scope{TenantID: tenantID, ActorID: auth.UserIDFromContext(ctx)}
			c.SetRequest(c.Request().WithContext(WithScope(ctx, s)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(auth.TenantClaimKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// FromEcho returns the request scope, failing with 401 when no user was
// authenticated.
func FromEcho(c echo.Context) (Scope, error) {
	s, ok := FromContext(c.Request().Context())
	if !ok || s.TenantID == "" {
		return Scope{}, echo.NewHTTPError(http.StatusBadRequest, "tenant not resolved")
	}
	if s.ActorID == "" {
		return Scope{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return s, nil
}
