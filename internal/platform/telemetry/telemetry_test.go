package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup("templates", "hit")
		m.CacheInvalidation("templates", errors.New("down"))
		m.SchemaValidation("valid", time.Millisecond)
		m.RuleExecution("transform", "ok")
		m.VersionCreated()
		m.VersionConflict()
		m.Submission("accepted")
		m.StatusTransition("draft", "completed")
		m.Voided()
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.CacheLookup("templates", "hit")
	m.CacheLookup("templates", "hit")
	m.CacheInvalidation("formData", errors.New("timeout"))
	m.StatusTransition("draft", "completed")
	m.VersionConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("templates", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidations.WithLabelValues("formData", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusTransitions.WithLabelValues("draft", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.versionConflicts))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/templates/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "missing")
	})
	e.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/templates/:id", "404")))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clindoc_http_requests_total"))
}
