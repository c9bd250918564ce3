package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"512kb", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", defaultBodyLimit},
		{"invalid", defaultBodyLimit},
		{"-5M", defaultBodyLimit},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func bodyCtx(body string, contentLength int64) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/forms", strings.NewReader(body))
	req.ContentLength = contentLength
	return e.NewContext(req, httptest.NewRecorder())
}

func readAll(c echo.Context) error {
	if _, err := io.ReadAll(c.Request().Body); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	body := `{"templateId":"x"}`
	if err := BodyLimit("1K")(readAll)(bodyCtx(body, int64(len(body)))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	body := strings.Repeat("a", 2048)
	called := false
	handler := func(c echo.Context) error { called = true; return nil }

	err := BodyLimit("1K")(handler)(bodyCtx(body, int64(len(body))))
	expectTooLarge(t, err)
	if called {
		t.Error("handler should not run when Content-Length exceeds the limit")
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	// Content-Length unknown, so the limit is enforced by the reader.
	err := BodyLimit("1K")(readAll)(bodyCtx(strings.Repeat("a", 2048), -1))
	expectTooLarge(t, err)
}

func expectTooLarge(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}
