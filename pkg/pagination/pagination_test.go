package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func params(target string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, Params{Limit: DefaultLimit, Offset: 0}, params("/forms"))
	assert.Equal(t, Params{Limit: 5, Offset: 10}, params("/forms?limit=5&offset=10"))
	assert.Equal(t, Params{Limit: MaxLimit, Offset: 0}, params("/forms?limit=1000"))
	assert.Equal(t, Params{Limit: DefaultLimit, Offset: 0}, params("/forms?limit=abc&offset=-4"))
}

func TestNewResponse_HasMore(t *testing.T) {
	assert.True(t, NewResponse(nil, 50, 20, 20).HasMore)
	assert.False(t, NewResponse(nil, 40, 20, 20).HasMore)
}

func TestWithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/forms?status=draft&limit=10&offset=10")

	r := NewResponse([]int{}, 35, 10, 10).WithLinks(u)
	if assert.NotNil(t, r.Links) {
		assert.Equal(t, "/api/v1/forms?limit=10&offset=20&status=draft", r.Links.Next)
		assert.Equal(t, "/api/v1/forms?limit=10&offset=0&status=draft", r.Links.Previous)
	}

	single := NewResponse([]int{}, 3, 10, 0).WithLinks(u)
	assert.Nil(t, single.Links)
}
