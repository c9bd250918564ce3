package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPStatus maps an error to the response status used by the API handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrRuleViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts a service error into an echo.HTTPError whose body carries
// the structured payload of the failure.
func ToHTTP(err error) *echo.HTTPError {
	status := HTTPStatus(err)

	var (
		ve *ValidationError
		rv *RuleViolationError
		it *InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		msg := ve.Message
		if msg == "" {
			msg = "validation failed"
		}
		return echo.NewHTTPError(status, map[string]interface{}{
			"message": msg,
			"errors":  ve.Errors,
		})
	case errors.As(err, &rv):
		return echo.NewHTTPError(status, map[string]interface{}{
			"message": rv.Error(),
			"field":   rv.Field,
		})
	case errors.As(err, &it):
		allowed := it.Allowed
		if allowed == nil {
			allowed = []string{}
		}
		return echo.NewHTTPError(status, map[string]interface{}{
			"message":   it.Error(),
			"current":   it.From,
			"requested": it.To,
			"allowed":   allowed,
		})
	case status == http.StatusInternalServerError:
		// Persistence causes can include SQL text; keep them in the logs.
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}
