package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/events"
	"github.com/jmehdipour/hookrelay/internal/service/webhooks"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

const (
	codeValidation      = "VALIDATION_ERROR"
	codeNotFound        = "NOT_FOUND"
	codeVersionConflict = "VERSION_CONFLICT"
	codeAlreadyExists   = "ALREADY_EXISTS"
	codeUnauthorized    = "UNAUTHORIZED"
	codeInternal        = "INTERNAL"
)

var validationErrors = []error{
	events.ErrInvalidEventType,
	events.ErrInvalidPayload,
	events.ErrMissingWorkspace,
	events.ErrInvalidID,
	webhooks.ErrInvalidURL,
	webhooks.ErrInvalidEvents,
	webhooks.ErrInvalidStatus,
}

// writeError maps service and repository errors to the API error body.
func writeError(c echo.Context, err error, op string) error {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return middleware.JSONError(c, http.StatusBadRequest, codeValidation, v.Error())
		}
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return middleware.JSONError(c, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, repository.ErrVersionConflict):
		return middleware.JSONError(c, http.StatusConflict, codeVersionConflict, "resource was modified concurrently")
	case errors.Is(err, repository.ErrDuplicateKey):
		return middleware.JSONError(c, http.StatusConflict, codeAlreadyExists, "resource already exists")
	}

	log.Errorf("%s failed: %v", op, err)
	return middleware.JSONError(c, http.StatusInternalServerError, codeInternal, op+" failed")
}

func badRequest(c echo.Context, msg string) error {
	return middleware.JSONError(c, http.StatusBadRequest, codeValidation, msg)
}

func unauthorized(c echo.Context) error {
	return middleware.JSONError(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
}

func queryLimit(c echo.Context) int {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
