package middleware

import (
	echo "github.com/labstack/echo/v4"
)

// JSONError writes the API error body {"error": msg, "code": code}.
func JSONError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, map[string]string{"error": msg, "code": code})
}
