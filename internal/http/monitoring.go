package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/service/monitoring"
	echo "github.com/labstack/echo/v4"
)

type Monitor interface {
	GetStats(ctx context.Context, workspaceID string, from, to *time.Time) (*monitoring.Stats, error)
	GetEndpointHealth(ctx context.Context, workspaceID string) ([]monitoring.EndpointHealth, error)
	GetEventTypeBreakdown(ctx context.Context, workspaceID string, window time.Duration) ([]monitoring.EventTypeStats, error)
}

// parseTimeParam reads an optional RFC3339 query parameter.
func parseTimeParam(c echo.Context, name string) (*time.Time, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, false
	}
	t = t.UTC()
	return &t, true
}

func statsHandler(mon Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		from, ok1 := parseTimeParam(c, "from")
		to, ok2 := parseTimeParam(c, "to")
		if !ok1 || !ok2 {
			return badRequest(c, "from and to must be RFC3339 timestamps")
		}

		stats, err := mon.GetStats(c.Request().Context(), ws, from, to)
		if err != nil {
			return writeError(c, err, "get stats")
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func endpointHealthHandler(mon Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		rows, err := mon.GetEndpointHealth(c.Request().Context(), ws)
		if err != nil {
			return writeError(c, err, "get endpoint health")
		}
		return c.JSON(http.StatusOK, map[string]any{"items": rows})
	}
}

func eventTypesHandler(mon Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var window time.Duration
		if raw := c.QueryParam("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return badRequest(c, "window must be a positive duration, e.g. 24h")
			}
			window = d
		}

		rows, err := mon.GetEventTypeBreakdown(c.Request().Context(), ws, window)
		if err != nil {
			return writeError(c, err, "get event type breakdown")
		}
		return c.JSON(http.StatusOK, map[string]any{"items": rows})
	}
}
