package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	echo "github.com/labstack/echo/v4"
)

type DeliveryLister interface {
	List(ctx context.Context, f repository.DeliveryFilter) (repository.Page[model.WebhookDelivery], error)
}

type AttemptLister interface {
	ListAttempts(ctx context.Context, workspaceID, deliveryID string) ([]model.DeliveryAttempt, error)
}

type DeadLetterService interface {
	List(ctx context.Context, f repository.DeadLetterFilter) (repository.Page[model.DeadLetterEvent], error)
	Retry(ctx context.Context, workspaceID, id string) (*model.WebhookDelivery, error)
}

func listDeliveriesHandler(lister DeliveryLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}

		f := repository.DeliveryFilter{
			WorkspaceID: ws,
			EndpointID:  strings.TrimSpace(c.QueryParam("endpoint_id")),
			EventType:   strings.TrimSpace(c.QueryParam("event_type")),
			Cursor:      c.QueryParam("cursor"),
			Limit:       queryLimit(c),
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.DeliveryStatus(raw)
			if !st.Valid() {
				return badRequest(c, "status must be pending, delivered, failed or dead_letter")
			}
			f.Status = st
		}

		page, err := lister.List(c.Request().Context(), f)
		if err != nil {
			return writeError(c, err, "list deliveries")
		}
		return c.JSON(http.StatusOK, page)
	}
}

func listAttemptsHandler(svc AttemptLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		rows, err := svc.ListAttempts(c.Request().Context(), ws, c.Param("id"))
		if err != nil {
			return writeError(c, err, "list attempts")
		}
		return c.JSON(http.StatusOK, map[string]any{"items": rows})
	}
}

func listDeadLettersHandler(svc DeadLetterService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		page, err := svc.List(c.Request().Context(), repository.DeadLetterFilter{
			WorkspaceID: ws,
			EndpointID:  strings.TrimSpace(c.QueryParam("endpoint_id")),
			Cursor:      c.QueryParam("cursor"),
			Limit:       queryLimit(c),
		})
		if err != nil {
			return writeError(c, err, "list dead letters")
		}
		return c.JSON(http.StatusOK, page)
	}
}

func retryDeadLetterHandler(svc DeadLetterService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		d, err := svc.Retry(c.Request().Context(), ws, c.Param("id"))
		if err != nil {
			return writeError(c, err, "retry dead letter")
		}
		return c.JSON(http.StatusAccepted, d)
	}
}
