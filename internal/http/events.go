package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/events"
	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
)

type EventPublisher interface {
	Publish(ctx context.Context, tx *sqlx.Tx, in events.Input) (*model.OutboxEvent, error)
}

type EventLister interface {
	List(ctx context.Context, f repository.OutboxFilter) (repository.Page[model.OutboxEvent], error)
}

type publishReq struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
}

func publishEventHandler(pub EventPublisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req publishReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid JSON body")
		}

		ev, err := pub.Publish(c.Request().Context(), nil, events.Input{
			ID:            strings.TrimSpace(req.ID),
			WorkspaceID:   ws,
			EventType:     req.EventType,
			AggregateType: strings.TrimSpace(req.AggregateType),
			AggregateID:   strings.TrimSpace(req.AggregateID),
			Payload:       req.Payload,
		})
		if err != nil {
			return writeError(c, err, "publish event")
		}
		return c.JSON(http.StatusCreated, map[string]string{"id": ev.ID})
	}
}

func listEventsHandler(lister EventLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}

		f := repository.OutboxFilter{
			WorkspaceID: ws,
			EventType:   strings.TrimSpace(c.QueryParam("event_type")),
			Cursor:      c.QueryParam("cursor"),
			Limit:       queryLimit(c),
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.OutboxStatus(raw)
			if !st.Valid() {
				return badRequest(c, "status must be pending, processed or failed")
			}
			f.Status = st
		}

		page, err := lister.List(c.Request().Context(), f)
		if err != nil {
			return writeError(c, err, "list events")
		}
		return c.JSON(http.StatusOK, page)
	}
}
