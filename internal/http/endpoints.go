package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/webhooks"
	echo "github.com/labstack/echo/v4"
)

// EndpointService is the part of webhooks.Registry the API exposes.
type EndpointService interface {
	Create(ctx context.Context, workspaceID string, in webhooks.CreateInput) (*model.EndpointWithSecret, error)
	Get(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error)
	List(ctx context.Context, workspaceID, cursor string, limit int) (repository.Page[model.WebhookEndpoint], error)
	Update(ctx context.Context, workspaceID, id string, in webhooks.UpdateInput) (*model.WebhookEndpoint, error)
	Delete(ctx context.Context, workspaceID, id string) error
	RotateSecret(ctx context.Context, workspaceID, id string) (string, error)
	Enable(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error)
	Disable(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error)
}

type createEndpointReq struct {
	URL         string         `json:"url"`
	Events      []string       `json:"events"`
	Description *string        `json:"description"`
	Metadata    model.Metadata `json:"metadata"`
}

type updateEndpointReq struct {
	URL         *string               `json:"url"`
	Events      []string              `json:"events"`
	Status      *model.EndpointStatus `json:"status"`
	Description *string               `json:"description"`
	Metadata    model.Metadata        `json:"metadata"`
	Version     *int                  `json:"version"`
}

func createEndpointHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req createEndpointReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid JSON body")
		}

		ep, err := svc.Create(c.Request().Context(), ws, webhooks.CreateInput{
			URL:         req.URL,
			Events:      req.Events,
			Description: req.Description,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return writeError(c, err, "create endpoint")
		}
		return c.JSON(http.StatusCreated, ep)
	}
}

func listEndpointsHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		page, err := svc.List(c.Request().Context(), ws, c.QueryParam("cursor"), queryLimit(c))
		if err != nil {
			return writeError(c, err, "list endpoints")
		}
		return c.JSON(http.StatusOK, page)
	}
}

func getEndpointHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		ep, err := svc.Get(c.Request().Context(), ws, c.Param("id"))
		if err != nil {
			return writeError(c, err, "get endpoint")
		}
		return c.JSON(http.StatusOK, ep)
	}
}

func updateEndpointHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		var req updateEndpointReq
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid JSON body")
		}

		ep, err := svc.Update(c.Request().Context(), ws, c.Param("id"), webhooks.UpdateInput{
			URL:             req.URL,
			Events:          req.Events,
			Status:          req.Status,
			Description:     req.Description,
			Metadata:        req.Metadata,
			ExpectedVersion: req.Version,
		})
		if err != nil {
			return writeError(c, err, "update endpoint")
		}
		return c.JSON(http.StatusOK, ep)
	}
}

func deleteEndpointHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		if err := svc.Delete(c.Request().Context(), ws, c.Param("id")); err != nil {
			return writeError(c, err, "delete endpoint")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func rotateSecretHandler(svc EndpointService) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		secret, err := svc.RotateSecret(c.Request().Context(), ws, c.Param("id"))
		if err != nil {
			return writeError(c, err, "rotate secret")
		}
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "secret": secret})
	}
}

func setEndpointStatusHandler(svc EndpointService, enable bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return unauthorized(c)
		}
		toggle := svc.Disable
		if enable {
			toggle = svc.Enable
		}
		ep, err := toggle(c.Request().Context(), ws, c.Param("id"))
		if err != nil {
			return writeError(c, err, "set endpoint status")
		}
		return c.JSON(http.StatusOK, ep)
	}
}
