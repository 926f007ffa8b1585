package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxWorkspaceID  = "workspace_id"
	ctxWorkspaceRPS = "workspace_rps"
)

// WorkspaceLookup resolves an API key to its workspace.
type WorkspaceLookup interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Workspace, error)
}

// WorkspaceIDFromCtx extracts the workspace set by APIKeyMiddleware.
func WorkspaceIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxWorkspaceID).(string)
	return id, ok && id != ""
}

// SetWorkspace stores the request's workspace; APIKeyMiddleware is the only production caller.
func SetWorkspace(c echo.Context, id string) { c.Set(ctxWorkspaceID, id) }

// APIKeyMiddleware authenticates requests using the X-API-Key header and stores
// workspace_id (and workspace_rps when the workspace overrides the default) in context.
func APIKeyMiddleware(workspaces WorkspaceLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return JSONError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
			}
			ws, err := workspaces.GetByAPIKey(c.Request().Context(), key)
			if errors.Is(err, repository.ErrNotFound) {
				return JSONError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
			}
			if err != nil {
				c.Logger().Errorf("workspace lookup failed: %v", err)
				return JSONError(c, http.StatusInternalServerError, "INTERNAL", "auth error")
			}
			if ws.Status != "active" {
				return JSONError(c, http.StatusForbidden, "WORKSPACE_SUSPENDED", "workspace suspended")
			}

			SetWorkspace(c, ws.ID)
			if ws.RateLimitRPS != nil {
				c.Set(ctxWorkspaceRPS, *ws.RateLimitRPS)
			}
			return next(c)
		}
	}
}
