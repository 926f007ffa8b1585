package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmoiron/sqlx"
)

type WorkspaceRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Workspace, error)
	// Upsert creates the workspace or refreshes its name, key and limit.
	Upsert(ctx context.Context, ws *model.Workspace) error
}

type WorkspaceRepositoryImpl struct {
	db *sqlx.DB
}

func NewWorkspaceRepository(db *sqlx.DB) *WorkspaceRepositoryImpl {
	return &WorkspaceRepositoryImpl{db: db}
}

var _ WorkspaceRepository = (*WorkspaceRepositoryImpl)(nil)

func (r *WorkspaceRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Workspace, error) {
	var ws model.Workspace
	err := r.db.GetContext(ctx, &ws, `
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM workspaces
		 WHERE api_key = ?
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (r *WorkspaceRepositoryImpl) Upsert(ctx context.Context, ws *model.Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.Status == "" {
		ws.Status = "active"
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (id, name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES (:id, :name, :api_key, :status, :rate_limit_rps, :created_at, :updated_at)
		ON DUPLICATE KEY UPDATE
		    name = VALUES(name), api_key = VALUES(api_key),
		    rate_limit_rps = VALUES(rate_limit_rps), updated_at = VALUES(updated_at)
	`, ws)
	return err
}
