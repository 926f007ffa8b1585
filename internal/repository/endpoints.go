package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmoiron/sqlx"
)

const endpointColumns = `id, workspace_id, url, secret, events, status, description, metadata,
	success_count, failure_count, last_delivery_at, last_delivery_status, last_error_at, last_error,
	version, created_at, updated_at`

type EndpointRepository interface {
	Create(ctx context.Context, ep *model.WebhookEndpoint) error
	// Get is workspace scoped; GetByID is for the dispatcher.
	Get(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error)
	GetByID(ctx context.Context, id string) (*model.WebhookEndpoint, error)
	List(ctx context.Context, workspaceID, cursor string, limit int) (Page[model.WebhookEndpoint], error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]model.WebhookEndpoint, error)
	ListActive(ctx context.Context, workspaceID string) ([]model.WebhookEndpoint, error)
	// Update writes url, events, status, description and metadata when the
	// stored version equals expectedVersion, and bumps the version.
	Update(ctx context.Context, ep *model.WebhookEndpoint, expectedVersion int) error
	UpdateSecret(ctx context.Context, workspaceID, id, secret string) error
	SetStatus(ctx context.Context, workspaceID, id string, status model.EndpointStatus) error
	Delete(ctx context.Context, workspaceID, id string) error
	RecordSuccess(ctx context.Context, id string, statusCode int, at time.Time) error
	RecordFailure(ctx context.Context, id string, statusCode int, reason string, at time.Time) error
}

type EndpointRepositoryImpl struct {
	db *sqlx.DB
}

func NewEndpointRepository(db *sqlx.DB) *EndpointRepositoryImpl {
	return &EndpointRepositoryImpl{db: db}
}

var _ EndpointRepository = (*EndpointRepositoryImpl)(nil)

func (r *EndpointRepositoryImpl) Create(ctx context.Context, ep *model.WebhookEndpoint) error {
	now := time.Now().UTC()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = ep.CreatedAt
	if ep.Version == 0 {
		ep.Version = 1
	}
	if ep.Status == "" {
		ep.Status = model.EndpointActive
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO webhook_endpoints
		    (id, workspace_id, url, secret, events, status, description, metadata, version, created_at, updated_at)
		VALUES
		    (:id, :workspace_id, :url, :secret, :events, :status, :description, :metadata, :version, :created_at, :updated_at)
	`, ep)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (r *EndpointRepositoryImpl) Get(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error) {
	return r.getOne(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ? AND workspace_id = ?`, id, workspaceID)
}

func (r *EndpointRepositoryImpl) GetByID(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	return r.getOne(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`, id)
}

func (r *EndpointRepositoryImpl) getOne(ctx context.Context, query string, args ...any) (*model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	err := r.db.GetContext(ctx, &ep, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (r *EndpointRepositoryImpl) List(ctx context.Context, workspaceID, cursor string, limit int) (Page[model.WebhookEndpoint], error) {
	limit = ClampLimit(limit)
	q := sq.Select(endpointColumns).From("webhook_endpoints").Where(sq.Eq{"workspace_id": workspaceID})
	query, args, err := paginate(q, cursor, limit).ToSql()
	if err != nil {
		return Page[model.WebhookEndpoint]{}, fmt.Errorf("build endpoint list: %w", err)
	}

	var rows []model.WebhookEndpoint
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Page[model.WebhookEndpoint]{}, err
	}
	return buildPage(rows, limit, func(e model.WebhookEndpoint) string { return e.ID }), nil
}

func (r *EndpointRepositoryImpl) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.WebhookEndpoint, error) {
	var rows []model.WebhookEndpoint
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE workspace_id = ? ORDER BY id`, workspaceID)
	return rows, err
}

func (r *EndpointRepositoryImpl) ListActive(ctx context.Context, workspaceID string) ([]model.WebhookEndpoint, error) {
	var rows []model.WebhookEndpoint
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE workspace_id = ? AND status = 'active' ORDER BY id`, workspaceID)
	return rows, err
}

func (r *EndpointRepositoryImpl) Update(ctx context.Context, ep *model.WebhookEndpoint, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		   SET url = ?, events = ?, status = ?, description = ?, metadata = ?,
		       version = version + 1, updated_at = ?
		 WHERE id = ? AND workspace_id = ? AND version = ?
	`, ep.URL, ep.Events, string(ep.Status), ep.Description, ep.Metadata, now, ep.ID, ep.WorkspaceID, expectedVersion)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// distinguish a stale version from a missing row
		if _, err := r.Get(ctx, ep.WorkspaceID, ep.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	ep.Version = expectedVersion + 1
	ep.UpdatedAt = now
	return nil
}

func (r *EndpointRepositoryImpl) UpdateSecret(ctx context.Context, workspaceID, id, secret string) error {
	return r.execOne(ctx, `
		UPDATE webhook_endpoints
		   SET secret = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND workspace_id = ?
	`, secret, time.Now().UTC(), id, workspaceID)
}

func (r *EndpointRepositoryImpl) SetStatus(ctx context.Context, workspaceID, id string, status model.EndpointStatus) error {
	return r.execOne(ctx, `
		UPDATE webhook_endpoints
		   SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND workspace_id = ?
	`, string(status), time.Now().UTC(), id, workspaceID)
}

func (r *EndpointRepositoryImpl) Delete(ctx context.Context, workspaceID, id string) error {
	return r.execOne(ctx, `DELETE FROM webhook_endpoints WHERE id = ? AND workspace_id = ?`, id, workspaceID)
}

// RecordSuccess and RecordFailure are atomic increments; they leave version alone
// so concurrent deliveries never invalidate an operator's pending update.
func (r *EndpointRepositoryImpl) RecordSuccess(ctx context.Context, id string, statusCode int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		   SET success_count = success_count + 1,
		       last_delivery_at = ?, last_delivery_status = ?, updated_at = ?
		 WHERE id = ?
	`, at, statusCode, at, id)
	return err
}

func (r *EndpointRepositoryImpl) RecordFailure(ctx context.Context, id string, statusCode int, reason string, at time.Time) error {
	var status *int
	if statusCode > 0 {
		status = &statusCode
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		   SET failure_count = failure_count + 1,
		       last_delivery_at = ?, last_delivery_status = ?,
		       last_error_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?
	`, at, status, at, reason, at, id)
	return err
}

func (r *EndpointRepositoryImpl) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
