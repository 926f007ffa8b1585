package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmoiron/sqlx"
)

// AttemptLogRepository is the ClickHouse log of every delivery attempt.
type AttemptLogRepository interface {
	InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error
	ListByDelivery(ctx context.Context, workspaceID, deliveryID string) ([]model.DeliveryAttempt, error)
}

type chAttemptLogRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAttemptLogRepository(ch *sqlx.DB) AttemptLogRepository {
	return &chAttemptLogRepository{ch: ch}
}

// InsertBatch sends rows as one ClickHouse block: the driver buffers every Exec
// on the prepared statement and ships them on Commit.
func (r *chAttemptLogRepository) InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hookrelay.delivery_attempts
		    (delivery_id, workspace_id, endpoint_id, event_type, attempt, outcome, status_code, error, duration_ms, attempted_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare attempt batch: %w", err)
	}
	defer stmt.Close()

	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx,
			a.DeliveryID, a.WorkspaceID, a.EndpointID, a.EventType, a.Attempt,
			string(a.Outcome), a.StatusCode, a.Error, a.DurationMs, a.AttemptedAt,
		); err != nil {
			return fmt.Errorf("append attempt %s/%d: %w", a.DeliveryID, a.Attempt, err)
		}
	}
	return tx.Commit()
}

func (r *chAttemptLogRepository) ListByDelivery(ctx context.Context, workspaceID, deliveryID string) ([]model.DeliveryAttempt, error) {
	var rows []model.DeliveryAttempt
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT delivery_id, workspace_id, endpoint_id, event_type, attempt, outcome, status_code, error, duration_ms, attempted_at
		FROM hookrelay.delivery_attempts
		WHERE workspace_id = ? AND delivery_id = ?
		ORDER BY attempted_at ASC, attempt ASC
	`, workspaceID, deliveryID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
