package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/util"
	"github.com/jmoiron/sqlx"
)

const deadLetterColumns = `id, workspace_id, original_event_id, outbox_event_id, endpoint_id, event_type, payload,
	failure_reason, attempts, last_attempt_at, created_at`

type DeadLetterRepository interface {
	Get(ctx context.Context, workspaceID, id string) (*model.DeadLetterEvent, error)
	List(ctx context.Context, f DeadLetterFilter) (Page[model.DeadLetterEvent], error)
	// Requeue turns a dead letter back into a pending delivery with zero attempts
	// and removes the dead letter row, atomically.
	Requeue(ctx context.Context, workspaceID, id string, now time.Time) (*model.WebhookDelivery, error)
}

type DeadLetterFilter struct {
	WorkspaceID string
	EndpointID  string
	Cursor      string
	Limit       int
}

type DeadLetterRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeadLetterRepository(db *sqlx.DB) *DeadLetterRepositoryImpl {
	return &DeadLetterRepositoryImpl{db: db}
}

var _ DeadLetterRepository = (*DeadLetterRepositoryImpl)(nil)

func insertDeadLetter(ctx context.Context, tx *sqlx.Tx, dl *model.DeadLetterEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter_events
		    (id, workspace_id, original_event_id, outbox_event_id, endpoint_id, event_type, payload,
		     failure_reason, attempts, last_attempt_at, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.ID, dl.WorkspaceID, dl.OriginalEventID, dl.OutboxEventID, dl.EndpointID, dl.EventType, string(dl.Payload),
		dl.FailureReason, dl.Attempts, dl.LastAttemptAt, dl.CreatedAt)
	return err
}

func (r *DeadLetterRepositoryImpl) Get(ctx context.Context, workspaceID, id string) (*model.DeadLetterEvent, error) {
	var dl model.DeadLetterEvent
	err := r.db.GetContext(ctx, &dl,
		`SELECT `+deadLetterColumns+` FROM dead_letter_events WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

func (r *DeadLetterRepositoryImpl) List(ctx context.Context, f DeadLetterFilter) (Page[model.DeadLetterEvent], error) {
	limit := ClampLimit(f.Limit)
	q := sq.Select(deadLetterColumns).From("dead_letter_events").Where(sq.Eq{"workspace_id": f.WorkspaceID})
	if f.EndpointID != "" {
		q = q.Where(sq.Eq{"endpoint_id": f.EndpointID})
	}
	query, args, err := paginate(q, f.Cursor, limit).ToSql()
	if err != nil {
		return Page[model.DeadLetterEvent]{}, fmt.Errorf("build dead letter list: %w", err)
	}

	var rows []model.DeadLetterEvent
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Page[model.DeadLetterEvent]{}, err
	}
	return buildPage(rows, limit, func(d model.DeadLetterEvent) string { return d.ID }), nil
}

func (r *DeadLetterRepositoryImpl) Requeue(ctx context.Context, workspaceID, id string, now time.Time) (*model.WebhookDelivery, error) {
	var d *model.WebhookDelivery
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var dl model.DeadLetterEvent
		err := tx.GetContext(ctx, &dl, `
			SELECT `+deadLetterColumns+`
			  FROM dead_letter_events
			 WHERE id = ? AND workspace_id = ?
			 FOR UPDATE
		`, id, workspaceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// A NULL dedupe key keeps the re-queued row clear of the original fan-out row.
		d = &model.WebhookDelivery{
			ID:            util.New(),
			WorkspaceID:   dl.WorkspaceID,
			EndpointID:    dl.EndpointID,
			OutboxEventID: dl.OutboxEventID,
			EventType:     dl.EventType,
			Payload:       dl.Payload,
			Status:        model.DeliveryPending,
			Attempts:      0,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_deliveries
			    (id, workspace_id, endpoint_id, outbox_event_id, dedupe_key, event_type, payload,
			     status, attempts, next_attempt_at, created_at, updated_at)
			VALUES
			    (?, ?, ?, ?, NULL, ?, ?, 'pending', 0, ?, ?, ?)
		`, d.ID, d.WorkspaceID, d.EndpointID, d.OutboxEventID, d.EventType, string(d.Payload),
			d.NextAttemptAt, d.CreatedAt, d.UpdatedAt); err != nil {
			return fmt.Errorf("insert requeued delivery: %w", err)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM dead_letter_events WHERE id = ?`, dl.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
