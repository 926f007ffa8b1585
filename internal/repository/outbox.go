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

const outboxColumns = `id, workspace_id, event_type, aggregate_type, aggregate_id, payload, status, created_at, processed_at`

// OutboxRepository defines persistence methods for the outbox_events table.
type OutboxRepository interface {
	// Append writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx, which is how
	// producers keep the event atomic with their own change.
	Append(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error
	Get(ctx context.Context, workspaceID, id string) (*model.OutboxEvent, error)
	// ListPending returns pending events oldest first.
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	// ListUnrouted returns pending events that have no delivery rows yet.
	ListUnrouted(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, f OutboxFilter) (Page[model.OutboxEvent], error)
}

type OutboxFilter struct {
	WorkspaceID string
	Status      model.OutboxStatus
	EventType   string
	Cursor      string
	Limit       int
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Append(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error {
	if ev == nil {
		return fmt.Errorf("outbox event is nil")
	}
	if ev.ID == "" {
		ev.ID = util.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Status = model.OutboxPending
	ev.ProcessedAt = nil

	const q = `
		INSERT INTO outbox_events
		    (id, workspace_id, event_type, aggregate_type, aggregate_id, payload, status, created_at)
		VALUES
		    (?,  ?,            ?,          ?,              ?,            ?,       'pending', ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			ev.ID, ev.WorkspaceID, ev.EventType, ev.AggregateType, ev.AggregateID, string(ev.Payload), ev.CreatedAt,
		)
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		return err
	})
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, workspaceID, id string) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := r.db.GetContext(ctx, &ev,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *OutboxRepositoryImpl) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox_events
		 WHERE status = 'pending'
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
	`, limit)
	return rows, err
}

func (r *OutboxRepositoryImpl) ListUnrouted(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox_events o
		 WHERE o.status = 'pending'
		   AND NOT EXISTS (SELECT 1 FROM webhook_deliveries d WHERE d.outbox_event_id = o.id)
		 ORDER BY o.created_at ASC, o.id ASC
		 LIMIT ?
	`, limit)
	return rows, err
}

// MarkProcessed and MarkFailed only move pending rows, so each event transitions once.
func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, model.OutboxProcessed, at)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, model.OutboxFailed, at)
}

func (r *OutboxRepositoryImpl) transition(ctx context.Context, id string, to model.OutboxStatus, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = ?, processed_at = ?
		 WHERE id = ? AND status = 'pending'
	`, to.String(), at, id)
	return err
}

func (r *OutboxRepositoryImpl) List(ctx context.Context, f OutboxFilter) (Page[model.OutboxEvent], error) {
	limit := ClampLimit(f.Limit)
	q := sq.Select(outboxColumns).From("outbox_events").Where(sq.Eq{"workspace_id": f.WorkspaceID})
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status.String()})
	}
	if f.EventType != "" {
		q = q.Where(sq.Eq{"event_type": f.EventType})
	}
	query, args, err := paginate(q, f.Cursor, limit).ToSql()
	if err != nil {
		return Page[model.OutboxEvent]{}, fmt.Errorf("build outbox list: %w", err)
	}

	var rows []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Page[model.OutboxEvent]{}, err
	}
	return buildPage(rows, limit, func(e model.OutboxEvent) string { return e.ID }), nil
}
