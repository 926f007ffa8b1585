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

const deliveryColumns = `id, workspace_id, endpoint_id, outbox_event_id, dedupe_key, event_type, payload, status,
	attempts, next_attempt_at, last_attempt_at, delivered_at, response, lease_owner, lease_expires_at,
	created_at, updated_at`

type DeliveryRepository interface {
	// CreateForEvent inserts one pending delivery per endpoint. Rows that already
	// exist for the (event, endpoint) pair are skipped; the number inserted is returned.
	CreateForEvent(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent, endpoints []model.WebhookEndpoint, now time.Time) (int, error)
	// Claim leases up to limit due deliveries to owner until now+lease.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.WebhookDelivery, error)
	// Release drops the lease without consuming an attempt. A non-nil next reschedules the delivery.
	Release(ctx context.Context, id, owner string, next *time.Time) error
	// RecordAttempt persists the attempt outcome held in d and, when deadLetter is
	// non-nil, the dead letter row in the same transaction.
	RecordAttempt(ctx context.Context, owner string, d *model.WebhookDelivery, deadLetter *model.DeadLetterEvent) error
	CountOpenForEvent(ctx context.Context, outboxEventID string) (int, error)
	Get(ctx context.Context, workspaceID, id string) (*model.WebhookDelivery, error)
	List(ctx context.Context, f DeliveryFilter) (Page[model.WebhookDelivery], error)

	CountByStatus(ctx context.Context, workspaceID string, w Window) (map[model.DeliveryStatus]int64, error)
	AverageDeliveredAttempts(ctx context.Context, workspaceID string, w Window) (float64, error)
	CountPendingByEndpoint(ctx context.Context, workspaceID string) (map[string]int64, error)
	CountByEventType(ctx context.Context, workspaceID string, w Window) ([]EventTypeCount, error)
}

type DeliveryFilter struct {
	WorkspaceID string
	EndpointID  string
	Status      model.DeliveryStatus
	EventType   string
	Cursor      string
	Limit       int
}

// Window bounds a query on created_at. Zero values are open ends.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) apply(q sq.SelectBuilder) sq.SelectBuilder {
	if !w.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": w.From})
	}
	if !w.To.IsZero() {
		q = q.Where(sq.Lt{"created_at": w.To})
	}
	return q
}

type EventTypeCount struct {
	EventType  string `db:"event_type"`
	Total      int64  `db:"total"`
	Delivered  int64  `db:"delivered"`
	Failed     int64  `db:"failed"`
	DeadLetter int64  `db:"dead_letter"`
}

type DeliveryRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveryRepository(db *sqlx.DB) *DeliveryRepositoryImpl {
	return &DeliveryRepositoryImpl{db: db}
}

var _ DeliveryRepository = (*DeliveryRepositoryImpl)(nil)

// DedupeKey identifies the fan-out row of one event for one endpoint.
func DedupeKey(outboxEventID, endpointID string) string {
	return outboxEventID + ":" + endpointID
}

func (r *DeliveryRepositoryImpl) CreateForEvent(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent, endpoints []model.WebhookEndpoint, now time.Time) (int, error) {
	const q = `
		INSERT IGNORE INTO webhook_deliveries
		    (id, workspace_id, endpoint_id, outbox_event_id, dedupe_key, event_type, payload,
		     status, attempts, next_attempt_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`
	created := 0
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		for _, ep := range endpoints {
			res, err := tx.ExecContext(ctx, q,
				util.New(), ev.WorkspaceID, ep.ID, ev.ID, DedupeKey(ev.ID, ep.ID), ev.EventType, string(ev.Payload),
				now, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert delivery for endpoint %s: %w", ep.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			created += int(n)
		}
		return nil
	})
	return created, err
}

func (r *DeliveryRepositoryImpl) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		   SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
		 WHERE status IN ('pending', 'failed')
		   AND next_attempt_at <= ?
		   AND (lease_owner IS NULL OR lease_expires_at < ?)
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?
	`, owner, now.Add(lease), now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var rows []model.WebhookDelivery
	err = r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries
		 WHERE lease_owner = ?
		 ORDER BY next_attempt_at ASC, id ASC
	`, owner)
	return rows, err
}

func (r *DeliveryRepositoryImpl) Release(ctx context.Context, id, owner string, next *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		   SET lease_owner = NULL, lease_expires_at = NULL,
		       next_attempt_at = COALESCE(?, next_attempt_at), updated_at = ?
		 WHERE id = ? AND lease_owner = ?
	`, next, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

func (r *DeliveryRepositoryImpl) RecordAttempt(ctx context.Context, owner string, d *model.WebhookDelivery, deadLetter *model.DeadLetterEvent) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		d.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			   SET status = ?, attempts = ?, next_attempt_at = ?, last_attempt_at = ?, delivered_at = ?,
			       response = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND lease_owner = ?
		`, d.Status.String(), d.Attempts, d.NextAttemptAt, d.LastAttemptAt, d.DeliveredAt,
			d.Response, d.UpdatedAt, d.ID, owner)
		if err != nil {
			return err
		}
		if err := leaseHeld(res); err != nil {
			return err
		}
		d.LeaseOwner, d.LeaseExpiresAt = nil, nil

		if deadLetter == nil {
			return nil
		}
		if deadLetter.ID == "" {
			deadLetter.ID = util.New()
		}
		if deadLetter.CreatedAt.IsZero() {
			deadLetter.CreatedAt = d.UpdatedAt
		}
		return insertDeadLetter(ctx, tx, deadLetter)
	})
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *DeliveryRepositoryImpl) CountOpenForEvent(ctx context.Context, outboxEventID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM webhook_deliveries
		 WHERE outbox_event_id = ? AND status IN ('pending', 'failed')
	`, outboxEventID)
	return n, err
}

func (r *DeliveryRepositoryImpl) Get(ctx context.Context, workspaceID, id string) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := r.db.GetContext(ctx, &d,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveryRepositoryImpl) List(ctx context.Context, f DeliveryFilter) (Page[model.WebhookDelivery], error) {
	limit := ClampLimit(f.Limit)
	q := sq.Select(deliveryColumns).From("webhook_deliveries").Where(sq.Eq{"workspace_id": f.WorkspaceID})
	if f.EndpointID != "" {
		q = q.Where(sq.Eq{"endpoint_id": f.EndpointID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status.String()})
	}
	if f.EventType != "" {
		q = q.Where(sq.Eq{"event_type": f.EventType})
	}
	query, args, err := paginate(q, f.Cursor, limit).ToSql()
	if err != nil {
		return Page[model.WebhookDelivery]{}, fmt.Errorf("build delivery list: %w", err)
	}

	var rows []model.WebhookDelivery
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Page[model.WebhookDelivery]{}, err
	}
	return buildPage(rows, limit, func(d model.WebhookDelivery) string { return d.ID }), nil
}

func (r *DeliveryRepositoryImpl) CountByStatus(ctx context.Context, workspaceID string, w Window) (map[model.DeliveryStatus]int64, error) {
	q := w.apply(sq.Select("status", "COUNT(*) AS n").From("webhook_deliveries").
		Where(sq.Eq{"workspace_id": workspaceID})).GroupBy("status")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status model.DeliveryStatus `db:"status"`
		N      int64                `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make(map[model.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *DeliveryRepositoryImpl) AverageDeliveredAttempts(ctx context.Context, workspaceID string, w Window) (float64, error) {
	q := w.apply(sq.Select("COALESCE(AVG(attempts), 0)").From("webhook_deliveries").
		Where(sq.Eq{"workspace_id": workspaceID, "status": model.DeliveryDelivered.String()}))
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var avg float64
	err = r.db.GetContext(ctx, &avg, query, args...)
	return avg, err
}

func (r *DeliveryRepositoryImpl) CountPendingByEndpoint(ctx context.Context, workspaceID string) (map[string]int64, error) {
	var rows []struct {
		EndpointID string `db:"endpoint_id"`
		N          int64  `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT endpoint_id, COUNT(*) AS n
		  FROM webhook_deliveries
		 WHERE workspace_id = ? AND status IN ('pending', 'failed')
		 GROUP BY endpoint_id
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.EndpointID] = row.N
	}
	return out, nil
}

func (r *DeliveryRepositoryImpl) CountByEventType(ctx context.Context, workspaceID string, w Window) ([]EventTypeCount, error) {
	q := w.apply(sq.Select(
		"event_type",
		"COUNT(*) AS total",
		"SUM(status = 'delivered') AS delivered",
		"SUM(status = 'failed') AS failed",
		"SUM(status = 'dead_letter') AS dead_letter",
	).From("webhook_deliveries").Where(sq.Eq{"workspace_id": workspaceID})).
		GroupBy("event_type").
		OrderBy("total DESC", "event_type ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []EventTypeCount
	err = r.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}
