package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmoiron/sqlx"
)

// IdempotencyStore persists request claims. Create must be an atomic conditional
// insert: of any number of concurrent calls for one key exactly one succeeds and
// the rest get ErrDuplicateKey.
type IdempotencyStore interface {
	Create(ctx context.Context, rec *model.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	SaveResponse(ctx context.Context, key string, resp model.CapturedResponse) error
}

type MySQLIdempotencyStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMySQLIdempotencyStore(db *sqlx.DB) *MySQLIdempotencyStore {
	return &MySQLIdempotencyStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ IdempotencyStore = (*MySQLIdempotencyStore)(nil)

func (s *MySQLIdempotencyStore) Create(ctx context.Context, rec *model.IdempotencyRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	// an expired claim no longer blocks its key
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE `key` = ? AND expires_at <= ?", rec.Key, now); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, "INSERT INTO idempotency_records "+
		"(`key`, workspace_id, request_method, request_path, response, expires_at, created_at) "+
		"VALUES (?, ?, ?, ?, NULL, ?, ?)",
		rec.Key, rec.WorkspaceID, rec.RequestMethod, rec.RequestPath, rec.ExpiresAt, rec.CreatedAt)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *MySQLIdempotencyStore) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.db.GetContext(ctx, &rec, "SELECT `key`, workspace_id, request_method, request_path, response, expires_at, created_at "+
		"FROM idempotency_records WHERE `key` = ? AND expires_at > ?", key, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MySQLIdempotencyStore) SaveResponse(ctx context.Context, key string, resp model.CapturedResponse) error {
	res, err := s.db.ExecContext(ctx, "UPDATE idempotency_records SET response = ? WHERE `key` = ?", resp, key)
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

// PurgeExpired deletes records whose expiry has passed and returns how many went.
func (s *MySQLIdempotencyStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
