package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// CapturedResponse is the serialized outcome of the request that claimed an idempotency key.
type CapturedResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

func (r CapturedResponse) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *CapturedResponse) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, r)
}

// IdempotencyRecord is keyed by {workspaceId}:{method}:{path}:{clientKey}.
// A nil Response means the original request is still in flight.
type IdempotencyRecord struct {
	Key           string            `db:"key"            json:"key"`
	WorkspaceID   string            `db:"workspace_id"   json:"workspaceId"`
	RequestMethod string            `db:"request_method" json:"requestMethod"`
	RequestPath   string            `db:"request_path"   json:"requestPath"`
	Response      *CapturedResponse `db:"response"       json:"response,omitempty"`
	ExpiresAt     time.Time         `db:"expires_at"     json:"expiresAt"`
	CreatedAt     time.Time         `db:"created_at"     json:"createdAt"`
}
