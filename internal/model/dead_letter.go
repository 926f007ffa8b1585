package model

import (
	"encoding/json"
	"time"
)

// DeadLetterEvent is a delivery that exhausted its retry budget.
type DeadLetterEvent struct {
	ID              string          `db:"id"                json:"id"`
	WorkspaceID     string          `db:"workspace_id"      json:"workspaceId"`
	OriginalEventID string          `db:"original_event_id" json:"originalEventId"` // delivery id
	OutboxEventID   string          `db:"outbox_event_id"   json:"outboxEventId"`
	EndpointID      string          `db:"endpoint_id"       json:"endpointId"`
	EventType       string          `db:"event_type"        json:"eventType"`
	Payload         json.RawMessage `db:"payload"           json:"payload"`
	FailureReason   string          `db:"failure_reason"    json:"failureReason"`
	Attempts        int             `db:"attempts"          json:"attempts"`
	LastAttemptAt   time.Time       `db:"last_attempt_at"   json:"lastAttemptAt"`
	CreatedAt       time.Time       `db:"created_at"        json:"createdAt"`
}
