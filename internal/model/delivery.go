package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed" // last attempt failed, retry scheduled
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryDeadLetter:
		return true
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryDeadLetter
}

// DeliveryResponse keeps the diagnostics of the latest attempt plus a short failure history.
type DeliveryResponse struct {
	StatusCode int      `json:"statusCode,omitempty"`
	Body       string   `json:"body,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"durationMs"`
	History    []string `json:"history,omitempty"`
}

func (r DeliveryResponse) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *DeliveryResponse) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, r)
}

// WebhookDelivery is one (outbox event × endpoint) delivery record.
type WebhookDelivery struct {
	ID             string            `db:"id"               json:"id"`
	WorkspaceID    string            `db:"workspace_id"     json:"workspaceId"`
	EndpointID     string            `db:"endpoint_id"      json:"endpointId"`
	OutboxEventID  string            `db:"outbox_event_id"  json:"outboxEventId"`
	DedupeKey      *string           `db:"dedupe_key"       json:"-"`
	EventType      string            `db:"event_type"       json:"eventType"`
	Payload        json.RawMessage   `db:"payload"          json:"payload"`
	Status         DeliveryStatus    `db:"status"           json:"status"`
	Attempts       int               `db:"attempts"         json:"attempts"`
	NextAttemptAt  time.Time         `db:"next_attempt_at"  json:"nextAttemptAt"`
	LastAttemptAt  *time.Time        `db:"last_attempt_at"  json:"lastAttemptAt,omitempty"`
	DeliveredAt    *time.Time        `db:"delivered_at"     json:"deliveredAt,omitempty"`
	Response       *DeliveryResponse `db:"response"         json:"response,omitempty"`
	LeaseOwner     *string           `db:"lease_owner"      json:"-"`
	LeaseExpiresAt *time.Time        `db:"lease_expires_at" json:"-"`
	CreatedAt      time.Time         `db:"created_at"       json:"createdAt"`
	UpdatedAt      time.Time         `db:"updated_at"       json:"updatedAt"`
}

type AttemptOutcome string

const (
	OutcomeDelivered  AttemptOutcome = "delivered"
	OutcomeRetry      AttemptOutcome = "retry"
	OutcomeDeadLetter AttemptOutcome = "dead_letter"
)

// DeliveryAttempt is one row of the attempt log (ClickHouse).
type DeliveryAttempt struct {
	DeliveryID  string         `db:"delivery_id"  json:"deliveryId"`
	WorkspaceID string         `db:"workspace_id" json:"workspaceId"`
	EndpointID  string         `db:"endpoint_id"  json:"endpointId"`
	EventType   string         `db:"event_type"   json:"eventType"`
	Attempt     uint8          `db:"attempt"      json:"attempt"`
	Outcome     AttemptOutcome `db:"outcome"      json:"outcome"`
	StatusCode  uint16         `db:"status_code"  json:"statusCode"`
	Error       string         `db:"error"        json:"error,omitempty"`
	DurationMs  uint32         `db:"duration_ms"  json:"durationMs"`
	AttemptedAt time.Time      `db:"attempted_at" json:"attemptedAt"`
}
