package model

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxProcessed || s == OutboxFailed
}

// OutboxEvent is a domain event written in the same transaction as the change it describes.
type OutboxEvent struct {
	ID            string          `db:"id"             json:"id"`
	WorkspaceID   string          `db:"workspace_id"   json:"workspaceId"`
	EventType     string          `db:"event_type"     json:"eventType"` // e.g. subscription.created
	AggregateType string          `db:"aggregate_type" json:"aggregateType"`
	AggregateID   string          `db:"aggregate_id"   json:"aggregateId"`
	Payload       json.RawMessage `db:"payload"        json:"payload"`
	Status        OutboxStatus    `db:"status"         json:"status"`
	CreatedAt     time.Time       `db:"created_at"     json:"createdAt"`
	ProcessedAt   *time.Time      `db:"processed_at"   json:"processedAt,omitempty"`
}
