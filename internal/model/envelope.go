package model

import "encoding/json"

// Envelope is the JSON body POSTed to webhook endpoints. ID is the outbox event id,
// which receivers use to deduplicate.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"` // RFC 3339
	WorkspaceID string          `json:"workspaceId"`
	APIVersion  string          `json:"apiVersion"`
	Data        json.RawMessage `json:"data"`
}

// IngestMessage is the Kafka record accepted by the ingest worker.
type IngestMessage struct {
	ID            string          `json:"id,omitempty"`
	WorkspaceID   string          `json:"workspaceId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
}
