package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointDisabled EndpointStatus = "disabled"
)

func (s EndpointStatus) Valid() bool {
	return s == EndpointActive || s == EndpointDisabled
}

// WildcardEvent subscribes an endpoint to every event type.
const WildcardEvent = "*"

// EventList is stored as a JSON array.
type EventList []string

func (l EventList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *EventList) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// Metadata is free-form tenant data stored as a JSON object.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	return string(b), err
}

func (m *Metadata) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(b, (*map[string]any)(m))
}

// WebhookEndpoint is a tenant-registered delivery target.
// Secret is tagged json:"-"; it leaves the service only through EndpointWithSecret.
type WebhookEndpoint struct {
	ID                 string         `db:"id"                   json:"id"`
	WorkspaceID        string         `db:"workspace_id"         json:"workspaceId"`
	URL                string         `db:"url"                  json:"url"`
	Secret             string         `db:"secret"               json:"-"`
	Events             EventList      `db:"events"               json:"events"`
	Status             EndpointStatus `db:"status"               json:"status"`
	Description        *string        `db:"description"          json:"description,omitempty"`
	Metadata           Metadata       `db:"metadata"             json:"metadata,omitempty"`
	SuccessCount       int64          `db:"success_count"        json:"successCount"`
	FailureCount       int64          `db:"failure_count"        json:"failureCount"`
	LastDeliveryAt     *time.Time     `db:"last_delivery_at"     json:"lastDeliveryAt,omitempty"`
	LastDeliveryStatus *int           `db:"last_delivery_status" json:"lastDeliveryStatus,omitempty"`
	LastErrorAt        *time.Time     `db:"last_error_at"        json:"lastErrorAt,omitempty"`
	LastError          *string        `db:"last_error"           json:"lastError,omitempty"`
	Version            int            `db:"version"              json:"version"`
	CreatedAt          time.Time      `db:"created_at"           json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at"           json:"updatedAt"`
}

// Matches reports whether the endpoint subscribes to eventType, exactly or through "*".
func (e WebhookEndpoint) Matches(eventType string) bool {
	for _, ev := range e.Events {
		if ev == WildcardEvent || ev == eventType {
			return true
		}
	}
	return false
}

// EndpointWithSecret is returned only by create and rotate.
type EndpointWithSecret struct {
	WebhookEndpoint
	Secret string `json:"secret"`
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("model: unsupported json column type")
	}
}
