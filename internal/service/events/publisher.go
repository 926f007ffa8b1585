package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/util"
	"github.com/jmoiron/sqlx"
)

var (
	ErrInvalidEventType = errors.New("event type must be dot-namespaced, e.g. subscription.created")
	ErrInvalidPayload   = errors.New("payload must be a JSON object")
	ErrMissingWorkspace = errors.New("workspace id is required")
	ErrInvalidID        = errors.New("event id must be a ULID")
)

var eventTypeRe = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// Input is what a producer hands to Publish. ID is optional; producers that
// retry (e.g. the Kafka ingest worker) set it so a replay is detected.
type Input struct {
	ID            string
	WorkspaceID   string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
}

// Publisher validates domain events and appends them to the outbox.
type Publisher struct {
	outbox repository.OutboxRepository
}

func NewPublisher(outbox repository.OutboxRepository) *Publisher {
	return &Publisher{outbox: outbox}
}

// Publish appends one event. Pass the producer's tx to commit the event together
// with the change it describes; a nil tx writes it on its own.
func (p *Publisher) Publish(ctx context.Context, tx *sqlx.Tx, in Input) (*model.OutboxEvent, error) {
	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	in.EventType = strings.TrimSpace(in.EventType)
	if in.WorkspaceID == "" {
		return nil, ErrMissingWorkspace
	}
	if in.ID != "" && !util.ValidID(in.ID) {
		return nil, ErrInvalidID
	}
	if !eventTypeRe.MatchString(in.EventType) {
		return nil, ErrInvalidEventType
	}
	if !isJSONObject(in.Payload) {
		return nil, ErrInvalidPayload
	}
	if in.AggregateType == "" {
		in.AggregateType = in.EventType[:strings.IndexByte(in.EventType, '.')]
	}

	ev := &model.OutboxEvent{
		ID:            in.ID,
		WorkspaceID:   in.WorkspaceID,
		EventType:     in.EventType,
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		Payload:       in.Payload,
	}
	if err := p.outbox.Append(ctx, tx, ev); err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}

	metrics.OutboxEventsTotal.WithLabelValues("appended").Inc()
	return ev, nil
}

func isJSONObject(b json.RawMessage) bool {
	var m map[string]json.RawMessage
	return len(b) > 0 && json.Unmarshal(b, &m) == nil && m != nil
}
