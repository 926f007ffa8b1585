package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/hookrelay/internal/kafka"
	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/events"
	"github.com/jmehdipour/hookrelay/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// MessageSource is the subset of the Kafka consumer the ingest worker uses.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type EventPublisher interface {
	Publish(ctx context.Context, tx *sqlx.Tx, in events.Input) (*model.OutboxEvent, error)
}

// Ingest appends events published on Kafka to the outbox. A message is
// committed only after it is in the outbox (or known to be unusable), so a
// crash replays it. Every stored message carries an id, taken from the body,
// the key or the message position, so the replay hits the duplicate key.
type Ingest struct {
	Source    MessageSource
	Publisher EventPublisher

	RetryMin time.Duration
	RetryMax time.Duration
}

func NewIngest(src MessageSource, pub EventPublisher) *Ingest {
	return &Ingest{
		Source:    src,
		Publisher: pub,
		RetryMin:  200 * time.Millisecond,
		RetryMax:  10 * time.Second,
	}
}

// Run processes messages in partition order until ctx is cancelled.
func (w *Ingest) Run(ctx context.Context) error {
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Log.Warn("kafka fetch", zap.Error(err))
			if !sleep(ctx, w.RetryMin) {
				return nil
			}
			continue
		}

		if !w.handle(ctx, m) {
			return nil
		}
		if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			logger.Log.Error("kafka commit", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle returns false only when ctx ended before the message was stored.
func (w *Ingest) handle(ctx context.Context, m kafka.Message) bool {
	log := logger.Log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var msg model.IngestMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		log.Warn("skip poison message: bad json", zap.Error(err))
		metrics.OutboxEventsTotal.WithLabelValues("rejected").Inc()
		return true
	}
	if msg.ID == "" {
		msg.ID = messageID(m)
	}

	in := events.Input{
		ID:            msg.ID,
		WorkspaceID:   msg.WorkspaceID,
		EventType:     msg.EventType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Payload:       msg.Payload,
	}

	backoff := w.RetryMin
	for {
		_, err := w.Publisher.Publish(ctx, nil, in)
		switch {
		case err == nil:
			return true
		case errors.Is(err, repository.ErrDuplicateKey):
			log.Debug("event already in outbox", zap.String("event_id", msg.ID))
			return true
		case errors.Is(err, events.ErrInvalidEventType),
			errors.Is(err, events.ErrInvalidPayload),
			errors.Is(err, events.ErrMissingWorkspace),
			errors.Is(err, events.ErrInvalidID):
			log.Warn("skip poison message", zap.Error(err))
			metrics.OutboxEventsTotal.WithLabelValues("rejected").Inc()
			return true
		}

		log.Error("append ingested event, retrying", zap.Duration("backoff", backoff), zap.Error(err))
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > w.RetryMax {
			backoff = w.RetryMax
		}
	}
}

// messageID names an id-less message. A valid ULID key wins; otherwise the id
// is derived from the message position so a redelivery maps to the same row.
func messageID(m kafka.Message) string {
	if util.ValidID(string(m.Key)) {
		return string(m.Key)
	}
	return util.Derive(m.Time, fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
