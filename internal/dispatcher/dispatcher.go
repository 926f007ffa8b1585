package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"go.uber.org/zap"
)

const (
	reasonEndpointDeleted = "endpoint deleted"

	// recordTimeout bounds persisting an attempt once the processor ctx is gone.
	recordTimeout = 10 * time.Second
)

// Dispatcher performs one attempt for each claimed delivery and records the outcome.
type Dispatcher struct {
	deliveries repository.DeliveryRepository
	endpoints  repository.EndpointRepository
	outbox     repository.OutboxRepository
	sender     Sender
	breakers   *BreakerSet
	apiVersion string
	now        func() time.Time
}

func New(
	deliveries repository.DeliveryRepository,
	endpoints repository.EndpointRepository,
	outbox repository.OutboxRepository,
	sender Sender,
	breakers *BreakerSet,
	apiVersion string,
) *Dispatcher {
	if breakers == nil {
		breakers = NewBreakerSet(0, 0)
	}
	return &Dispatcher{
		deliveries: deliveries,
		endpoints:  endpoints,
		outbox:     outbox,
		sender:     sender,
		breakers:   breakers,
		apiVersion: apiVersion,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Deliver runs one attempt for d, which must be leased to owner. It returns the
// attempt for the attempt log, or nil when the delivery was deferred without an attempt.
func (x *Dispatcher) Deliver(ctx context.Context, owner string, d model.WebhookDelivery) (*model.DeliveryAttempt, error) {
	log := logger.Log.With(zap.String("delivery_id", d.ID), zap.String("endpoint_id", d.EndpointID))

	ep, err := x.endpoints.GetByID(ctx, d.EndpointID)
	if errors.Is(err, repository.ErrNotFound) {
		return x.deadLetterOrphan(ctx, owner, d)
	}
	if err != nil {
		x.release(ctx, owner, d, nil)
		return nil, fmt.Errorf("load endpoint: %w", err)
	}

	if ep.Status != model.EndpointActive {
		next := x.now().Add(stepDelay(d.Attempts))
		x.release(ctx, owner, d, &next)
		log.Debug("endpoint disabled, delivery deferred", zap.Time("next_attempt_at", next))
		return nil, nil
	}

	body, err := json.Marshal(model.Envelope{
		ID:          d.OutboxEventID,
		Type:        d.EventType,
		Timestamp:   d.CreatedAt.UTC().Format(time.RFC3339),
		WorkspaceID: d.WorkspaceID,
		APIVersion:  x.apiVersion,
		Data:        d.Payload,
	})
	if err != nil {
		x.release(ctx, owner, d, nil)
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	// acquire last: an admitted half-open trial must end in OnSuccess or OnFailure
	br := x.breakers.For(ep.ID)
	if !br.TryAcquire() {
		next := br.RetryAt()
		x.release(ctx, owner, d, &next)
		metrics.DeliveriesTotal.WithLabelValues("deferred").Inc()
		return nil, nil
	}

	res := x.sender.Send(ctx, Request{
		URL:        ep.URL,
		Secret:     ep.Secret,
		EventID:    d.OutboxEventID,
		EventType:  d.EventType,
		DeliveryID: d.ID,
		Body:       body,
	})
	metrics.DeliveryDuration.Observe(res.Duration.Seconds())
	if res.OK() {
		br.OnSuccess()
	} else {
		br.OnFailure()
	}

	// the remote side has seen the attempt; persist it even if we are shutting down
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return x.record(rctx, owner, d, ep, res)
}

func (x *Dispatcher) record(ctx context.Context, owner string, d model.WebhookDelivery, ep *model.WebhookEndpoint, res Result) (*model.DeliveryAttempt, error) {
	now := x.now()
	d.Attempts++
	d.LastAttemptAt = &now

	resp := &model.DeliveryResponse{
		StatusCode: res.StatusCode,
		Body:       res.Body,
		DurationMs: res.Duration.Milliseconds(),
	}
	if d.Response != nil {
		resp.History = append([]string(nil), d.Response.History...)
	}

	var (
		outcome model.AttemptOutcome
		dl      *model.DeadLetterEvent
		reason  string
	)
	if res.OK() {
		outcome = model.OutcomeDelivered
		d.Status = model.DeliveryDelivered
		d.DeliveredAt = &now
	} else {
		reason = res.Reason()
		resp.Error = reason
		resp.History = append(resp.History, fmt.Sprintf("attempt %d: %s", d.Attempts, reason))

		if delay, ok := NextDelay(d.Attempts); ok {
			outcome = model.OutcomeRetry
			d.Status = model.DeliveryFailed
			d.NextAttemptAt = now.Add(delay)
		} else {
			outcome = model.OutcomeDeadLetter
			d.Status = model.DeliveryDeadLetter
			dl = newDeadLetter(d, strings.Join(resp.History, "; "), now)
		}
	}
	d.Response = resp

	if err := x.deliveries.RecordAttempt(ctx, owner, &d, dl); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(outcome)).Inc()

	log := logger.Log.With(zap.String("delivery_id", d.ID), zap.String("endpoint_id", ep.ID))
	if outcome == model.OutcomeDelivered {
		if err := x.endpoints.RecordSuccess(ctx, ep.ID, res.StatusCode, now); err != nil {
			log.Error("record endpoint success", zap.Error(err))
		}
	} else {
		if err := x.endpoints.RecordFailure(ctx, ep.ID, res.StatusCode, reason, now); err != nil {
			log.Error("record endpoint failure", zap.Error(err))
		}
		log.Info("delivery attempt failed",
			zap.Int("attempt", d.Attempts),
			zap.String("reason", reason),
			zap.String("outcome", string(outcome)))
	}

	if d.Status.Terminal() {
		x.finalize(ctx, d.OutboxEventID)
	}

	return &model.DeliveryAttempt{
		DeliveryID:  d.ID,
		WorkspaceID: d.WorkspaceID,
		EndpointID:  d.EndpointID,
		EventType:   d.EventType,
		Attempt:     uint8(d.Attempts),
		Outcome:     outcome,
		StatusCode:  uint16(res.StatusCode),
		Error:       reason,
		DurationMs:  uint32(res.Duration.Milliseconds()),
		AttemptedAt: now,
	}, nil
}

// deadLetterOrphan parks a delivery whose endpoint no longer exists.
func (x *Dispatcher) deadLetterOrphan(ctx context.Context, owner string, d model.WebhookDelivery) (*model.DeliveryAttempt, error) {
	now := x.now()
	var resp model.DeliveryResponse
	if d.Response != nil {
		resp = *d.Response
	}
	resp.Error = reasonEndpointDeleted
	resp.History = append(append([]string(nil), resp.History...), reasonEndpointDeleted)

	d.Status = model.DeliveryDeadLetter
	d.Response = &resp
	dl := newDeadLetter(d, strings.Join(resp.History, "; "), now)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := x.deliveries.RecordAttempt(ctx, owner, &d, dl); err != nil {
		return nil, fmt.Errorf("dead-letter orphaned delivery: %w", err)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(model.OutcomeDeadLetter)).Inc()
	logger.Log.Warn("endpoint gone, delivery dead-lettered", zap.String("delivery_id", d.ID), zap.String("endpoint_id", d.EndpointID))

	x.finalize(ctx, d.OutboxEventID)
	return nil, nil
}

func newDeadLetter(d model.WebhookDelivery, reason string, now time.Time) *model.DeadLetterEvent {
	last := now
	if d.LastAttemptAt != nil {
		last = *d.LastAttemptAt
	}
	return &model.DeadLetterEvent{
		WorkspaceID:     d.WorkspaceID,
		OriginalEventID: d.ID,
		OutboxEventID:   d.OutboxEventID,
		EndpointID:      d.EndpointID,
		EventType:       d.EventType,
		Payload:         d.Payload,
		FailureReason:   reason,
		Attempts:        d.Attempts,
		LastAttemptAt:   last,
		CreatedAt:       now,
	}
}

// finalize marks the source event processed once none of its deliveries is still open.
func (x *Dispatcher) finalize(ctx context.Context, outboxEventID string) {
	n, err := x.deliveries.CountOpenForEvent(ctx, outboxEventID)
	if err != nil {
		logger.Log.Error("count open deliveries", zap.String("outbox_event_id", outboxEventID), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	if err := x.outbox.MarkProcessed(ctx, outboxEventID, x.now()); err != nil {
		logger.Log.Error("mark outbox processed", zap.String("outbox_event_id", outboxEventID), zap.Error(err))
		return
	}
	metrics.OutboxEventsTotal.WithLabelValues("processed").Inc()
}

func (x *Dispatcher) release(ctx context.Context, owner string, d model.WebhookDelivery, next *time.Time) {
	if err := x.deliveries.Release(ctx, d.ID, owner, next); err != nil {
		logger.Log.Warn("release delivery lease", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}

// Release gives a claimed delivery back untouched; used on shutdown.
func (x *Dispatcher) Release(ctx context.Context, owner string, d model.WebhookDelivery) {
	x.release(ctx, owner, d, nil)
}
