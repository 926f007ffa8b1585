package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EndpointMatcher resolves the active endpoints subscribed to an event type.
type EndpointMatcher interface {
	MatchingEndpoints(ctx context.Context, workspaceID, eventType string) ([]model.WebhookEndpoint, error)
}

// Router fans pending outbox events out into per-endpoint deliveries.
type Router struct {
	outbox      repository.OutboxRepository
	deliveries  repository.DeliveryRepository
	matcher     EndpointMatcher
	concurrency int
	now         func() time.Time
}

func NewRouter(outbox repository.OutboxRepository, deliveries repository.DeliveryRepository, matcher EndpointMatcher, concurrency int) *Router {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Router{
		outbox:      outbox,
		deliveries:  deliveries,
		matcher:     matcher,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Route picks up to limit unrouted events and creates their deliveries.
// An event no endpoint subscribes to is marked failed. Returns the number of events routed.
func (r *Router) Route(ctx context.Context, limit int) (int, error) {
	events, err := r.outbox.ListUnrouted(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unrouted events: %w", err)
	}

	var routed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			if err := r.routeOne(ctx, ev); err != nil {
				// one bad event must not hold back the rest
				logger.Log.Error("route outbox event", zap.String("outbox_event_id", ev.ID), zap.Error(err))
				return nil
			}
			routed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(routed.Load()), nil
}

func (r *Router) routeOne(ctx context.Context, ev model.OutboxEvent) error {
	endpoints, err := r.matcher.MatchingEndpoints(ctx, ev.WorkspaceID, ev.EventType)
	if err != nil {
		return fmt.Errorf("match endpoints: %w", err)
	}

	now := r.now()
	if len(endpoints) == 0 {
		metrics.OutboxEventsTotal.WithLabelValues("unmatched").Inc()
		return r.outbox.MarkFailed(ctx, ev.ID, now)
	}

	n, err := r.deliveries.CreateForEvent(ctx, nil, ev, endpoints, now)
	if err != nil {
		return fmt.Errorf("create deliveries: %w", err)
	}
	metrics.OutboxEventsTotal.WithLabelValues("routed").Inc()
	logger.Log.Debug("outbox event routed",
		zap.String("outbox_event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.Int("deliveries", n))
	return nil
}
