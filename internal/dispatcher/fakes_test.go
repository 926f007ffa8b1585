package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmoiron/sqlx"
)

// memStore backs the in-memory repositories used by the dispatcher tests.
type memStore struct {
	mu          sync.Mutex
	deliveries  map[string]*model.WebhookDelivery
	deadLetters []model.DeadLetterEvent
	endpoints   map[string]*model.WebhookEndpoint
	outbox      map[string]*model.OutboxEvent
	released    map[string]*time.Time
	leaseLost   bool
	recordErrs  []error
}

func newMemStore() *memStore {
	return &memStore{
		deliveries: map[string]*model.WebhookDelivery{},
		endpoints:  map[string]*model.WebhookEndpoint{},
		outbox:     map[string]*model.OutboxEvent{},
		released:   map[string]*time.Time{},
	}
}

func (s *memStore) delivery(id string) model.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deliveries[id]
}

func (s *memStore) endpoint(id string) model.WebhookEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.endpoints[id]
}

type memDeliveries struct {
	repository.DeliveryRepository
	s *memStore
}

func (m memDeliveries) CreateForEvent(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent, eps []model.WebhookEndpoint, now time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, ep := range eps {
		key := repository.DedupeKey(ev.ID, ep.ID)
		exists := false
		for _, d := range m.s.deliveries {
			if d.DedupeKey != nil && *d.DedupeKey == key {
				exists = true
			}
		}
		if exists {
			continue
		}
		id := "del-" + ep.ID
		m.s.deliveries[id] = &model.WebhookDelivery{
			ID: id, WorkspaceID: ev.WorkspaceID, EndpointID: ep.ID, OutboxEventID: ev.ID, DedupeKey: &key,
			EventType: ev.EventType, Payload: ev.Payload, Status: model.DeliveryPending, NextAttemptAt: now, CreatedAt: now,
		}
		n++
	}
	return n, nil
}

func (m memDeliveries) Release(_ context.Context, id, _ string, next *time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.released[id] = next
	if next != nil {
		m.s.deliveries[id].NextAttemptAt = *next
	}
	return nil
}

func (m memDeliveries) RecordAttempt(ctx context.Context, _ string, d *model.WebhookDelivery, dl *model.DeadLetterEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.recordErrs = append(m.s.recordErrs, ctx.Err())
	if m.s.leaseLost {
		return repository.ErrLeaseLost
	}
	cp := *d
	m.s.deliveries[d.ID] = &cp
	if dl != nil {
		m.s.deadLetters = append(m.s.deadLetters, *dl)
	}
	return nil
}

func (m memDeliveries) CountOpenForEvent(_ context.Context, outboxEventID string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, d := range m.s.deliveries {
		if d.OutboxEventID == outboxEventID && !d.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

type memEndpoints struct {
	repository.EndpointRepository
	s *memStore
}

func (m memEndpoints) GetByID(_ context.Context, id string) (*model.WebhookEndpoint, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ep, ok := m.s.endpoints[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (m memEndpoints) RecordSuccess(_ context.Context, id string, status int, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ep := m.s.endpoints[id]
	ep.SuccessCount++
	ep.LastDeliveryAt = &at
	ep.LastDeliveryStatus = &status
	return nil
}

func (m memEndpoints) RecordFailure(_ context.Context, id string, status int, reason string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ep := m.s.endpoints[id]
	ep.FailureCount++
	ep.LastErrorAt = &at
	ep.LastError = &reason
	return nil
}

type memOutbox struct {
	repository.OutboxRepository
	s *memStore
}

func (m memOutbox) ListUnrouted(_ context.Context, _ int) ([]model.OutboxEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.OutboxEvent
	for _, ev := range m.s.outbox {
		if ev.Status != model.OutboxPending {
			continue
		}
		routed := false
		for _, d := range m.s.deliveries {
			if d.OutboxEventID == ev.ID {
				routed = true
			}
		}
		if !routed {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m memOutbox) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return m.transition(id, model.OutboxProcessed, at)
}

func (m memOutbox) MarkFailed(_ context.Context, id string, at time.Time) error {
	return m.transition(id, model.OutboxFailed, at)
}

func (m memOutbox) transition(id string, to model.OutboxStatus, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if ev, ok := m.s.outbox[id]; ok && ev.Status == model.OutboxPending {
		ev.Status = to
		ev.ProcessedAt = &at
	}
	return nil
}

// staticMatcher matches every active endpoint of the store against the event type.
type staticMatcher struct{ s *memStore }

func (m staticMatcher) MatchingEndpoints(_ context.Context, ws, eventType string) ([]model.WebhookEndpoint, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.WebhookEndpoint
	for _, ep := range m.s.endpoints {
		if ep.WorkspaceID == ws && ep.Status == model.EndpointActive && ep.Matches(eventType) {
			out = append(out, *ep)
		}
	}
	return out, nil
}

// countingSender records calls and replays scripted results.
type countingSender struct {
	mu      sync.Mutex
	calls   int
	results []Result
}

func (c *countingSender) Send(context.Context, Request) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.results) == 0 {
		return Result{StatusCode: 200}
	}
	r := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	return r
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(context.Context, Request) Result

func (f SenderFunc) Send(ctx context.Context, r Request) Result { return f(ctx, r) }
