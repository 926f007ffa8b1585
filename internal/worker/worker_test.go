package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/hookrelay/internal/kafka"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/events"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRouter) Route(context.Context, int) (int, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return 0, nil
}

type fakeClaims struct {
	repository.DeliveryRepository
	mu      sync.Mutex
	pending []model.WebhookDelivery
	owners  map[string]string
}

func (f *fakeClaims) Claim(_ context.Context, owner string, _ time.Time, _ time.Duration, limit int) ([]model.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	out := f.pending[:limit]
	f.pending = f.pending[limit:]
	for _, d := range out {
		f.owners[d.ID] = owner
	}
	return out, nil
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string]string
}

func (f *fakeDeliverer) Deliver(_ context.Context, owner string, d model.WebhookDelivery) (*model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[d.ID] = owner
	return &model.DeliveryAttempt{DeliveryID: d.ID, Attempt: 1, Outcome: model.OutcomeDelivered, StatusCode: 200}, nil
}

func (f *fakeDeliverer) Release(context.Context, string, model.WebhookDelivery) {}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type fakeAttemptLog struct {
	mu      sync.Mutex
	rows    []model.DeliveryAttempt
	batches int
}

func (f *fakeAttemptLog) InsertBatch(_ context.Context, rows []model.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	f.batches++
	return nil
}

func (f *fakeAttemptLog) ListByDelivery(context.Context, string, string) ([]model.DeliveryAttempt, error) {
	return nil, nil
}

func (f *fakeAttemptLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestDispatch_ClaimsDeliversAndLogs(t *testing.T) {
	claims := &fakeClaims{owners: map[string]string{}}
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		claims.pending = append(claims.pending, model.WebhookDelivery{ID: id})
	}
	router := &fakeRouter{}
	deliverer := &fakeDeliverer{delivered: map[string]string{}}
	attempts := &fakeAttemptLog{}

	w := NewDispatch(router, claims, deliverer, attempts)
	w.Workers = 2
	w.BatchSize = 2
	w.PollInterval = 10 * time.Millisecond
	w.LogBatchSize = 100
	w.LogBatchWait = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return deliverer.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return attempts.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch worker did not stop")
	}

	// every delivery is attempted by the owner that claimed it
	for id, owner := range deliverer.delivered {
		assert.Equal(t, claims.owners[id], owner, id)
	}
	router.mu.Lock()
	assert.Greater(t, router.calls, 1)
	router.mu.Unlock()
}

type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	seen     map[string]bool
	inputs   []events.Input
}

func (p *fakePublisher) Publish(_ context.Context, _ *sqlx.Tx, in events.Input) (*model.OutboxEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in.EventType == "bad" {
		return nil, events.ErrInvalidEventType
	}
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("mysql: connection refused")
	}
	if p.seen[in.ID] {
		return nil, repository.ErrDuplicateKey
	}
	p.seen[in.ID] = true
	p.inputs = append(p.inputs, in)
	return &model.OutboxEvent{ID: in.ID}, nil
}

func ingestMsg(t *testing.T, offset int64, msg model.IngestMessage) kafka.Message {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

const (
	evtA = "01J9Z0000000000000000000A1"
	evtB = "01J9Z0000000000000000000B2"
	evtC = "01J9Z0000000000000000000C3"
)

func TestIngest_CommitsAfterAppend(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{
		ingestMsg(t, 1, model.IngestMessage{ID: evtA, WorkspaceID: "ws1", EventType: "invoice.paid", Payload: json.RawMessage(`{}`)}),
		{Offset: 2, Value: []byte("{not json")},
		ingestMsg(t, 3, model.IngestMessage{ID: evtB, WorkspaceID: "ws1", EventType: "bad", Payload: json.RawMessage(`{}`)}),
		ingestMsg(t, 4, model.IngestMessage{ID: evtA, WorkspaceID: "ws1", EventType: "invoice.paid", Payload: json.RawMessage(`{}`)}),
		{Offset: 5, Key: []byte(evtC), Value: []byte(`{"workspaceId":"ws1","eventType":"invoice.paid","payload":{}}`)},
	}}
	pub := &fakePublisher{failures: 2, seen: map[string]bool{}}

	w := NewIngest(src, pub)
	w.RetryMin = time.Millisecond
	w.RetryMax = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.commits()) == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, src.commits())
	require.Len(t, pub.inputs, 2)
	assert.Equal(t, evtA, pub.inputs[0].ID)
	assert.Equal(t, evtC, pub.inputs[1].ID, "message key is the fallback id")
}

func TestIngest_IDLessRedeliveryAppendsOnce(t *testing.T) {
	raw := []byte(`{"workspaceId":"ws1","eventType":"invoice.paid","payload":{}}`)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	redelivered := kafka.Message{Topic: "events", Partition: 3, Offset: 7, Time: at, Key: []byte("order-42"), Value: raw}
	src := &fakeSource{msgs: []kafka.Message{
		redelivered,
		{Topic: "events", Partition: 3, Offset: 8, Time: at, Value: raw},
		redelivered,
	}}
	pub := &fakePublisher{seen: map[string]bool{}}

	w := NewIngest(src, pub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, pub.inputs, 2, "the replayed offset is absorbed as a duplicate")
	assert.NotEmpty(t, pub.inputs[0].ID)
	assert.NotEqual(t, pub.inputs[0].ID, pub.inputs[1].ID)
	assert.Equal(t, messageID(redelivered), pub.inputs[0].ID)
}
