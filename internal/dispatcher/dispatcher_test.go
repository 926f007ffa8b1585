package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type fixture struct {
	store *memStore
	disp  *Dispatcher
	now   time.Time
}

func newFixture(t *testing.T, sender Sender, endpointURL string) *fixture {
	t.Helper()
	s := newMemStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s.endpoints["ep1"] = &model.WebhookEndpoint{
		ID: "ep1", WorkspaceID: "ws1", URL: endpointURL, Secret: testSecret,
		Events: model.EventList{"*"}, Status: model.EndpointActive, Version: 1,
	}
	s.outbox["evt1"] = &model.OutboxEvent{
		ID: "evt1", WorkspaceID: "ws1", EventType: "subscription.created",
		Payload: json.RawMessage(`{"subscriptionId":"sub_1"}`), Status: model.OutboxPending, CreatedAt: now,
	}
	key := repository.DedupeKey("evt1", "ep1")
	s.deliveries["d1"] = &model.WebhookDelivery{
		ID: "d1", WorkspaceID: "ws1", EndpointID: "ep1", OutboxEventID: "evt1", DedupeKey: &key,
		EventType: "subscription.created", Payload: json.RawMessage(`{"subscriptionId":"sub_1"}`),
		Status: model.DeliveryPending, NextAttemptAt: now, CreatedAt: now,
	}

	d := New(memDeliveries{s: s}, memEndpoints{s: s}, memOutbox{s: s}, sender, NewBreakerSet(100, time.Minute), "2024-06-01")
	d.now = func() time.Time { return now }
	return &fixture{store: s, disp: d, now: now}
}

func (f *fixture) deliver(t *testing.T) *model.DeliveryAttempt {
	t.Helper()
	a, err := f.disp.Deliver(context.Background(), "owner", f.store.delivery("d1"))
	require.NoError(t, err)
	return a
}

func TestDeliver_TwoFailuresThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !signature.Verify(body, r.Header.Get(signature.Header), testSecret, signature.DefaultTolerance, time.Now()) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(body, &env); err != nil || env.ID != r.Header.Get(HeaderWebhookID) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, NewHTTPSender(5*time.Second, "hookrelay-test"), srv.URL)

	a := f.deliver(t)
	require.NotNil(t, a)
	assert.Equal(t, model.OutcomeRetry, a.Outcome)
	d := f.store.delivery("d1")
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, f.now.Add(5*time.Second), d.NextAttemptAt)

	a = f.deliver(t)
	assert.Equal(t, model.OutcomeRetry, a.Outcome)
	d = f.store.delivery("d1")
	assert.Equal(t, f.now.Add(30*time.Second), d.NextAttemptAt)

	a = f.deliver(t)
	assert.Equal(t, model.OutcomeDelivered, a.Outcome)
	assert.Equal(t, uint8(3), a.Attempt)

	d = f.store.delivery("d1")
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 3, d.Attempts)
	require.NotNil(t, d.DeliveredAt)
	assert.Len(t, d.Response.History, 2)

	ep := f.store.endpoint("ep1")
	assert.Equal(t, int64(1), ep.SuccessCount)
	assert.Equal(t, int64(2), ep.FailureCount)
	require.NotNil(t, ep.LastDeliveryStatus)
	assert.Equal(t, 200, *ep.LastDeliveryStatus)

	assert.Equal(t, model.OutboxProcessed, f.store.outbox["evt1"].Status)
	assert.Empty(t, f.store.deadLetters)
}

func TestDeliver_ExhaustionDeadLettersOnce(t *testing.T) {
	sender := &countingSender{results: []Result{{StatusCode: 503}}}
	f := newFixture(t, sender, "https://example.com/hook")

	wantDelays := []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute, 30 * time.Minute}
	for i, delay := range wantDelays {
		a := f.deliver(t)
		assert.Equal(t, model.OutcomeRetry, a.Outcome, "attempt %d", i+1)
		assert.Equal(t, f.now.Add(delay), f.store.delivery("d1").NextAttemptAt)
		assert.Equal(t, model.OutboxPending, f.store.outbox["evt1"].Status)
	}

	a := f.deliver(t)
	assert.Equal(t, model.OutcomeDeadLetter, a.Outcome)

	d := f.store.delivery("d1")
	assert.Equal(t, model.DeliveryDeadLetter, d.Status)
	assert.Equal(t, MaxAttempts, d.Attempts)

	require.Len(t, f.store.deadLetters, 1)
	dl := f.store.deadLetters[0]
	assert.Equal(t, "d1", dl.OriginalEventID)
	assert.Equal(t, "evt1", dl.OutboxEventID)
	assert.Equal(t, MaxAttempts, dl.Attempts)
	assert.Equal(t, 5, strings.Count(dl.FailureReason, "HTTP 503"))
	assert.Equal(t, int64(5), f.store.endpoint("ep1").FailureCount)

	// dead-lettered deliveries are terminal: the event is done
	assert.Equal(t, model.OutboxProcessed, f.store.outbox["evt1"].Status)
	assert.Equal(t, 5, sender.calls)
}

func TestDeliver_DisabledEndpointDefers(t *testing.T) {
	sender := &countingSender{}
	f := newFixture(t, sender, "https://example.com/hook")
	f.store.endpoints["ep1"].Status = model.EndpointDisabled

	a := f.deliver(t)
	assert.Nil(t, a)
	assert.Zero(t, sender.calls)

	d := f.store.delivery("d1")
	assert.Equal(t, 0, d.Attempts)
	assert.Equal(t, model.DeliveryPending, d.Status)
	require.Contains(t, f.store.released, "d1")
	assert.Equal(t, f.now.Add(5*time.Second), *f.store.released["d1"])
}

func TestDeliver_DeletedEndpointDeadLetters(t *testing.T) {
	sender := &countingSender{}
	f := newFixture(t, sender, "https://example.com/hook")
	delete(f.store.endpoints, "ep1")

	a := f.deliver(t)
	assert.Nil(t, a)
	assert.Zero(t, sender.calls)

	assert.Equal(t, model.DeliveryDeadLetter, f.store.delivery("d1").Status)
	require.Len(t, f.store.deadLetters, 1)
	assert.Equal(t, "endpoint deleted", f.store.deadLetters[0].FailureReason)
	assert.Equal(t, model.OutboxProcessed, f.store.outbox["evt1"].Status)
}

func TestDeliver_OpenBreakerReleasesWithoutAttempt(t *testing.T) {
	sender := &countingSender{results: []Result{{Err: errors.New("connection refused")}}}
	f := newFixture(t, sender, "https://example.com/hook")
	f.disp.breakers = NewBreakerSet(1, time.Minute)

	a := f.deliver(t)
	require.NotNil(t, a)
	assert.Equal(t, "connection refused", a.Error)

	a = f.deliver(t)
	assert.Nil(t, a)
	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, 1, f.store.delivery("d1").Attempts)
	assert.Contains(t, f.store.released, "d1")
}

func TestDeliver_MarshalErrorLeavesBreakerUntouched(t *testing.T) {
	sender := &countingSender{}
	f := newFixture(t, sender, "https://example.com/hook")
	f.disp.breakers = NewBreakerSet(1, time.Minute)
	clock := f.now
	br := f.disp.breakers.For("ep1")
	br.now = func() time.Time { return clock }
	br.OnFailure()
	clock = clock.Add(2 * time.Minute)

	f.store.deliveries["d1"].Payload = json.RawMessage(`{bad`)
	_, err := f.disp.Deliver(context.Background(), "owner", f.store.delivery("d1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal envelope")
	assert.Contains(t, f.store.released, "d1")
	assert.Zero(t, sender.calls)

	assert.Equal(t, "open", br.State())
	assert.True(t, br.TryAcquire(), "breaker still admits a trial request")
}

func TestDeliver_RecordsAttemptAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := SenderFunc(func(context.Context, Request) Result {
		cancel()
		return Result{StatusCode: 200}
	})
	f := newFixture(t, sender, "https://example.com/hook")

	a, err := f.disp.Deliver(ctx, "owner", f.store.delivery("d1"))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, model.OutcomeDelivered, a.Outcome)
	assert.Equal(t, model.DeliveryDelivered, f.store.delivery("d1").Status)
	require.Len(t, f.store.recordErrs, 1)
	assert.NoError(t, f.store.recordErrs[0])
}

func TestDeliver_LeaseLostSkipsCounters(t *testing.T) {
	f := newFixture(t, &countingSender{}, "https://example.com/hook")
	f.store.leaseLost = true

	_, err := f.disp.Deliver(context.Background(), "owner", f.store.delivery("d1"))
	assert.ErrorIs(t, err, repository.ErrLeaseLost)
	assert.Zero(t, f.store.endpoint("ep1").SuccessCount)
	assert.Equal(t, model.OutboxPending, f.store.outbox["evt1"].Status)
}

func TestRouter(t *testing.T) {
	s := newMemStore()
	s.endpoints["ep1"] = &model.WebhookEndpoint{ID: "ep1", WorkspaceID: "ws1", Events: model.EventList{"invoice.paid"}, Status: model.EndpointActive}
	s.endpoints["ep2"] = &model.WebhookEndpoint{ID: "ep2", WorkspaceID: "ws1", Events: model.EventList{"*"}, Status: model.EndpointActive}
	s.endpoints["ep3"] = &model.WebhookEndpoint{ID: "ep3", WorkspaceID: "ws1", Events: model.EventList{"*"}, Status: model.EndpointDisabled}
	s.outbox["evt1"] = &model.OutboxEvent{ID: "evt1", WorkspaceID: "ws1", EventType: "invoice.paid", Status: model.OutboxPending}
	s.outbox["evt2"] = &model.OutboxEvent{ID: "evt2", WorkspaceID: "ws2", EventType: "invoice.paid", Status: model.OutboxPending}

	r := NewRouter(memOutbox{s: s}, memDeliveries{s: s}, staticMatcher{s: s}, 2)
	n, err := r.Route(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Len(t, s.deliveries, 2)
	assert.Contains(t, s.deliveries, "del-ep1")
	assert.Contains(t, s.deliveries, "del-ep2")
	assert.Equal(t, model.OutboxPending, s.outbox["evt1"].Status)
	assert.Equal(t, model.OutboxFailed, s.outbox["evt2"].Status)

	// routed events are not picked up twice
	n, err = r.Route(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.deliveries, 2)
}
