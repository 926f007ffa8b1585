package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	repository.OutboxRepository
	appended []*model.OutboxEvent
	ids      map[string]bool
}

func (f *fakeOutbox) Append(_ context.Context, _ *sqlx.Tx, ev *model.OutboxEvent) error {
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	if ev.ID == "" {
		ev.ID = "generated"
	}
	if f.ids[ev.ID] {
		return repository.ErrDuplicateKey
	}
	f.ids[ev.ID] = true
	ev.Status = model.OutboxPending
	ev.CreatedAt = time.Now()
	f.appended = append(f.appended, ev)
	return nil
}

func TestPublish(t *testing.T) {
	out := &fakeOutbox{}
	p := NewPublisher(out)

	ev, err := p.Publish(context.Background(), nil, Input{
		WorkspaceID: "ws1",
		EventType:   "subscription.created",
		AggregateID: "sub_1",
		Payload:     json.RawMessage(`{"plan":"pro"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "subscription", ev.AggregateType)
	assert.Equal(t, model.OutboxPending, ev.Status)
	assert.Len(t, out.appended, 1)
}

func TestPublish_Validation(t *testing.T) {
	p := NewPublisher(&fakeOutbox{})
	ctx := context.Background()

	cases := []struct {
		name string
		in   Input
		want error
	}{
		{"no workspace", Input{EventType: "a.b", Payload: json.RawMessage(`{}`)}, ErrMissingWorkspace},
		{"bad id", Input{ID: "evt-1", WorkspaceID: "ws1", EventType: "a.b", Payload: json.RawMessage(`{}`)}, ErrInvalidID},
		{"flat type", Input{WorkspaceID: "ws1", EventType: "created", Payload: json.RawMessage(`{}`)}, ErrInvalidEventType},
		{"upper case", Input{WorkspaceID: "ws1", EventType: "Sub.Created", Payload: json.RawMessage(`{}`)}, ErrInvalidEventType},
		{"array payload", Input{WorkspaceID: "ws1", EventType: "a.b", Payload: json.RawMessage(`[1]`)}, ErrInvalidPayload},
		{"null payload", Input{WorkspaceID: "ws1", EventType: "a.b", Payload: json.RawMessage(`null`)}, ErrInvalidPayload},
		{"empty payload", Input{WorkspaceID: "ws1", EventType: "a.b"}, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Publish(ctx, nil, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPublish_DuplicateID(t *testing.T) {
	p := NewPublisher(&fakeOutbox{})
	in := Input{ID: "01HX0000000000000000000000", WorkspaceID: "ws1", EventType: "invoice.paid", Payload: json.RawMessage(`{}`)}

	_, err := p.Publish(context.Background(), nil, in)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), nil, in)
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)
}
