package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/util"
)

const SecretPrefix = "whsec_"

var (
	ErrInvalidURL    = errors.New("url must be an absolute http(s) URL")
	ErrInvalidEvents = errors.New("events must list at least one event type or \"*\"")
	ErrInvalidStatus = errors.New("status must be active or disabled")
)

type CreateInput struct {
	URL         string
	Events      []string
	Description *string
	Metadata    model.Metadata
}

// UpdateInput carries a partial update; nil fields are left unchanged.
type UpdateInput struct {
	URL             *string
	Events          []string
	Status          *model.EndpointStatus
	Description     *string
	Metadata        model.Metadata
	ExpectedVersion *int
}

// Registry manages tenant webhook endpoints.
type Registry struct {
	endpoints repository.EndpointRepository
}

func NewRegistry(endpoints repository.EndpointRepository) *Registry {
	return &Registry{endpoints: endpoints}
}

// Create stores a new active endpoint. The secret is only ever returned here and by RotateSecret.
func (r *Registry) Create(ctx context.Context, workspaceID string, in CreateInput) (*model.EndpointWithSecret, error) {
	u, err := normalizeURL(in.URL)
	if err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}
	secret, err := util.NewSecret(SecretPrefix)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	ep := &model.WebhookEndpoint{
		ID:          util.New(),
		WorkspaceID: workspaceID,
		URL:         u,
		Secret:      secret,
		Events:      events,
		Status:      model.EndpointActive,
		Description: in.Description,
		Metadata:    in.Metadata,
		Version:     1,
	}
	if err := r.endpoints.Create(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	return &model.EndpointWithSecret{WebhookEndpoint: *ep, Secret: secret}, nil
}

func (r *Registry) Get(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error) {
	return r.endpoints.Get(ctx, workspaceID, id)
}

func (r *Registry) List(ctx context.Context, workspaceID, cursor string, limit int) (repository.Page[model.WebhookEndpoint], error) {
	return r.endpoints.List(ctx, workspaceID, cursor, limit)
}

// Update applies in to the endpoint. With ExpectedVersion set, a stale version
// fails with repository.ErrVersionConflict; otherwise the current version is used.
func (r *Registry) Update(ctx context.Context, workspaceID, id string, in UpdateInput) (*model.WebhookEndpoint, error) {
	ep, err := r.endpoints.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != ep.Version {
		return nil, repository.ErrVersionConflict
	}

	if in.URL != nil {
		u, err := normalizeURL(*in.URL)
		if err != nil {
			return nil, err
		}
		ep.URL = u
	}
	if in.Events != nil {
		events, err := normalizeEvents(in.Events)
		if err != nil {
			return nil, err
		}
		ep.Events = events
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, ErrInvalidStatus
		}
		ep.Status = *in.Status
	}
	if in.Description != nil {
		ep.Description = in.Description
	}
	if in.Metadata != nil {
		ep.Metadata = in.Metadata
	}

	if err := r.endpoints.Update(ctx, ep, ep.Version); err != nil {
		return nil, err
	}
	return ep, nil
}

func (r *Registry) Delete(ctx context.Context, workspaceID, id string) error {
	return r.endpoints.Delete(ctx, workspaceID, id)
}

// RotateSecret replaces the signing secret; the old one stops working at once.
func (r *Registry) RotateSecret(ctx context.Context, workspaceID, id string) (string, error) {
	secret, err := util.NewSecret(SecretPrefix)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := r.endpoints.UpdateSecret(ctx, workspaceID, id, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func (r *Registry) Enable(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error) {
	return r.setStatus(ctx, workspaceID, id, model.EndpointActive)
}

func (r *Registry) Disable(ctx context.Context, workspaceID, id string) (*model.WebhookEndpoint, error) {
	return r.setStatus(ctx, workspaceID, id, model.EndpointDisabled)
}

func (r *Registry) setStatus(ctx context.Context, workspaceID, id string, status model.EndpointStatus) (*model.WebhookEndpoint, error) {
	if err := r.endpoints.SetStatus(ctx, workspaceID, id, status); err != nil {
		return nil, err
	}
	return r.endpoints.Get(ctx, workspaceID, id)
}

// MatchingEndpoints returns the active endpoints of a workspace subscribed to eventType.
func (r *Registry) MatchingEndpoints(ctx context.Context, workspaceID, eventType string) ([]model.WebhookEndpoint, error) {
	active, err := r.endpoints.ListActive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, ep := range active {
		if ep.Matches(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

func normalizeEvents(in []string) (model.EventList, error) {
	seen := make(map[string]bool, len(in))
	out := make(model.EventList, 0, len(in))
	for _, ev := range in {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			return nil, ErrInvalidEvents
		}
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidEvents
	}
	return out, nil
}
