package deadletter

import (
	"context"
	"time"

	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"go.uber.org/zap"
)

// Service exposes dead letters to operators.
type Service struct {
	store repository.DeadLetterRepository
	now   func() time.Time
}

func New(store repository.DeadLetterRepository) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) List(ctx context.Context, f repository.DeadLetterFilter) (repository.Page[model.DeadLetterEvent], error) {
	return s.store.List(ctx, f)
}

// Retry re-queues a dead letter as a fresh pending delivery due immediately.
// Whether the endpoint is still active is decided at dispatch time, not here.
func (s *Service) Retry(ctx context.Context, workspaceID, id string) (*model.WebhookDelivery, error) {
	d, err := s.store.Requeue(ctx, workspaceID, id, s.now())
	if err != nil {
		return nil, err
	}
	logger.Log.Info("dead letter re-queued",
		zap.String("dead_letter_id", id),
		zap.String("delivery_id", d.ID),
		zap.String("endpoint_id", d.EndpointID))
	return d, nil
}
