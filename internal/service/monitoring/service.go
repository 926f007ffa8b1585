package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
)

// DefaultBreakdownWindow is the look-back of GetEventTypeBreakdown when none is given.
const DefaultBreakdownWindow = 7 * 24 * time.Hour

type Stats struct {
	Total           int64      `json:"total"`
	Pending         int64      `json:"pending"`
	Delivered       int64      `json:"delivered"`
	Failed          int64      `json:"failed"`
	DeadLetter      int64      `json:"deadLetter"`
	DeliveryRate    float64    `json:"deliveryRate"`
	AverageAttempts float64    `json:"averageAttempts"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
}

type EndpointHealth struct {
	EndpointID     string               `json:"endpointId"`
	URL            string               `json:"url"`
	Status         model.EndpointStatus `json:"status"`
	Health         HealthStatus         `json:"health"`
	SuccessRate    float64              `json:"successRate"`
	SuccessCount   int64                `json:"successCount"`
	FailureCount   int64                `json:"failureCount"`
	PendingCount   int64                `json:"pendingCount"`
	LastDeliveryAt *time.Time           `json:"lastDeliveryAt,omitempty"`
	LastErrorAt    *time.Time           `json:"lastErrorAt,omitempty"`
	LastError      *string              `json:"lastError,omitempty"`
}

type EventTypeStats struct {
	EventType    string  `json:"eventType"`
	Total        int64   `json:"total"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	DeadLetter   int64   `json:"deadLetter"`
	DeliveryRate float64 `json:"deliveryRate"`
}

// Service derives read-only views from deliveries, endpoints and the attempt log.
type Service struct {
	deliveries repository.DeliveryRepository
	endpoints  repository.EndpointRepository
	attempts   repository.AttemptLogRepository // nil when the attempt log is off
	now        func() time.Time
}

func New(deliveries repository.DeliveryRepository, endpoints repository.EndpointRepository, attempts repository.AttemptLogRepository) *Service {
	return &Service{
		deliveries: deliveries,
		endpoints:  endpoints,
		attempts:   attempts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// deliveryRate is delivered over settled-or-failing deliveries; pending rows are not counted.
func deliveryRate(delivered, failed, deadLetter int64) float64 {
	den := delivered + failed + deadLetter
	if den == 0 {
		return 100
	}
	return round(float64(delivered)/float64(den)*100, 2)
}

func (s *Service) GetStats(ctx context.Context, workspaceID string, from, to *time.Time) (*Stats, error) {
	var w repository.Window
	if from != nil {
		w.From = *from
	}
	if to != nil {
		w.To = *to
	}

	counts, err := s.deliveries.CountByStatus(ctx, workspaceID, w)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	avg, err := s.deliveries.AverageDeliveredAttempts(ctx, workspaceID, w)
	if err != nil {
		return nil, fmt.Errorf("average attempts: %w", err)
	}

	st := &Stats{
		Pending:         counts[model.DeliveryPending],
		Delivered:       counts[model.DeliveryDelivered],
		Failed:          counts[model.DeliveryFailed],
		DeadLetter:      counts[model.DeliveryDeadLetter],
		AverageAttempts: round(avg, 1),
		From:            from,
		To:              to,
	}
	st.Total = st.Pending + st.Delivered + st.Failed + st.DeadLetter
	st.DeliveryRate = deliveryRate(st.Delivered, st.Failed, st.DeadLetter)
	return st, nil
}

func (s *Service) GetEndpointHealth(ctx context.Context, workspaceID string) ([]EndpointHealth, error) {
	eps, err := s.endpoints.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	pending, err := s.deliveries.CountPendingByEndpoint(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	now := s.now()
	out := make([]EndpointHealth, 0, len(eps))
	for _, ep := range eps {
		health, rate := Classify(ep, now)
		out = append(out, EndpointHealth{
			EndpointID:     ep.ID,
			URL:            ep.URL,
			Status:         ep.Status,
			Health:         health,
			SuccessRate:    rate,
			SuccessCount:   ep.SuccessCount,
			FailureCount:   ep.FailureCount,
			PendingCount:   pending[ep.ID],
			LastDeliveryAt: ep.LastDeliveryAt,
			LastErrorAt:    ep.LastErrorAt,
			LastError:      ep.LastError,
		})
	}
	return out, nil
}

// GetEventTypeBreakdown groups deliveries created within window (default 7 days) by event type.
func (s *Service) GetEventTypeBreakdown(ctx context.Context, workspaceID string, window time.Duration) ([]EventTypeStats, error) {
	if window <= 0 {
		window = DefaultBreakdownWindow
	}
	rows, err := s.deliveries.CountByEventType(ctx, workspaceID, repository.Window{From: s.now().Add(-window)})
	if err != nil {
		return nil, fmt.Errorf("count by event type: %w", err)
	}

	out := make([]EventTypeStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventTypeStats{
			EventType:    r.EventType,
			Total:        r.Total,
			Delivered:    r.Delivered,
			Failed:       r.Failed,
			DeadLetter:   r.DeadLetter,
			DeliveryRate: deliveryRate(r.Delivered, r.Failed, r.DeadLetter),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

// ListAttempts returns the logged attempts of one delivery after checking it belongs to the workspace.
func (s *Service) ListAttempts(ctx context.Context, workspaceID, deliveryID string) ([]model.DeliveryAttempt, error) {
	if _, err := s.deliveries.Get(ctx, workspaceID, deliveryID); err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []model.DeliveryAttempt{}, nil
	}
	rows, err := s.attempts.ListByDelivery(ctx, workspaceID, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return rows, nil
}
