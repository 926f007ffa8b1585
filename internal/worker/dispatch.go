package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/util"
	"go.uber.org/zap"
)

// Deliverer performs one attempt for a leased delivery.
type Deliverer interface {
	Deliver(ctx context.Context, owner string, d model.WebhookDelivery) (*model.DeliveryAttempt, error)
	Release(ctx context.Context, owner string, d model.WebhookDelivery)
}

// Router turns pending outbox events into deliveries.
type Router interface {
	Route(ctx context.Context, limit int) (int, error)
}

// Dispatch:
// - routes new outbox events into deliveries,
// - claims due deliveries under a lease and fans them out to processors,
// - batches attempt rows into the ClickHouse attempt log.
type Dispatch struct {
	// Dependencies
	Router     Router
	Deliveries repository.DeliveryRepository
	Deliverer  Deliverer
	Attempts   repository.AttemptLogRepository // nil disables the attempt log

	// Behavior
	Workers      int           // processor goroutines
	BatchSize    int           // max deliveries claimed per poll
	PollInterval time.Duration // wait between polls when idle
	Lease        time.Duration // claim lifetime
	LogBatchSize int           // attempt rows per ClickHouse insert
	LogBatchWait time.Duration // max time an attempt row waits for a flush
}

func NewDispatch(router Router, deliveries repository.DeliveryRepository, deliverer Deliverer, attempts repository.AttemptLogRepository) *Dispatch {
	return &Dispatch{
		Router:       router,
		Deliveries:   deliveries,
		Deliverer:    deliverer,
		Attempts:     attempts,
		Workers:      16,
		BatchSize:    100,
		PollInterval: time.Second,
		Lease:        time.Minute,
		LogBatchSize: 200,
		LogBatchWait: 500 * time.Millisecond,
	}
}

type claimed struct {
	owner    string
	delivery model.WebhookDelivery
}

// Run starts the worker and blocks until ctx is cancelled and in-flight attempts finish.
func (w *Dispatch) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 100
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.Lease <= 0 {
		w.Lease = time.Minute
	}
	if w.LogBatchSize <= 0 {
		w.LogBatchSize = 200
	}
	if w.LogBatchWait <= 0 {
		w.LogBatchWait = 500 * time.Millisecond
	}

	attempts := make(chan model.DeliveryAttempt, w.LogBatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(attempts)
	}()

	work := make(chan claimed, w.Workers*2)
	procDone := make(chan struct{}, w.Workers)
	for i := 0; i < w.Workers; i++ {
		go func() {
			defer func() { procDone <- struct{}{} }()
			w.runProcessor(ctx, work, attempts)
		}()
	}

	w.runPoller(ctx, work)

	close(work)
	for i := 0; i < w.Workers; i++ {
		<-procDone
	}
	close(attempts)
	<-writerDone
	return nil
}

func (w *Dispatch) runPoller(ctx context.Context, work chan<- claimed) {
	tick := time.NewTicker(w.PollInterval)
	defer tick.Stop()

	for {
		w.pollOnce(ctx, work)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (w *Dispatch) pollOnce(ctx context.Context, work chan<- claimed) {
	if _, err := w.Router.Route(ctx, w.BatchSize); err != nil && ctx.Err() == nil {
		logger.Log.Error("route outbox events", zap.Error(err))
	}

	// never lease more than the processors can start before the lease runs out
	free := cap(work) - len(work)
	if free > w.BatchSize {
		free = w.BatchSize
	}
	if free <= 0 {
		return
	}

	owner := util.New()
	batch, err := w.Deliveries.Claim(ctx, owner, time.Now().UTC(), w.Lease, free)
	if err != nil {
		if ctx.Err() == nil {
			logger.Log.Error("claim deliveries", zap.Error(err))
		}
		return
	}
	if len(batch) > 0 {
		logger.Log.Debug("claimed deliveries", zap.String("owner", owner), zap.Int("count", len(batch)))
	}

	for i, d := range batch {
		select {
		case work <- claimed{owner: owner, delivery: d}:
		case <-ctx.Done():
			w.releaseAll(owner, batch[i:])
			return
		}
	}
}

// releaseAll hands unstarted deliveries back so another worker can pick them up
// without waiting for the lease to expire.
func (w *Dispatch) releaseAll(owner string, ds []model.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range ds {
		w.Deliverer.Release(ctx, owner, d)
	}
}

func (w *Dispatch) runProcessor(ctx context.Context, in <-chan claimed, out chan<- model.DeliveryAttempt) {
	for c := range in {
		if ctx.Err() != nil {
			w.releaseAll(c.owner, []model.WebhookDelivery{c.delivery})
			continue
		}

		a, err := w.Deliverer.Deliver(ctx, c.owner, c.delivery)
		if err != nil {
			lvl := logger.Log.Error
			if errors.Is(err, repository.ErrLeaseLost) {
				lvl = logger.Log.Warn
			}
			lvl("deliver", zap.String("delivery_id", c.delivery.ID), zap.Error(err))
			continue
		}
		if a != nil && w.Attempts != nil {
			out <- *a
		}
	}
}

// runBatchWriter does size/time-based flushes of attempt rows to ClickHouse.
// A failed flush is logged and dropped: the attempt log is diagnostic, the
// delivery rows in MySQL stay authoritative.
func (w *Dispatch) runBatchWriter(in <-chan model.DeliveryAttempt) {
	tick := time.NewTicker(w.LogBatchWait)
	defer tick.Stop()

	buf := make([]model.DeliveryAttempt, 0, w.LogBatchSize)
	flush := func() {
		if len(buf) == 0 || w.Attempts == nil {
			buf = buf[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Attempts.InsertBatch(ctx, buf); err != nil {
			logger.Log.Error("flush attempt log", zap.Int("rows", len(buf)), zap.Error(err))
		}
		buf = buf[:0]
	}

	for {
		select {
		case a, ok := <-in:
			if !ok {
				flush()
				return
			}
			buf = append(buf, a)
			if len(buf) >= w.LogBatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
