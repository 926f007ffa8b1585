package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/hookrelay/internal/db"
	"github.com/jmehdipour/hookrelay/internal/dispatcher"
	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/webhooks"
	"github.com/jmehdipour/hookrelay/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Route outbox events and deliver webhooks",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9101", "address for /metrics, empty to disable")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connections
	dbx, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	var attempts repository.AttemptLogRepository
	if cfg.AttemptLog.Enabled {
		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()
		attempts = repository.NewAttemptLogRepository(chDB)
	}

	// 3) repositories
	outboxRepo := repository.NewOutboxRepository(dbx)
	endpointsRepo := repository.NewEndpointRepository(dbx)
	deliveriesRepo := repository.NewDeliveryRepository(dbx)

	// 4) router + dispatcher
	dc := cfg.Dispatcher
	router := dispatcher.NewRouter(outboxRepo, deliveriesRepo, webhooks.NewRegistry(endpointsRepo), 4)
	disp := dispatcher.New(
		deliveriesRepo,
		endpointsRepo,
		outboxRepo,
		dispatcher.NewHTTPSender(dc.RequestTimeout, dc.UserAgent),
		dispatcher.NewBreakerSet(dc.Breaker.FailThreshold, dc.Breaker.OpenFor),
		dc.APIVersion,
	)

	w := worker.NewDispatch(router, deliveriesRepo, disp, attempts)

	// tune knobs
	if dc.WorkerCount > 0 {
		w.Workers = dc.WorkerCount
	}
	if dc.BatchSize > 0 {
		w.BatchSize = dc.BatchSize
	}
	if dc.PollInterval > 0 {
		w.PollInterval = dc.PollInterval
	}
	if dc.Lease > 0 {
		w.Lease = dc.Lease
	}
	if cfg.AttemptLog.BatchSize > 0 {
		w.LogBatchSize = cfg.AttemptLog.BatchSize
	}
	if cfg.AttemptLog.BatchWait > 0 {
		w.LogBatchWait = cfg.AttemptLog.BatchWait
	}

	// 5) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	log.Printf(">> dispatch started workers=%d batchSize=%d poll=%s lease=%s attemptLog=%t",
		w.Workers, w.BatchSize, w.PollInterval, w.Lease, attempts != nil)

	return w.Run(ctx)
}
