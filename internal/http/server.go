package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/hookrelay/internal/config"
	"github.com/jmehdipour/hookrelay/internal/http/middleware"
	"github.com/jmehdipour/hookrelay/internal/logger"
	"github.com/jmehdipour/hookrelay/internal/metrics"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/jmehdipour/hookrelay/internal/service/deadletter"
	"github.com/jmehdipour/hookrelay/internal/service/events"
	"github.com/jmehdipour/hookrelay/internal/service/monitoring"
	"github.com/jmehdipour/hookrelay/internal/service/webhooks"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// API bundles what the /v1 routes call into.
type API struct {
	Publisher   EventPublisher
	Events      EventLister
	Endpoints   EndpointService
	Deliveries  DeliveryLister
	Attempts    AttemptLister
	DeadLetters DeadLetterService
	Monitor     Monitor
}

type Server struct{ e *echo.Echo }

// NewServer wires repositories and services. clickhouseDB may be nil when the attempt log is disabled.
func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	workspacesRepo := repository.NewWorkspaceRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	endpointsRepo := repository.NewEndpointRepository(mysqlDB)
	deliveriesRepo := repository.NewDeliveryRepository(mysqlDB)
	deadLettersRepo := repository.NewDeadLetterRepository(mysqlDB)

	// repos (ClickHouse)
	var attemptsRepo repository.AttemptLogRepository
	if clickhouseDB != nil {
		attemptsRepo = repository.NewAttemptLogRepository(clickhouseDB)
	}

	var idemStore repository.IdempotencyStore = repository.NewMySQLIdempotencyStore(mysqlDB)
	if cfg.Idempotency.Backend == "redis" {
		idemStore = repository.NewRedisIdempotencyStore(rds)
	}

	monitor := monitoring.New(deliveriesRepo, endpointsRepo, attemptsRepo)
	api := API{
		Publisher:   events.NewPublisher(outboxRepo),
		Events:      outboxRepo,
		Endpoints:   webhooks.NewRegistry(endpointsRepo),
		Deliveries:  deliveriesRepo,
		Attempts:    monitor,
		DeadLetters: deadletter.New(deadLettersRepo),
		Monitor:     monitor,
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(workspacesRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:ws:",
		Window:         time.Second,
		RetryAfterHint: true,
	})
	idemMW := middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
		Store: idemStore,
		TTL:   cfg.Idempotency.TTL,
	})

	registerRoutes(e.Group("/v1", authMW, rlMW, idemMW), api)

	return &Server{e: e}
}

func registerRoutes(v1 *echo.Group, api API) {
	v1.POST("/events", publishEventHandler(api.Publisher))
	v1.GET("/events", listEventsHandler(api.Events))

	wh := v1.Group("/webhooks")
	wh.POST("/endpoints", createEndpointHandler(api.Endpoints))
	wh.GET("/endpoints", listEndpointsHandler(api.Endpoints))
	wh.GET("/endpoints/:id", getEndpointHandler(api.Endpoints))
	wh.PATCH("/endpoints/:id", updateEndpointHandler(api.Endpoints))
	wh.DELETE("/endpoints/:id", deleteEndpointHandler(api.Endpoints))
	wh.POST("/endpoints/:id/rotate-secret", rotateSecretHandler(api.Endpoints))
	wh.POST("/endpoints/:id/enable", setEndpointStatusHandler(api.Endpoints, true))
	wh.POST("/endpoints/:id/disable", setEndpointStatusHandler(api.Endpoints, false))

	wh.GET("/deliveries", listDeliveriesHandler(api.Deliveries))
	wh.GET("/deliveries/:id/attempts", listAttemptsHandler(api.Attempts))

	wh.GET("/dead-letters", listDeadLettersHandler(api.DeadLetters))
	wh.POST("/dead-letters/:id/retry", retryDeadLetterHandler(api.DeadLetters))

	wh.GET("/stats", statsHandler(api.Monitor))
	wh.GET("/health", endpointHealthHandler(api.Monitor))
	wh.GET("/event-types", eventTypesHandler(api.Monitor))
}

func (s *Server) Start(addr string) error {
	logger.Log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
