// Package app собирает сервис аренды: хранилища, сагу, расчёты, фоновые
// воркеры и серверы HTTP API, gRPC health и метрик.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/rms/internal/auth"
	healthcheck "github.com/vladislavdragonenkov/rms/internal/health"
	"github.com/vladislavdragonenkov/rms/internal/httpapi"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/metrics"
	"github.com/vladislavdragonenkov/rms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/rms/internal/service/inventory"
	"github.com/vladislavdragonenkov/rms/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	grpcHealthInterval = 10 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// ErrJWTSecretRequired: без секрета API не сможет проверять токены.
var ErrJWTSecretRequired = errors.New("jwt secret is required")

// Run поднимает сервис и блокируется до отмены ctx или падения сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithFields(version.Fields()).WithField("component", "app")
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return ErrJWTSecretRequired
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	redisClient := newRedisClient(cfg.RedisAddr)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	sagaMetrics := metrics.NewSagaMetrics()
	locker := newUnitLocker(cfg, redisClient, logger)
	svc := createServices(cfg, deps, locker, sagaMetrics, logger)

	healthHandler := newHealthHandler(cfg, deps, redisClient)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers sync.WaitGroup
	startWorker := func(fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(runCtx)
		}()
	}

	bus := newMessaging(cfg, logger)
	defer bus.close()

	if relay := bus.relay(deps.outboxRepo); relay != nil {
		startWorker(relay.Run)
	}
	confirmations := kafka.NewPaymentConfirmationHandler(svc.coordinator, logger.WithField("component", "payment-confirmation-handler"))
	if err := bus.consume(runCtx, confirmations); err != nil {
		return err
	}

	sweeper := idempotency.NewSweeper(
		deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-sweeper")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithStaleAfter(cfg.IdempotencyStaleAfter),
		idempotency.WithMetrics(metrics.NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)),
	)
	startWorker(sweeper.Run)

	reconciler := inventory.NewReconciler(deps.units, deps.rentals, cfg.ReconcileSpec, logger.WithField("component", "reconciler"))
	startWorker(func(ctx context.Context) {
		if err := reconciler.Start(ctx); err != nil {
			logger.WithError(err).Error("unit status reconciler failed to start")
		}
	})

	api := httpapi.NewHandler(
		svc.orchestrator,
		svc.coordinator,
		svc.resolver,
		auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		logger.WithField("component", "httpapi"),
		httpapi.WithTimeline(deps.timelineRepo),
	)

	grpcServer, grpcHealth := newGRPCServer(logger)
	startWorker(func(ctx context.Context) {
		syncGRPCHealth(ctx, grpcHealth, healthHandler)
	})

	metricsSrv, err := startMetricsServer(runCtx, cfg.MetricsAddr, logger, healthHandler)
	if err != nil {
		return err
	}

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	apiSrv := &http.Server{Handler: api.Router(), ReadHeaderTimeout: readHeaderTimeout}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed, shutting down")
	}

	grpcHealth.Shutdown()
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(metricsSrv, logger)

	cancel()
	bus.stopConsumer()
	workers.Wait()

	return runErr
}

// newHealthHandler регистрирует проверки всех настроенных зависимостей.
func newHealthHandler(cfg Config, deps *runtimeDependencies, redisClient redis.UniversalClient) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.GetVersion())
	if deps.store != nil {
		h.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", deps.store.Ping))
	}
	if redisClient != nil {
		h.RegisterChecker("redis", healthcheck.NewRedisChecker(redisClient))
	}
	h.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.outboxRepo, cfg.OutboxStaleAfter))
	return h
}

// newGRPCServer создаёт gRPC сервер со стандартным health-сервисом и метриками.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	grpcMetrics.InitializeMetrics(server)
	reflection.Register(server)

	return server, healthServer
}

// syncGRPCHealth переносит итог HTTP health-проверок в gRPC health-сервис.
func syncGRPCHealth(ctx context.Context, server *health.Server, checks *healthcheck.Handler) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if checks.Evaluate(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus("", status)
		server.SetServingStatus(version.Service, status)
	}

	update()
	ticker := time.NewTicker(grpcHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: metricsMux(healthHandler), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", lis.Addr())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv, nil
}

func metricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
