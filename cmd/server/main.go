package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/admin"
	grpcadapter "fulfillment/internal/adapters/grpc"
	"fulfillment/internal/audit"
	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/inventory"
	"fulfillment/internal/notify"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/realtime"
	"fulfillment/internal/reliability"
	"fulfillment/internal/saga"
	"fulfillment/internal/steps"
	"fulfillment/internal/telemetry"

	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const maintenanceInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := telemetry.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(os.Stdout, level, cfg.Telemetry.ServiceName)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.App.Env,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close(logger)

	metrics := observability.NewMetrics()

	sink, journal, err := buildDeadLetterSink(cfg, b)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}
	broker := delivery.NewBroker(delivery.QueueConfig{
		VisibilityTimeout:   cfg.Delivery.VisibilityTimeout,
		MaxReceiveCount:     cfg.Delivery.MaxReceiveCount,
		DeadLetterRetention: cfg.Delivery.DeadLetterRetention,
	}, delivery.DefaultRules(), sink, metrics, logger)
	if journal != nil {
		dead, err := journal.Replay()
		if err != nil {
			return err
		}
		if n := broker.Restore(dead); n > 0 {
			logger.Info("dead letters restored", "count", n)
		}
	}

	ledger := inventory.NewLedger(b.inventory, cfg.Steps.ReserveMaxAttempts, cfg.Steps.ReserveBackoff)
	payments := orders.NewReliablePaymentClient(b.payments, providerGuard(cfg.Reliability))
	shipping := orders.NewReliableShippingClient(b.shipping, providerGuard(cfg.Reliability))
	guard := idempotency.Guard{
		Store: b.idempotency,
		Wait:  cfg.Steps.IdempotencyWait,
		OnRecordError: func(key string, err error) {
			logger.Error("idempotency record failed", "key", key, "error", err)
		},
	}
	stepCfg := steps.Config{
		ReserveTimeout:  cfg.Steps.ReserveTimeout,
		PaymentTimeout:  cfg.Steps.PaymentTimeout,
		ShippingTimeout: cfg.Steps.ShippingTimeout,
		NotifyTimeout:   cfg.Steps.NotifyTimeout,
	}

	coordinator, err := saga.NewCoordinator(saga.Config{
		Timeout:             cfg.Saga.Timeout,
		CompensationTimeout: cfg.Saga.CompensationTimeout,
		DefaultWarehouse:    cfg.App.DefaultWarehouse,
		SweepBatch:          cfg.Saga.SweepBatch,
	}, saga.Deps{
		Store:  b.sagas,
		Orders: b.orders,
		Steps: []saga.Step{
			steps.NewReserveStep(ledger, stepCfg, logger),
			steps.NewPaymentStep(payments, guard, stepCfg),
			steps.NewShippingStep(shipping, stepCfg),
			steps.NewNotifyStep(broker, stepCfg),
		},
		Compensator: steps.NewCompensator(ledger, payments, shipping, logger),
		Publisher:   broker,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	consumers, err := buildConsumers(cfg.Delivery, broker, b.events, hub, metrics, logger)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	limiter := reliability.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpcadapter.RegisterSagaServiceServer(server, grpcadapter.NewSagaServer(coordinator, ledger, broker))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !cfg.App.Production() {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", "env", cfg.App.Env)
	}

	router := admin.NewRouter(admin.Deps{
		Sagas:       coordinator,
		DeadLetters: broker,
		Metrics:     metrics,
		Websocket:   hub,
		Checks:      b.checks,
		Logger:      logger,
	})
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if n, err := coordinator.Resume(ctx); err != nil {
		logger.Warn("saga resume failed", "error", err)
	} else if n > 0 {
		logger.Info("sagas resumed", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return coordinator.RunSweeper(gctx, cfg.Saga.SweepInterval) })
	g.Go(func() error {
		runMaintenance(gctx, broker, b.purge, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", "addr", cfg.GRPC.Addr)
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("admin server listening", "addr", cfg.Admin.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", "error", err)
		}
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sagas still running at shutdown; the next sweep resumes them", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// providerGuard builds the limiter, breaker and retry policy for one external provider.
// Declines and other permanent failures do not trip the breaker.
func providerGuard(cfg config.ReliabilityConfig) reliability.Guard {
	var limiter *reliability.RateLimiter
	if cfg.LimiterInterval > 0 && cfg.LimiterBurst > 0 {
		limiter = reliability.NewRateLimiter(cfg.LimiterInterval, cfg.LimiterBurst, nil)
	}
	return reliability.Guard{
		Limiter: limiter,
		Breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerReset,
			Trips:        func(err error) bool { return fault.Classify(err) == fault.KindTransient },
		}),
		Retry: reliability.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			ShouldRetry: reliability.DefaultShouldRetry,
		},
	}
}

func buildDeadLetterSink(cfg config.Config, b *backends) (delivery.DeadLetterSink, *delivery.FileJournal, error) {
	var sinks []delivery.DeadLetterSink
	if b.deadLetters != nil {
		sinks = append(sinks, b.deadLetters)
	}
	var journal *delivery.FileJournal
	if cfg.Delivery.JournalPath != "" {
		j, err := delivery.NewFileJournal(cfg.Delivery.JournalPath)
		if err != nil {
			return nil, nil, err
		}
		journal = j
		sinks = append(sinks, j)
	}
	switch len(sinks) {
	case 0:
		return nil, journal, nil
	case 1:
		return sinks[0], journal, nil
	default:
		return delivery.NewMultiSink(sinks...), journal, nil
	}
}

// buildConsumers attaches the audit recorder to the step channels and the notifier to
// the notification channel.
func buildConsumers(cfg config.DeliveryConfig, broker *delivery.Broker, events orders.EventLog, hub *realtime.Hub, metrics *observability.Metrics, logger *slog.Logger) ([]*delivery.Consumer, error) {
	backoff := reliability.RetryPolicy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	}
	handlers := map[string]delivery.Handler{
		delivery.ChannelInventory:    audit.NewRecorder(events),
		delivery.ChannelPayment:      audit.NewRecorder(events),
		delivery.ChannelShipping:     audit.NewRecorder(events),
		delivery.ChannelNotification: notify.NewHandler(hub, notify.LogMailer{Logger: logger}, logger),
	}
	consumers := make([]*delivery.Consumer, 0, len(handlers))
	for channel, handler := range handlers {
		q, err := broker.Queue(channel)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, delivery.NewConsumer(q, handler, backoff, cfg.Concurrency, metrics, logger))
	}
	return consumers, nil
}

func runMaintenance(ctx context.Context, broker *delivery.Broker, purgeKeys func(context.Context) (int64, error), logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broker.PurgeDeadLetters(ctx)
			if purgeKeys == nil {
				continue
			}
			if n, err := purgeKeys(ctx); err != nil {
				logger.WarnContext(ctx, "idempotency purge failed", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "idempotency keys purged", "count", n)
			}
		}
	}
}
