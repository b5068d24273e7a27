package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jmerrifield20/RentLedger/internal/audit"
	"github.com/jmerrifield20/RentLedger/internal/config"
	"github.com/jmerrifield20/RentLedger/internal/handler"
	"github.com/jmerrifield20/RentLedger/internal/identity"
	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/notify"
	"github.com/jmerrifield20/RentLedger/internal/rentals"
	"github.com/jmerrifield20/RentLedger/internal/reputation"
	"github.com/jmerrifield20/RentLedger/internal/telemetry"
)

const healthService = "rentledger.Ledger"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(os.Getenv("LEDGERD_CONFIG"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ───────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ── Identity ──────────────────────────────────────────────────────────────
	tokens, err := identity.NewUserTokenIssuer([]byte(cfg.Auth.TokenSecret), "rentledger", cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	// ── Services ──────────────────────────────────────────────────────────────
	rentalSvc := rentals.NewService(st.rentals, logger)
	recorder := reputation.NewRecorder(st.reputation, logger)

	ledgerSvc, err := ledger.NewService(st.events, ledger.NewRosterGate(rentalSvc), logger)
	if err != nil {
		return err
	}
	ledgerSvc.SetAppendTimeout(cfg.Ledger.AppendTimeout)
	ledgerSvc.SetMetrics(handler.LedgerMetrics{})

	// ── Sinks ─────────────────────────────────────────────────────────────────
	hub := notify.NewHub(cfg.Server.CORSOrigins, logger)
	hub.SetAuthorizer(ledgerSvc)
	sinks := []ledger.Sink{recorder, hub}

	var (
		worker    *notify.Worker
		queueSink *notify.QueueSink
		webhooks  *notify.WebhookDispatcher
	)
	if len(cfg.Notify.Webhooks) > 0 {
		webhooks = notify.NewWebhookDispatcher(cfg.Notify.Webhooks, logger)
		webhooks.SetMetricsRecorder(handler.RecordWebhookDelivery)
		if cfg.Notify.AllowPrivateTargets {
			webhooks.SetHTTPClient(&http.Client{Timeout: 5 * time.Second})
			logger.Warn("webhooks may target private networks")
		}
		rentalSvc.SetInviteNotifier(webhooks)

		if cfg.Notify.RedisURL != "" {
			opt, err := notify.ParseRedisURL(cfg.Notify.RedisURL)
			if err != nil {
				return err
			}
			queueSink = notify.NewQueueSink(opt, logger)
			worker = notify.NewWorker(opt, cfg.Ledger.SinkWorkers, webhooks, logger)
			if err := worker.Start(); err != nil {
				return fmt.Errorf("start notification worker: %w", err)
			}
			sinks = append(sinks, queueSink)
			logger.Info("webhook delivery queued through redis", zap.Int("endpoints", len(cfg.Notify.Webhooks)))
		} else {
			sinks = append(sinks, notify.NewWebhookSink(webhooks))
			logger.Info("webhook delivery enabled", zap.Int("endpoints", len(cfg.Notify.Webhooks)))
		}
	}

	dispatcher := ledger.NewDispatcher(cfg.Ledger.SinkWorkers, cfg.Ledger.SinkQueue, logger, sinks...)
	dispatcher.SetDeliveryRecorder(handler.RecordSinkDelivery)
	dispatcher.Start()
	ledgerSvc.SetDispatcher(dispatcher)

	// ── Chain audit ───────────────────────────────────────────────────────────
	auditor := audit.New(rentalSvc, ledgerSvc, audit.Config{
		Interval:    cfg.Ledger.AuditInterval,
		Concurrency: cfg.Ledger.AuditConcurrency,
	}, logger)
	if webhooks != nil {
		auditor.SetAlert(webhooks.ChainBroken)
	}
	if cfg.Ledger.VerifyOnStart {
		go auditor.CheckAll(ctx)
	}
	if cfg.Ledger.AuditInterval > 0 {
		go auditor.Run(ctx)
	}

	// ── HTTP router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := &handler.Router{
		Events:     handler.NewEventHandler(ledgerSvc, hub, logger),
		Rentals:    handler.NewRentalHandler(rentalSvc, logger),
		Reputation: handler.NewReputationHandler(recorder, logger),
		Tokens:     tokens,
		Health:     st.ping,
	}
	router := api.Engine(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer()
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	go watchStorage(ctx, st.ping, healthSvc, logger)

	// ── Start servers ─────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP serve error", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("ledgerd gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	healthSvc.Shutdown()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	// Drain sinks after the last append can no longer arrive.
	dispatcher.Close()
	if queueSink != nil {
		if err := queueSink.Close(); err != nil {
			logger.Warn("close queue client", zap.Error(err))
		}
	}
	if worker != nil {
		worker.Shutdown()
	}

	logger.Info("ledgerd stopped")
	return nil
}

// watchStorage flips the gRPC health status with storage reachability.
func watchStorage(ctx context.Context, ping func(context.Context) error, hs *health.Server, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ping(pingCtx)
		cancel()

		switch {
		case err != nil && serving:
			logger.Warn("storage unreachable", zap.Error(err))
			hs.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			serving = false
		case err == nil && !serving:
			logger.Info("storage reachable again")
			hs.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
			serving = true
		}
	}
}
