package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/config"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/email"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/events"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/httpapi"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/memory"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/rabbitmq"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/tracing"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/ws"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/usecase"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting unpuzzle-dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, "unpuzzle-dispatcher", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	store := memory.NewJobStore(cfg.LeaseTTL)

	// The hub needs the service for inbound commands and the service needs
	// the hub as an event sink; the closure breaks the cycle.
	var svc *usecase.DispatchService
	hub := ws.NewHub(func(ctx context.Context, userID string, raw []byte) error {
		return svc.HandleCommand(ctx, userID, raw)
	}, log)

	sinks := []port.EventSink{hub}

	if cfg.RabbitMQURL != "" {
		pub, err := rabbitmq.NewEventPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, log)
		if err != nil {
			log.Warn("rabbitmq unavailable, events stay local", zap.Error(err))
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	if cfg.SMTPHost != "" && cfg.NotificationTo != "" {
		sinks = append(sinks, email.NewFailureAlerter(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.NotificationTo, log))
	}

	svc = usecase.NewDispatchService(store, events.NewFanout(sinks...), log, usecase.DispatchConfig{
		LeaseSweepInterval: cfg.LeaseSweep,
		LongPollMax:        cfg.LongPollTimeout,
	})

	go svc.RunReclaimLoop(ctx)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	api := httpapi.NewServer(svc, hub, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DispatcherPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("unpuzzle-dispatcher listening", zap.Int("port", cfg.DispatcherPort))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server error", zap.Error(err))
	}

	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("unpuzzle-dispatcher stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
