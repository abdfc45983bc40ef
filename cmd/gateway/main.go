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

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/cache"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/config"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/gateway"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/tracing"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/logger"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/token"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting unpuzzle-gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, "unpuzzle-gateway", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	var store cache.Cache
	switch cfg.CacheBackend {
	case "redis":
		redisCache := cache.NewRedis(cfg.RedisAddr, log)
		fatalOnErr(redisCache.Ping(ctx), "connect to redis")
		defer redisCache.Close()
		store = redisCache
	default:
		store = cache.NewMemory(cfg.CacheMaxTotalBytes)
	}
	log.Info("response cache ready", zap.String("backend", cfg.CacheBackend))

	signer := token.NewSigner(cfg.SigningSecret, cfg.TokenMaxAge)

	srv := gateway.NewServer(gateway.Config{
		OriginBaseURL:     cfg.OriginBaseURL,
		OriginTimeout:     cfg.OriginTimeout,
		RequireToken:      cfg.GatewayRequireToken,
		RequireIPBound:    cfg.TokenBindIP,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxObjectBytes:    cfg.CacheMaxObjectBytes,
		MediaTTL:          cfg.CacheTTLMedia,
		DefaultTTL:        cfg.CacheTTLDefault,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
	}, signer, store, log)
	srv.StartJanitor(ctx)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.GatewayPort),
		Handler:           srv.Handler(),
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
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("unpuzzle-gateway listening",
		zap.Int("port", cfg.GatewayPort),
		zap.String("origin", cfg.OriginBaseURL),
	)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("unpuzzle-gateway stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
