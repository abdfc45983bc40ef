package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/config"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/dispatchapi"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/ffmpeg"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/mediafetch"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
	miniostorage "github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/minio"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/postgres"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/tracing"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/whisper"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/usecase"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/worker"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/logger"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/pkg/token"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	workerType, ok := entity.ParseJobType(cfg.WorkerType)
	if !ok {
		panic("invalid WORKER_TYPE: " + cfg.WorkerType)
	}

	log.Info("starting unpuzzle-worker", zap.String("worker_type", string(workerType)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, "unpuzzle-worker", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	fatalOnErr(os.MkdirAll(cfg.TempDir, 0755), "create temp dir")

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	if err := postgres.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// Analysis engine for this worker's type
	probe := ffmpeg.NewProbe(cfg.FFprobeBin)
	analyzers := map[entity.JobType]port.MediaAnalyzer{}

	switch workerType {
	case entity.JobTypeDuration:
		analyzers[entity.JobTypeDuration] = ffmpeg.NewDurationAnalyzer(probe, log)
	case entity.JobTypeThumbnail:
		storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
			Endpoint:        cfg.MinIOEndpoint,
			AccessKey:       cfg.MinIOAccessKey,
			SecretKey:       cfg.MinIOSecretKey,
			UseSSL:          cfg.MinIOUseSSL,
			MediaBucket:     cfg.MinIOMediaBucket,
			ThumbnailBucket: cfg.MinIOThumbnailBucket,
		})
		fatalOnErr(err, "create minio storage")
		fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")
		analyzers[entity.JobTypeThumbnail] = ffmpeg.NewThumbnailAnalyzer(
			cfg.FFmpegBin, probe, cfg.ThumbnailFormat, cfg.TempDir, storage, log)
	case entity.JobTypeTranscription:
		analyzers[entity.JobTypeTranscription] = whisper.NewTranscriber(
			cfg.WhisperBin, cfg.FFmpegBin, cfg.WhisperModel, probe, cfg.TempDir, log)
	}

	// Infra adapters
	signer := token.NewSigner(cfg.SigningSecret, cfg.TokenMaxAge)
	fetcher := mediafetch.NewFetcher(cfg.GatewayURL, signer, log)
	repo := postgres.NewArtifactRepository(pool)
	client := dispatchapi.NewClient(cfg.DispatcherURL, cfg.LongPollTimeout, log)

	// Use case
	uc := usecase.NewProcessJobUseCase(
		client, fetcher, analyzers, repo,
		log,
		usecase.ProcessJobConfig{
			TempDir:          cfg.TempDir,
			MediaPathPattern: cfg.MediaPathPattern,
		},
	)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	runner := worker.NewRunner(client, uc, worker.Config{
		WorkerType:    workerType,
		WorkerID:      cfg.WorkerID,
		Concurrency:   cfg.WorkerConcurrency,
		PollInterval:  cfg.PollInterval,
		RenewInterval: cfg.RenewInterval,
	}, log)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("unpuzzle-worker started, polling for jobs")

	if err := runner.Start(ctx); err != nil {
		log.Error("runner error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("unpuzzle-worker stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
