package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
)

// ProcessJobUseCase runs one leased job end to end: fetch each video
// through the gateway, run the job type's analyzer over the local file,
// persist the artifact, and report progress after every step.
//
// Video i of n owns the progress window [i/n, (i+1)/n); analyzer callbacks
// are scaled into it so a batch moves the bar smoothly.
type ProcessJobUseCase struct {
	client      port.JobClient
	fetcher     port.MediaFetcher
	analyzers   map[entity.JobType]port.MediaAnalyzer
	repo        port.ArtifactRepository
	logger      *zap.Logger
	tempDir     string
	pathPattern string
}

type ProcessJobConfig struct {
	TempDir          string
	MediaPathPattern string
}

func NewProcessJobUseCase(
	client port.JobClient,
	fetcher port.MediaFetcher,
	analyzers map[entity.JobType]port.MediaAnalyzer,
	repo port.ArtifactRepository,
	logger *zap.Logger,
	cfg ProcessJobConfig,
) *ProcessJobUseCase {
	pattern := cfg.MediaPathPattern
	if pattern == "" {
		pattern = "videos/%s.mp4"
	}
	return &ProcessJobUseCase{
		client:      client,
		fetcher:     fetcher,
		analyzers:   analyzers,
		repo:        repo,
		logger:      logger,
		tempDir:     cfg.TempDir,
		pathPattern: pattern,
	}
}

// Execute processes every video in the job. A failed video is reported and
// the batch continues; after all videos are attempted the job completes,
// with Error carrying the most recent per-video failure. Only errors before
// per-video work (no analyzer, no workdir) fail the whole job.
//
// The passed ctx is cancelled by the runner when the lease is lost; on top
// of that, a cancelRequested answer to any progress report cancels the run.
func (uc *ProcessJobUseCase) Execute(ctx context.Context, job *entity.Job, workerID string) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessJobUseCase.Execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.video_count", job.VideoCount()),
	)

	log := uc.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("worker_id", workerID),
	)

	outcome := "completed"
	defer func() {
		metrics.WorkerJobsTotal.WithLabelValues(typeLabel(job.Type), outcome).Inc()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	report := func(progress float64, status entity.JobStatus, errMsg string) {
		cancelRequested, err := uc.client.Report(ctx, port.JobUpdate{
			JobID:    job.ID,
			WorkerID: workerID,
			Progress: progress,
			Status:   status,
			Error:    errMsg,
		})
		if err != nil {
			log.Warn("progress report failed", zap.Error(err))
			return
		}
		if cancelRequested {
			log.Info("dispatcher requested cancellation")
			cancel()
		}
	}

	analyzer, ok := uc.analyzers[analyzerType(job.Type)]
	if !ok {
		outcome = "failed"
		errMsg := fmt.Sprintf("no analyzer for job type %q", job.Type)
		log.Error("job type not runnable")
		report(0, entity.JobStatusFailed, errMsg)
		return nil
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	workDir := filepath.Join(uc.tempDir, job.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		outcome = "failed"
		report(0, entity.JobStatusFailed, "create workdir: "+err.Error())
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	total := job.VideoCount()
	var lastErr string
	failures := 0

	for i, videoID := range job.VideoIDs {
		if ctx.Err() != nil {
			outcome = "cancelled"
			log.Warn("job abandoned mid-batch", zap.Int("videos_done", i))
			return ctx.Err()
		}

		windowBase := float64(i) / float64(total) * 100
		windowWidth := 100.0 / float64(total)

		start := time.Now()
		err := uc.processVideo(ctx, job, videoID, workDir, analyzer, windowBase, windowWidth, report)
		metrics.VideoProcessingDuration.WithLabelValues(typeLabel(job.Type)).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				outcome = "cancelled"
				log.Warn("job abandoned mid-batch", zap.Int("videos_done", i))
				return ctx.Err()
			}
			failures++
			lastErr = fmt.Sprintf("%s: %s", videoID, err.Error())
			log.Error("video processing failed, continuing batch",
				zap.String("video_id", videoID),
				zap.Error(err),
			)
			report(windowBase+windowWidth, entity.JobStatusProcessing, lastErr)
			continue
		}

		report(windowBase+windowWidth, entity.JobStatusProcessing, "")
	}

	if ctx.Err() != nil {
		outcome = "cancelled"
		return ctx.Err()
	}

	report(100, entity.JobStatusCompleted, lastErr)
	log.Info("job finished",
		zap.Int("videos", total),
		zap.Int("failures", failures),
	)
	return nil
}

func (uc *ProcessJobUseCase) processVideo(
	ctx context.Context,
	job *entity.Job,
	videoID, workDir string,
	analyzer port.MediaAnalyzer,
	windowBase, windowWidth float64,
	report func(progress float64, status entity.JobStatus, errMsg string),
) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "process_video")
	span.SetAttributes(attribute.String("video.id", videoID))
	defer span.End()

	mediaPath := fmt.Sprintf(uc.pathPattern, videoID)
	localPath := filepath.Join(workDir, "input_"+videoID+filepath.Ext(mediaPath))
	defer os.Remove(localPath)

	if err := uc.fetcher.FetchToFile(ctx, mediaPath, localPath); err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	report(windowBase+windowWidth*0.05, entity.JobStatusProcessing, "")

	artifact, err := analyzer.Analyze(ctx, videoID, localPath, func(pct float64) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		report(windowBase+windowWidth*pct/100, entity.JobStatusProcessing, "")
	})
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	artifact.CourseID = job.CourseID
	if err := uc.repo.Save(ctx, artifact); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	return nil
}

// analyzerType maps the legacy untyped queue onto the transcription engine;
// those jobs predate the type field and were always transcriptions.
func analyzerType(t entity.JobType) entity.JobType {
	if t == entity.JobTypeLegacy {
		return entity.JobTypeTranscription
	}
	return t
}
