package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// JobExecutor processes one leased job. The runner cancels the passed ctx
// when the lease is lost or cancellation is requested.
type JobExecutor interface {
	Execute(ctx context.Context, job *entity.Job, workerID string) error
}

// Runner drives a pool of lease-poll loops against the dispatcher. Each
// slot long-polls for a job, holds its lease alive on a ticker while the
// executor works, and goes back to polling when the job ends.
type Runner struct {
	client        port.JobClient
	exec          JobExecutor
	workerType    entity.JobType
	workerID      string
	concurrency   int
	pollInterval  time.Duration
	renewInterval time.Duration
	logger        *zap.Logger
	wg            sync.WaitGroup
}

type Config struct {
	WorkerType    entity.JobType
	WorkerID      string
	Concurrency   int
	PollInterval  time.Duration
	RenewInterval time.Duration
}

func NewRunner(client port.JobClient, exec JobExecutor, cfg Config, logger *zap.Logger) *Runner {
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 20 * time.Second
	}
	return &Runner{
		client:        client,
		exec:          exec,
		workerType:    cfg.WorkerType,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		pollInterval:  cfg.PollInterval,
		renewInterval: cfg.RenewInterval,
		logger:        logger,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting worker pool",
		zap.Int("workers", r.concurrency),
		zap.String("worker_type", string(r.workerType)),
		zap.String("worker_id", r.workerID),
	)

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.loop(ctx, i)
	}

	<-ctx.Done()
	r.logger.Info("context cancelled, waiting for workers to finish")
	r.wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, idx int) {
	defer r.wg.Done()

	// Each slot leases under its own identity so two slots of one process
	// never look like a single lease holder.
	slotID := fmt.Sprintf("%s-%d", r.workerID, idx)
	log := r.logger.With(zap.String("slot_id", slotID))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
		}

		job, err := r.client.Lease(ctx, slotID, r.workerType)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			log.Warn("lease poll failed", zap.Error(err))
			select {
			case <-time.After(r.pollInterval):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			// Long poll elapsed with an empty queue.
			continue
		}

		r.runJob(ctx, job, slotID, log)
	}
}

func (r *Runner) runJob(ctx context.Context, job *entity.Job, slotID string, log *zap.Logger) {
	log = log.With(zap.String("job_id", job.ID))
	log.Info("job leased",
		zap.String("job_type", string(job.Type)),
		zap.Int("videos", job.VideoCount()),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		r.renewLoop(jobCtx, job.ID, slotID, cancel, done, log)
	}()

	err := r.exec.Execute(jobCtx, job, slotID)
	close(done)
	renewWG.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("job execution failed", zap.Error(err))
	}
}

// renewLoop keeps the lease alive while the executor works. A renew that
// errors or answers cancelRequested cancels the job's context; either way
// the job no longer belongs to this worker.
func (r *Runner) renewLoop(ctx context.Context, jobID, slotID string, cancel context.CancelFunc, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := r.client.Renew(ctx, jobID, slotID)
			if err != nil {
				log.Warn("lease renewal failed, abandoning job", zap.Error(err))
				cancel()
				return
			}
			if cancelRequested {
				log.Info("cancellation requested, stopping job")
				cancel()
				return
			}
		}
	}
}
