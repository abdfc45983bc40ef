package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
)

var (
	ErrNoVideos         = errors.New("videoIds must not be empty")
	ErrUnknownOperation = errors.New("unknown operation id")
)

// Broadcast payload types with dispatcher-side behavior. Anything else is
// relayed to the user's channel unchanged.
const (
	broadcastCreateDurationJob  = "create-duration-job"
	broadcastCreateThumbnailJob = "create-thumbnail-job"
	broadcastCancelJob          = "cancel-job"
)

// DispatchService owns the job lifecycle: intake, leasing, progress
// fan-out, cancellation, and reclaim of expired leases.
type DispatchService struct {
	store  port.JobStore
	sink   port.EventSink
	logger *zap.Logger

	sweepEvery  time.Duration
	longPollMax time.Duration

	opMu  sync.Mutex
	opJob map[string]string
}

type DispatchConfig struct {
	LeaseSweepInterval time.Duration
	LongPollMax        time.Duration
}

func NewDispatchService(store port.JobStore, sink port.EventSink, logger *zap.Logger, cfg DispatchConfig) *DispatchService {
	if cfg.LeaseSweepInterval <= 0 {
		cfg.LeaseSweepInterval = 10 * time.Second
	}
	if cfg.LongPollMax <= 0 {
		cfg.LongPollMax = 25 * time.Second
	}
	return &DispatchService{
		store:       store,
		sink:        sink,
		logger:      logger,
		sweepEvery:  cfg.LeaseSweepInterval,
		longPollMax: cfg.LongPollMax,
		opJob:       make(map[string]string),
	}
}

func (s *DispatchService) CreateJob(ctx context.Context, jobType entity.JobType, userID, courseID string, videoIDs []string, operationID string) (*entity.Job, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "DispatchService.CreateJob")
	defer span.End()

	if len(videoIDs) == 0 {
		return nil, ErrNoVideos
	}

	job := entity.NewJob(jobType, userID, courseID, videoIDs)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.video_count", job.VideoCount()),
	)

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if operationID != "" {
		s.opMu.Lock()
		s.opJob[operationID] = job.ID
		s.opMu.Unlock()
	}

	metrics.JobsCreatedTotal.WithLabelValues(typeLabel(job.Type)).Inc()
	s.publish(ctx, job.UserID, entity.EventJobCreated, entity.NewJobCreated(job, operationID))
	s.refreshGauges(ctx)

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("job_type", typeLabel(job.Type)),
		zap.String("user_id", job.UserID),
		zap.Int("video_count", job.VideoCount()),
	)
	return job, nil
}

// LeaseNext hands the oldest matching queued job to a worker, blocking up to
// maxWait (capped by the configured long-poll ceiling) when the queue is
// empty. A nil job means nothing arrived in time.
func (s *DispatchService) LeaseNext(ctx context.Context, workerType entity.JobType, workerID string, maxWait time.Duration) (*entity.Job, error) {
	if maxWait < 0 {
		maxWait = 0
	}
	if maxWait > s.longPollMax {
		maxWait = s.longPollMax
	}

	job, err := s.store.LeaseNext(ctx, workerType, workerID, maxWait)
	if err != nil || job == nil {
		return nil, err
	}

	metrics.LeasesGrantedTotal.WithLabelValues(typeLabel(job.Type)).Inc()
	s.publish(ctx, job.UserID, entity.EventJobProgress, entity.NewJobProgress(job))
	s.refreshGauges(ctx)

	s.logger.Info("job leased",
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.String("job_type", typeLabel(job.Type)),
	)
	return job, nil
}

// Report folds a worker progress report into the job and fans the update out.
// cancelRequested tells the worker to stop: either the job was cancelled or
// the worker no longer holds the lease. Late reports against settled jobs are
// dropped without error.
func (s *DispatchService) Report(ctx context.Context, upd port.JobUpdate) (*entity.Job, bool, error) {
	job, err := s.store.Update(ctx, upd)
	switch {
	case err == nil:
		s.publish(ctx, job.UserID, entity.EventJobProgress, entity.NewJobProgress(job))
		if job.Status.Terminal() {
			metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
			s.publish(ctx, job.UserID, entity.EventJobStatus, entity.NewJobStatus(job))
			s.refreshGauges(ctx)
			s.logger.Info("job finished",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
				zap.String("worker_id", upd.WorkerID),
			)
		}
		return job, false, nil

	case errors.Is(err, entity.ErrJobTerminal):
		s.logger.Debug("report after terminal status ignored",
			zap.String("job_id", upd.JobID),
			zap.String("status", string(job.Status)),
		)
		return job, job.Status == entity.JobStatusCancelled, nil

	case errors.Is(err, port.ErrNotLeaseHolder):
		s.logger.Warn("report from worker without lease",
			zap.String("job_id", upd.JobID),
			zap.String("worker_id", upd.WorkerID),
		)
		return job, true, nil

	default:
		return nil, false, err
	}
}

// RenewLease extends a worker's hold on a job. cancelRequested reports a
// cancellation that happened while the worker was busy.
func (s *DispatchService) RenewLease(ctx context.Context, jobID, workerID string) (bool, error) {
	cancelRequested, err := s.store.Renew(ctx, jobID, workerID)
	if err != nil {
		s.logger.Warn("lease renewal rejected",
			zap.String("job_id", jobID),
			zap.String("worker_id", workerID),
			zap.Error(err),
		)
		return false, err
	}
	return cancelRequested, nil
}

func (s *DispatchService) CancelJob(ctx context.Context, jobID string) (*entity.Job, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "DispatchService.CancelJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, wasQueued, err := s.store.Cancel(ctx, jobID)
	switch {
	case errors.Is(err, entity.ErrJobTerminal):
		// Already settled; cancelling again changes nothing.
		return job, nil
	case err != nil:
		return nil, err
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(entity.JobStatusCancelled)).Inc()
	s.publish(ctx, job.UserID, entity.EventJobCancelled, entity.NewJobCancelled(job.ID))
	s.publish(ctx, job.UserID, entity.EventJobStatus, entity.NewJobStatus(job))
	s.refreshGauges(ctx)

	s.logger.Info("job cancelled",
		zap.String("job_id", job.ID),
		zap.Bool("was_queued", wasQueued),
	)
	return job, nil
}

// CancelOperation cancels the job a broadcast operation id was bound to at
// creation time.
func (s *DispatchService) CancelOperation(ctx context.Context, operationID string) (*entity.Job, error) {
	s.opMu.Lock()
	jobID, ok := s.opJob[operationID]
	if ok {
		delete(s.opJob, operationID)
	}
	s.opMu.Unlock()

	if !ok {
		return nil, ErrUnknownOperation
	}
	return s.CancelJob(ctx, jobID)
}

// PushJobStatus sends the current JOB_STATUS snapshot to the requesting
// user's channel.
func (s *DispatchService) PushJobStatus(ctx context.Context, userID, jobID string) error {
	job, ok := s.store.Get(ctx, jobID)
	if !ok {
		return port.ErrUnknownJob
	}
	s.publish(ctx, userID, entity.EventJobStatus, entity.NewJobStatus(job))
	return nil
}

// HandleCommand processes one inbound client message from the broadcast
// channel. Unknown command types are dropped with a warning.
func (s *DispatchService) HandleCommand(ctx context.Context, userID string, raw []byte) error {
	var cmd entity.ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.logger.Warn("malformed client command", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	switch cmd.Type {
	case entity.CommandTranscriptionRequest:
		_, err := s.CreateJob(ctx, entity.JobTypeTranscription, userID, cmd.CourseID, cmd.VideoIDs, "")
		return err
	case entity.CommandJobStatusRequest:
		if err := s.PushJobStatus(ctx, userID, cmd.JobID); err != nil {
			s.logger.Warn("status request for unknown job",
				zap.String("user_id", userID),
				zap.String("job_id", cmd.JobID),
			)
		}
		return nil
	case entity.CommandCancelJob:
		_, err := s.CancelJob(ctx, cmd.JobID)
		if errors.Is(err, port.ErrUnknownJob) {
			s.logger.Warn("cancel request for unknown job",
				zap.String("user_id", userID),
				zap.String("job_id", cmd.JobID),
			)
			return nil
		}
		return err
	default:
		s.logger.Warn("unknown client command", zap.String("type", cmd.Type), zap.String("user_id", userID))
		return nil
	}
}

// BroadcastRequest is the flat payload accepted on the broadcast endpoint.
type BroadcastRequest struct {
	Type        string          `json:"type"`
	UserID      string          `json:"userId"`
	OperationID string          `json:"operationId,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	CourseID    string          `json:"courseId,omitempty"`
	VideoIDs    []string        `json:"videoIds,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Broadcast handles one payload from the broadcast endpoint. Job-control
// types act on the store; everything else is relayed verbatim to the named
// user. An unknown operation id on cancel-job is dropped, not failed, so a
// stale retry from the caller cannot wedge its pipeline.
func (s *DispatchService) Broadcast(ctx context.Context, req BroadcastRequest) error {
	switch req.Type {
	case broadcastCreateDurationJob:
		_, err := s.CreateJob(ctx, entity.JobTypeDuration, req.UserID, req.CourseID, req.VideoIDs, req.OperationID)
		return err

	case broadcastCreateThumbnailJob:
		_, err := s.CreateJob(ctx, entity.JobTypeThumbnail, req.UserID, req.CourseID, req.VideoIDs, req.OperationID)
		return err

	case broadcastCancelJob:
		jobID := req.JobID
		if req.OperationID != "" {
			s.opMu.Lock()
			mapped, ok := s.opJob[req.OperationID]
			if ok {
				delete(s.opJob, req.OperationID)
			}
			s.opMu.Unlock()
			if ok {
				jobID = mapped
			}
		}
		if jobID == "" {
			s.logger.Warn("cancel broadcast without a matching job",
				zap.String("operation_id", req.OperationID),
			)
			return nil
		}
		_, err := s.CancelJob(ctx, jobID)
		if errors.Is(err, port.ErrUnknownJob) {
			s.logger.Warn("cancel broadcast for unknown job", zap.String("job_id", jobID))
			return nil
		}
		return err

	default:
		s.publish(ctx, req.UserID, req.Type, entity.GenericEvent{
			Type:        req.Type,
			OperationID: req.OperationID,
			Data:        req.Data,
		})
		return nil
	}
}

// RunReclaimLoop periodically returns expired leases to the queue. Blocks
// until ctx is done.
func (s *DispatchService) RunReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reclaim(ctx)
		}
	}
}

func (s *DispatchService) reclaim(ctx context.Context) {
	requeued := s.store.ReclaimExpired(ctx, time.Now().UTC())
	for _, job := range requeued {
		metrics.LeasesReclaimedTotal.Inc()
		s.publish(ctx, job.UserID, entity.EventJobStatus, entity.NewJobStatus(job))
		s.logger.Warn("lease expired, job requeued",
			zap.String("job_id", job.ID),
			zap.String("job_type", typeLabel(job.Type)),
		)
	}
	if len(requeued) > 0 {
		s.refreshGauges(ctx)
	}
}

func (s *DispatchService) Stats(ctx context.Context) port.StoreStats {
	return s.store.Stats(ctx)
}

func (s *DispatchService) publish(ctx context.Context, userID, eventType string, event any) {
	s.sink.Publish(ctx, userID, event)
	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func (s *DispatchService) refreshGauges(ctx context.Context) {
	stats := s.store.Stats(ctx)
	for t, depth := range stats.QueueDepths {
		metrics.QueueDepth.WithLabelValues(typeLabel(t)).Set(float64(depth))
	}
	metrics.ActiveLeases.Set(float64(stats.ActiveLeases))
}

// typeLabel keeps the legacy empty job type readable in logs and metrics.
func typeLabel(t entity.JobType) string {
	if t == entity.JobTypeLegacy {
		return "legacy"
	}
	return string(t)
}
