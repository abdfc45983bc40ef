package port

import (
	"context"
	"errors"
	"time"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrNotLeaseHolder = errors.New("worker does not hold the lease")
)

// JobUpdate is one worker progress report.
type JobUpdate struct {
	JobID    string
	WorkerID string
	Progress float64
	Status   entity.JobStatus
	Error    string
}

// StoreStats feeds the dispatcher gauges.
type StoreStats struct {
	QueueDepths  map[entity.JobType]int
	ActiveLeases int
}

// JobStore owns job records, the per-type pending queues, and the active
// lease map. A non-terminal job is in exactly one of {queue, lease map};
// a terminal job is in neither. Implementations must make LeaseNext atomic:
// two concurrent calls never return the same job.
type JobStore interface {
	// Create enqueues a new queued job at the tail of its type queue.
	Create(ctx context.Context, job *entity.Job) error

	// LeaseNext removes the first pending job matching workerType and binds
	// it to workerID. Transcription workers additionally match jobs with the
	// legacy empty type. When the queue is empty it blocks up to maxWait for
	// a new job (maxWait <= 0 returns immediately); (nil, nil) means none.
	LeaseNext(ctx context.Context, workerType entity.JobType, workerID string, maxWait time.Duration) (*entity.Job, error)

	// Update applies a progress report from the lease holder. A terminal
	// status destroys the lease. Reports for terminal jobs return
	// entity.ErrJobTerminal; reports from a worker that no longer holds the
	// lease return ErrNotLeaseHolder. Both leave the job untouched.
	Update(ctx context.Context, upd JobUpdate) (*entity.Job, error)

	// Renew extends the lease TTL. cancelRequested reports that the job was
	// cancelled while leased and the worker should abandon it.
	Renew(ctx context.Context, jobID, workerID string) (cancelRequested bool, err error)

	// Cancel marks the job cancelled. A still-queued job is removed from its
	// queue (fully effective); a leased job has its lease destroyed and the
	// holder learns on its next renew or report. wasQueued distinguishes the
	// two. Cancelling a terminal job returns the job unchanged alongside
	// entity.ErrJobTerminal.
	Cancel(ctx context.Context, jobID string) (job *entity.Job, wasQueued bool, err error)

	// ReclaimExpired requeues jobs whose lease expired unrenewed and returns
	// them, progress reset.
	ReclaimExpired(ctx context.Context, now time.Time) []*entity.Job

	Get(ctx context.Context, jobID string) (*entity.Job, bool)
	Stats(ctx context.Context) StoreStats
}
