package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// JobStore is the in-memory port.JobStore. Jobs live in per-type FIFO
// queues until leased; records are kept after terminal status until process
// exit. All methods return snapshots, never internal pointers.
type JobStore struct {
	mu       sync.Mutex
	jobs     map[string]*entity.Job
	queues   map[entity.JobType][]string
	leases   map[string]entity.Lease
	wake     chan struct{}
	leaseTTL time.Duration
}

func NewJobStore(leaseTTL time.Duration) *JobStore {
	if leaseTTL <= 0 {
		leaseTTL = 90 * time.Second
	}
	return &JobStore{
		jobs:     make(map[string]*entity.Job),
		queues:   make(map[entity.JobType][]string),
		leases:   make(map[string]entity.Lease),
		wake:     make(chan struct{}),
		leaseTTL: leaseTTL,
	}
}

func (s *JobStore) Create(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	s.queues[job.Type] = append(s.queues[job.Type], job.ID)
	s.wakeWaitersLocked()
	return nil
}

// wakeWaitersLocked wakes every blocked LeaseNext by closing the current
// wake channel and installing a fresh one. Waiters re-check their queues
// and go back to sleep on the new channel if they lost the race.
func (s *JobStore) wakeWaitersLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// matchTypes lists the queues a worker type drains, in priority order.
// Transcription workers also drain the legacy untyped queue.
func matchTypes(workerType entity.JobType) []entity.JobType {
	if workerType == entity.JobTypeTranscription {
		return []entity.JobType{entity.JobTypeTranscription, entity.JobTypeLegacy}
	}
	return []entity.JobType{workerType}
}

func (s *JobStore) LeaseNext(ctx context.Context, workerType entity.JobType, workerID string, maxWait time.Duration) (*entity.Job, error) {
	deadline := time.Now().Add(maxWait)

	for {
		s.mu.Lock()
		wake := s.wake
		job := s.tryLeaseLocked(workerType, workerID)
		s.mu.Unlock()

		if job != nil {
			return job, nil
		}

		remaining := time.Until(deadline)
		if maxWait <= 0 || remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
			timer.Stop()
		}
	}
}

// tryLeaseLocked pops the oldest matching queued job and creates its lease
// atomically. Age across the matched queues is decided by CreatedAt so
// legacy jobs keep their FIFO position relative to typed ones.
func (s *JobStore) tryLeaseLocked(workerType entity.JobType, workerID string) *entity.Job {
	var (
		best     *entity.Job
		bestType entity.JobType
	)
	for _, t := range matchTypes(workerType) {
		q := s.queues[t]
		if len(q) == 0 {
			continue
		}
		head := s.jobs[q[0]]
		if best == nil || head.CreatedAt.Before(best.CreatedAt) {
			best = head
			bestType = t
		}
	}
	if best == nil {
		return nil
	}

	s.queues[bestType] = s.queues[bestType][1:]
	now := time.Now().UTC()
	best.MarkProcessing(workerID)
	s.leases[best.ID] = entity.Lease{
		JobID:     best.ID,
		WorkerID:  workerID,
		StartedAt: now,
		ExpiresAt: now.Add(s.leaseTTL),
	}
	return snapshot(best)
}

func (s *JobStore) Update(_ context.Context, upd port.JobUpdate) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[upd.JobID]
	if !ok {
		return nil, port.ErrUnknownJob
	}
	if job.Status.Terminal() {
		return snapshot(job), entity.ErrJobTerminal
	}

	lease, held := s.leases[upd.JobID]
	if !held || lease.WorkerID != upd.WorkerID {
		return snapshot(job), port.ErrNotLeaseHolder
	}

	if err := job.ApplyReport(upd.Progress, upd.Status, upd.Error); err != nil {
		return snapshot(job), err
	}

	if job.Status.Terminal() {
		delete(s.leases, job.ID)
	} else {
		// A progress report counts as a renewal.
		lease.ExpiresAt = time.Now().UTC().Add(s.leaseTTL)
		s.leases[job.ID] = lease
	}
	return snapshot(job), nil
}

func (s *JobStore) Renew(_ context.Context, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[jobID]; ok && lease.WorkerID == workerID {
		lease.ExpiresAt = time.Now().UTC().Add(s.leaseTTL)
		s.leases[jobID] = lease
		return false, nil
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return false, port.ErrUnknownJob
	}
	if job.Status == entity.JobStatusCancelled {
		return true, nil
	}
	return false, port.ErrNotLeaseHolder
}

func (s *JobStore) Cancel(_ context.Context, jobID string) (*entity.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, port.ErrUnknownJob
	}
	if job.Status.Terminal() {
		return snapshot(job), false, entity.ErrJobTerminal
	}

	if job.Status == entity.JobStatusQueued {
		s.removeFromQueueLocked(job)
		job.MarkCancelled()
		return snapshot(job), true, nil
	}

	// Leased: drop the lease so the slot frees up; the holder learns on its
	// next renew or report.
	delete(s.leases, job.ID)
	job.MarkCancelled()
	return snapshot(job), false, nil
}

func (s *JobStore) removeFromQueueLocked(job *entity.Job) {
	q := s.queues[job.Type]
	for i, id := range q {
		if id == job.ID {
			s.queues[job.Type] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *JobStore) ReclaimExpired(_ context.Context, now time.Time) []*entity.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued []*entity.Job
	for id, lease := range s.leases {
		if !lease.Expired(now) {
			continue
		}
		job := s.jobs[id]
		delete(s.leases, id)
		job.MarkQueued()
		// Front of the queue: the job already waited its turn once.
		s.queues[job.Type] = append([]string{id}, s.queues[job.Type]...)
		requeued = append(requeued, snapshot(job))
	}
	if len(requeued) > 0 {
		s.wakeWaitersLocked()
	}
	return requeued
}

func (s *JobStore) Get(_ context.Context, jobID string) (*entity.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return snapshot(job), true
}

func (s *JobStore) Stats(_ context.Context) port.StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[entity.JobType]int, len(s.queues))
	for t, q := range s.queues {
		depths[t] = len(q)
	}
	return port.StoreStats{QueueDepths: depths, ActiveLeases: len(s.leases)}
}

func snapshot(j *entity.Job) *entity.Job {
	cp := *j
	return &cp
}
