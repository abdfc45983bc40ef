package entity

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeDuration      JobType = "duration"
	JobTypeThumbnail     JobType = "thumbnail"
	JobTypeTranscription JobType = "transcription"

	// JobTypeLegacy marks jobs enqueued by older clients that never set a
	// type field. Only transcription workers pick these up.
	JobTypeLegacy JobType = ""
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ParseJobType validates a worker-supplied type string. The legacy empty
// type is not valid here; only the store's matching rules know about it.
func ParseJobType(s string) (JobType, bool) {
	switch t := JobType(s); t {
	case JobTypeDuration, JobTypeThumbnail, JobTypeTranscription:
		return t, true
	default:
		return "", false
	}
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ErrJobTerminal is returned when a report tries to move a job out of a
// terminal status.
var ErrJobTerminal = errors.New("job already terminal")

// Job is one unit of dispatched media work, possibly covering a batch of
// videos. Jobs are created queued and mutated only through the methods
// below; they are never deleted while the process lives.
type Job struct {
	ID        string    `json:"jobId"`
	Type      JobType   `json:"jobType,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	CourseID  string    `json:"courseId,omitempty"`
	VideoIDs  []string  `json:"videoIds"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	WorkerID  string    `json:"workerId,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewJob(jobType JobType, userID, courseID string, videoIDs []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		UserID:    userID,
		CourseID:  courseID,
		VideoIDs:  videoIDs,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) VideoCount() int {
	return len(j.VideoIDs)
}

// MarkProcessing binds the job to the worker that leased it.
func (j *Job) MarkProcessing(workerID string) {
	j.Status = JobStatusProcessing
	j.WorkerID = workerID
	j.UpdatedAt = time.Now().UTC()
}

// MarkQueued returns the job to the queue after a reclaimed lease. Progress
// is reset; this is the only transition allowed to lower it.
func (j *Job) MarkQueued() {
	j.Status = JobStatusQueued
	j.Progress = 0
	j.WorkerID = ""
	j.UpdatedAt = time.Now().UTC()
}

// MarkCancelled moves the job to its terminal cancelled state.
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	j.WorkerID = ""
	j.UpdatedAt = time.Now().UTC()
}

// ApplyReport folds a worker progress report into the job. Progress is
// rounded, clamped to [0,100], and never decreases while processing. Reports
// against a terminal job return ErrJobTerminal and change nothing.
func (j *Job) ApplyReport(progress float64, status JobStatus, errMsg string) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}

	p := ClampProgress(progress)
	if p > j.Progress {
		j.Progress = p
	}
	if status != "" {
		j.Status = status
	}
	if errMsg != "" {
		j.Error = errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ClampProgress rounds to the nearest integer and clamps to [0,100].
func ClampProgress(p float64) int {
	r := int(math.Round(p))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// Lease binds a leased job to the worker holding it. A lease that is not
// renewed before ExpiresAt is reclaimed and the job requeued.
type Lease struct {
	JobID     string    `json:"jobId"`
	WorkerID  string    `json:"workerId"`
	StartedAt time.Time `json:"startedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
