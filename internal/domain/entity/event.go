package entity

import "encoding/json"

// Event type names pushed to UI clients over the broadcast channel.
const (
	EventJobCreated   = "JOB_CREATED"
	EventJobProgress  = "JOB_PROGRESS"
	EventJobStatus    = "JOB_STATUS"
	EventJobCancelled = "JOB_CANCELLED"
)

// Command type names accepted from UI clients.
const (
	CommandTranscriptionRequest = "TRANSCRIPTION_REQUEST"
	CommandJobStatusRequest     = "JOB_STATUS_REQUEST"
	CommandCancelJob            = "CANCEL_JOB"
)

type JobCreatedEvent struct {
	Type        string    `json:"type"`
	JobID       string    `json:"jobId"`
	Status      JobStatus `json:"status"`
	VideoCount  int       `json:"videoCount"`
	OperationID string    `json:"operationId,omitempty"`
}

type JobProgressEvent struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
}

type JobStatusEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	VideoCount int       `json:"videoCount"`
	Error      string    `json:"error,omitempty"`
}

type JobCancelledEvent struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// GenericEvent is an arbitrary payload relayed unchanged from the
// originating layer to one user's channel.
type GenericEvent struct {
	Type        string          `json:"type"`
	OperationID string          `json:"operationId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func NewJobCreated(j *Job, operationID string) JobCreatedEvent {
	return JobCreatedEvent{
		Type:        EventJobCreated,
		JobID:       j.ID,
		Status:      j.Status,
		VideoCount:  j.VideoCount(),
		OperationID: operationID,
	}
}

func NewJobProgress(j *Job) JobProgressEvent {
	return JobProgressEvent{
		Type:     EventJobProgress,
		JobID:    j.ID,
		Progress: j.Progress,
		Status:   j.Status,
		Error:    j.Error,
	}
}

func NewJobStatus(j *Job) JobStatusEvent {
	return JobStatusEvent{
		Type:       EventJobStatus,
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		VideoCount: j.VideoCount(),
		Error:      j.Error,
	}
}

func NewJobCancelled(jobID string) JobCancelledEvent {
	return JobCancelledEvent{Type: EventJobCancelled, JobID: jobID}
}

// ClientCommand is the inbound message shape on the broadcast channel.
type ClientCommand struct {
	Type     string   `json:"type"`
	JobID    string   `json:"jobId,omitempty"`
	VideoIDs []string `json:"videoIds,omitempty"`
	CourseID string   `json:"courseId,omitempty"`
}
