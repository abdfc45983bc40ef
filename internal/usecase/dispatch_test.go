package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/memory"
)

type sinkCall struct {
	userID string
	event  any
}

// recordingSink captures fan-out calls so tests can assert on the event
// stream without a real hub.
type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) Publish(_ context.Context, userID string, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{userID: userID, event: event})
}

func (r *recordingSink) all() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sinkCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingSink) types() []string {
	var out []string
	for _, c := range r.all() {
		switch e := c.event.(type) {
		case entity.JobCreatedEvent:
			out = append(out, e.Type)
		case entity.JobProgressEvent:
			out = append(out, e.Type)
		case entity.JobStatusEvent:
			out = append(out, e.Type)
		case entity.JobCancelledEvent:
			out = append(out, e.Type)
		case entity.GenericEvent:
			out = append(out, e.Type)
		}
	}
	return out
}

func newTestService(leaseTTL time.Duration) (*DispatchService, *recordingSink) {
	sink := &recordingSink{}
	store := memory.NewJobStore(leaseTTL)
	svc := NewDispatchService(store, sink, zap.NewNop(), DispatchConfig{
		LeaseSweepInterval: time.Hour,
		LongPollMax:        time.Second,
	})
	return svc, sink
}

func TestCreateJob_EmitsJobCreated(t *testing.T) {
	svc, sink := newTestService(time.Hour)

	job, err := svc.CreateJob(context.Background(), entity.JobTypeDuration, "user-1", "course-1", []string{"v1", "v2"}, "op-7")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, entity.JobStatusQueued, job.Status)

	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "user-1", calls[0].userID)

	created, ok := calls[0].event.(entity.JobCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, entity.EventJobCreated, created.Type)
	assert.Equal(t, job.ID, created.JobID)
	assert.Equal(t, 2, created.VideoCount)
	assert.Equal(t, "op-7", created.OperationID)
}

func TestCreateJob_RejectsEmptyVideoList(t *testing.T) {
	svc, sink := newTestService(time.Hour)

	_, err := svc.CreateJob(context.Background(), entity.JobTypeDuration, "user-1", "course-1", nil, "")
	assert.ErrorIs(t, err, ErrNoVideos)
	assert.Empty(t, sink.all(), "rejected jobs must not emit events")
}

func TestLeaseNext_EmitsProcessingProgress(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	created, err := svc.CreateJob(ctx, entity.JobTypeThumbnail, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)

	leased, err := svc.LeaseNext(ctx, entity.JobTypeThumbnail, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, created.ID, leased.ID)

	calls := sink.all()
	require.Len(t, calls, 2)
	progress, ok := calls[1].event.(entity.JobProgressEvent)
	require.True(t, ok)
	assert.Equal(t, entity.JobStatusProcessing, progress.Status)
	assert.Equal(t, 0, progress.Progress)
}

func TestReport_ProgressThenCompletion(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)
	_, err = svc.LeaseNext(ctx, entity.JobTypeDuration, "w-1", 0)
	require.NoError(t, err)

	updated, cancelRequested, err := svc.Report(ctx, port.JobUpdate{
		JobID: job.ID, WorkerID: "w-1", Progress: 50, Status: entity.JobStatusProcessing,
	})
	require.NoError(t, err)
	assert.False(t, cancelRequested)
	assert.Equal(t, 50, updated.Progress)

	_, cancelRequested, err = svc.Report(ctx, port.JobUpdate{
		JobID: job.ID, WorkerID: "w-1", Progress: 100, Status: entity.JobStatusCompleted,
	})
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	assert.Equal(t, []string{
		entity.EventJobCreated,
		entity.EventJobProgress, // lease
		entity.EventJobProgress, // 50%
		entity.EventJobProgress, // 100%
		entity.EventJobStatus,   // completed
	}, sink.types())
}

func TestReport_CancelledJobTellsWorkerToStop(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)
	_, err = svc.LeaseNext(ctx, entity.JobTypeDuration, "w-1", 0)
	require.NoError(t, err)

	_, err = svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	eventsAfterCancel := len(sink.all())

	snap, cancelRequested, err := svc.Report(ctx, port.JobUpdate{
		JobID: job.ID, WorkerID: "w-1", Progress: 80, Status: entity.JobStatusProcessing,
	})
	require.NoError(t, err)
	assert.True(t, cancelRequested)
	assert.Equal(t, entity.JobStatusCancelled, snap.Status)
	assert.Len(t, sink.all(), eventsAfterCancel, "late reports must not emit events")
}

func TestReport_WithoutLeaseTellsWorkerToStop(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)
	_, err = svc.LeaseNext(ctx, entity.JobTypeDuration, "w-1", 0)
	require.NoError(t, err)

	_, cancelRequested, err := svc.Report(ctx, port.JobUpdate{
		JobID: job.ID, WorkerID: "w-2", Progress: 10, Status: entity.JobStatusProcessing,
	})
	require.NoError(t, err)
	assert.True(t, cancelRequested)
}

func TestReport_UnknownJobFails(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	_, _, err := svc.Report(context.Background(), port.JobUpdate{JobID: "missing", WorkerID: "w-1"})
	assert.ErrorIs(t, err, port.ErrUnknownJob)
}

func TestCancelJob_EmitsCancelledAndStatus(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, cancelled.Status)

	assert.Equal(t, []string{
		entity.EventJobCreated,
		entity.EventJobCancelled,
		entity.EventJobStatus,
	}, sink.types())

	// Cancelling again is a silent no-op.
	_, err = svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, sink.all(), 3)
}

func TestCancelOperation(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "op-1")
	require.NoError(t, err)

	cancelled, err := svc.CancelOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, cancelled.ID)

	_, err = svc.CancelOperation(ctx, "op-1")
	assert.ErrorIs(t, err, ErrUnknownOperation, "operation binding is consumed on use")
}

func TestHandleCommand_TranscriptionRequest(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{
		"type":     entity.CommandTranscriptionRequest,
		"videoIds": []string{"v1", "v2", "v3"},
		"courseId": "course-9",
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleCommand(ctx, "user-5", raw))

	leased, err := svc.LeaseNext(ctx, entity.JobTypeTranscription, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, entity.JobTypeTranscription, leased.Type)
	assert.Equal(t, "user-5", leased.UserID)
	assert.Equal(t, "course-9", leased.CourseID)
	assert.Len(t, leased.VideoIDs, 3)

	require.NotEmpty(t, sink.all())
	assert.Equal(t, "user-5", sink.all()[0].userID)
}

func TestHandleCommand_StatusRequest(t *testing.T) {
	svc, sink := newTestService(time.Hour)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{"type": entity.CommandJobStatusRequest, "jobId": job.ID})
	require.NoError(t, err)
	require.NoError(t, svc.HandleCommand(ctx, "user-1", raw))

	calls := sink.all()
	require.Len(t, calls, 2)
	status, ok := calls[1].event.(entity.JobStatusEvent)
	require.True(t, ok)
	assert.Equal(t, job.ID, status.JobID)
	assert.Equal(t, entity.JobStatusQueued, status.Status)
}

func TestHandleCommand_UnknownJobStatusIgnored(t *testing.T) {
	svc, sink := newTestService(time.Hour)

	raw := []byte(`{"type":"JOB_STATUS_REQUEST","jobId":"nope"}`)
	require.NoError(t, svc.HandleCommand(context.Background(), "user-1", raw))
	assert.Empty(t, sink.all())
}

func TestHandleCommand_Malformed(t *testing.T) {
	svc, _ := newTestService(time.Hour)

	err := svc.HandleCommand(context.Background(), "user-1", []byte("{not json"))
	assert.Error(t, err)
}

func TestBroadcast_CreateDurationJob(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	ctx := context.Background()

	err := svc.Broadcast(ctx, BroadcastRequest{
		Type:     broadcastCreateDurationJob,
		UserID:   "user-1",
		CourseID: "course-1",
		VideoIDs: []string{"v1"},
	})
	require.NoError(t, err)

	leased, err := svc.LeaseNext(ctx, entity.JobTypeDuration, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, entity.JobTypeDuration, leased.Type)
}

func TestBroadcast_CancelByOperationID(t *testing.T) {
	svc, _ := newTestService(time.Hour)
	ctx := context.Background()

	err := svc.Broadcast(ctx, BroadcastRequest{
		Type:        broadcastCreateThumbnailJob,
		UserID:      "user-1",
		VideoIDs:    []string{"v1"},
		OperationID: "op-42",
	})
	require.NoError(t, err)

	err = svc.Broadcast(ctx, BroadcastRequest{Type: broadcastCancelJob, OperationID: "op-42"})
	require.NoError(t, err)

	leased, err := svc.LeaseNext(ctx, entity.JobTypeThumbnail, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, leased, "cancelled job must not be leased")
}

func TestBroadcast_UnknownOperationDropped(t *testing.T) {
	svc, sink := newTestService(time.Hour)

	err := svc.Broadcast(context.Background(), BroadcastRequest{Type: broadcastCancelJob, OperationID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, sink.all())
}

func TestBroadcast_PassthroughEvent(t *testing.T) {
	svc, sink := newTestService(time.Hour)

	err := svc.Broadcast(context.Background(), BroadcastRequest{
		Type:        "upload-progress",
		UserID:      "user-3",
		OperationID: "op-9",
		Data:        json.RawMessage(`{"bytes":1024}`),
	})
	require.NoError(t, err)

	calls := sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "user-3", calls[0].userID)

	generic, ok := calls[0].event.(entity.GenericEvent)
	require.True(t, ok)
	assert.Equal(t, "upload-progress", generic.Type)
	assert.Equal(t, "op-9", generic.OperationID)
	assert.JSONEq(t, `{"bytes":1024}`, string(generic.Data))
}

func TestReclaim_RequeuesAndNotifies(t *testing.T) {
	svc, sink := newTestService(time.Millisecond)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, entity.JobTypeDuration, "user-1", "course-1", []string{"v1"}, "")
	require.NoError(t, err)
	_, err = svc.LeaseNext(ctx, entity.JobTypeDuration, "w-1", 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	svc.reclaim(ctx)

	calls := sink.all()
	require.NotEmpty(t, calls)
	last, ok := calls[len(calls)-1].event.(entity.JobStatusEvent)
	require.True(t, ok)
	assert.Equal(t, job.ID, last.JobID)
	assert.Equal(t, entity.JobStatusQueued, last.Status)
	assert.Equal(t, 0, last.Progress)

	// The job is leasable again after reclaim.
	leased, err := svc.LeaseNext(ctx, entity.JobTypeDuration, "w-2", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.ID, leased.ID)
}
