package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

type scriptedClient struct {
	jobs chan *entity.Job

	mu          sync.Mutex
	leases      []string
	renews      int
	renewErr    error
	renewCancel bool
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{jobs: make(chan *entity.Job, 4)}
}

// Lease blocks like the real long poll: a job arrives or ctx ends.
func (c *scriptedClient) Lease(ctx context.Context, workerID string, workerType entity.JobType) (*entity.Job, error) {
	c.mu.Lock()
	c.leases = append(c.leases, workerID)
	c.mu.Unlock()

	select {
	case j := <-c.jobs:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedClient) Report(ctx context.Context, upd port.JobUpdate) (bool, error) {
	return false, nil
}

func (c *scriptedClient) Renew(ctx context.Context, jobID, workerID string) (bool, error) {
	c.mu.Lock()
	c.renews++
	c.mu.Unlock()
	if c.renewErr != nil {
		return false, c.renewErr
	}
	return c.renewCancel, nil
}

func (c *scriptedClient) leaseIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.leases...)
}

type blockingExec struct {
	started  chan string
	release  chan struct{}
	finished chan error
}

func newBlockingExec() *blockingExec {
	return &blockingExec{
		started:  make(chan string, 4),
		release:  make(chan struct{}),
		finished: make(chan error, 4),
	}
}

func (e *blockingExec) Execute(ctx context.Context, job *entity.Job, workerID string) error {
	e.started <- job.ID
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-e.release:
	}
	e.finished <- err
	return err
}

func startRunner(t *testing.T, client port.JobClient, exec JobExecutor, cfg Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(client, exec, cfg, zap.NewNop())

	stopped := make(chan struct{})
	go func() {
		_ = r.Start(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})
}

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		return ""
	}
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func TestRunnerProcessesLeasedJob(t *testing.T) {
	client := newScriptedClient()
	exec := newBlockingExec()
	startRunner(t, client, exec, Config{
		WorkerType:    entity.JobTypeDuration,
		WorkerID:      "w",
		PollInterval:  10 * time.Millisecond,
		RenewInterval: time.Hour,
	})

	job := entity.NewJob(entity.JobTypeDuration, "user-1", "", []string{"v1"})
	client.jobs <- job

	assert.Equal(t, job.ID, recvString(t, exec.started))
	close(exec.release)
	require.NoError(t, recvErr(t, exec.finished))
}

func TestRunnerEmptyPollLoopsAgain(t *testing.T) {
	client := newScriptedClient()
	exec := newBlockingExec()
	startRunner(t, client, exec, Config{
		WorkerType:    entity.JobTypeDuration,
		WorkerID:      "w",
		RenewInterval: time.Hour,
	})

	// An elapsed long poll hands back nil; the loop must keep polling.
	client.jobs <- nil
	job := entity.NewJob(entity.JobTypeDuration, "user-1", "", []string{"v1"})
	client.jobs <- job

	assert.Equal(t, job.ID, recvString(t, exec.started))
	close(exec.release)
}

func TestRenewCancelRequestedCancelsJob(t *testing.T) {
	client := newScriptedClient()
	client.renewCancel = true
	exec := newBlockingExec()
	startRunner(t, client, exec, Config{
		WorkerType:    entity.JobTypeDuration,
		WorkerID:      "w",
		RenewInterval: 10 * time.Millisecond,
	})

	client.jobs <- entity.NewJob(entity.JobTypeDuration, "user-1", "", []string{"v1"})
	recvString(t, exec.started)

	assert.ErrorIs(t, recvErr(t, exec.finished), context.Canceled)
}

func TestRenewFailureCancelsJob(t *testing.T) {
	client := newScriptedClient()
	client.renewErr = errors.New("dispatcher no longer recognizes this lease")
	exec := newBlockingExec()
	startRunner(t, client, exec, Config{
		WorkerType:    entity.JobTypeTranscription,
		WorkerID:      "w",
		RenewInterval: 10 * time.Millisecond,
	})

	client.jobs <- entity.NewJob(entity.JobTypeTranscription, "user-1", "", []string{"v1"})
	recvString(t, exec.started)

	assert.ErrorIs(t, recvErr(t, exec.finished), context.Canceled)
}

func TestRunnerSlotsLeaseUnderDistinctIDs(t *testing.T) {
	client := newScriptedClient()
	exec := newBlockingExec()
	startRunner(t, client, exec, Config{
		WorkerType:    entity.JobTypeDuration,
		WorkerID:      "w",
		Concurrency:   2,
		RenewInterval: time.Hour,
	})

	client.jobs <- entity.NewJob(entity.JobTypeDuration, "user-1", "", []string{"v1"})
	client.jobs <- entity.NewJob(entity.JobTypeDuration, "user-1", "", []string{"v2"})

	first := recvString(t, exec.started)
	second := recvString(t, exec.started)
	assert.NotEqual(t, first, second, "both jobs must run")

	ids := client.leaseIDs()
	assert.Contains(t, ids, "w-0")
	assert.Contains(t, ids, "w-1")

	close(exec.release)
}
