package dispatchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
)

// ErrLeaseLost means the dispatcher no longer recognizes the worker as the
// holder. The job was reclaimed or cancelled; abandon it.
var ErrLeaseLost = errors.New("dispatcher no longer recognizes this lease")

// Client is the worker-side HTTP client for the dispatcher.
type Client struct {
	baseURL   string
	leaseWait time.Duration
	client    *http.Client
	logger    *zap.Logger
}

func NewClient(baseURL string, leaseWait time.Duration, logger *zap.Logger) *Client {
	if leaseWait <= 0 {
		leaseWait = 25 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		leaseWait: leaseWait,
		// Must outlast the server's long-poll window.
		client: &http.Client{Timeout: leaseWait + 30*time.Second},
		logger: logger,
	}
}

type getJobRequest struct {
	WorkerID    string `json:"workerId"`
	WorkerType  string `json:"workerType"`
	WaitSeconds int    `json:"waitSeconds"`
}

type jobUpdateRequest struct {
	JobID    string  `json:"jobId"`
	WorkerID string  `json:"workerId"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
}

type renewLeaseRequest struct {
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
}

type updateResponse struct {
	Success         bool `json:"success"`
	CancelRequested bool `json:"cancelRequested"`
}

// Lease long-polls for the next job of the worker's type. A nil job with a
// nil error means the wait window elapsed with nothing queued.
func (c *Client) Lease(ctx context.Context, workerID string, workerType entity.JobType) (*entity.Job, error) {
	req := getJobRequest{
		WorkerID:    workerID,
		WorkerType:  string(workerType),
		WaitSeconds: int(c.leaseWait.Seconds()),
	}
	var job *entity.Job
	if err := c.postJSON(ctx, "/get-job", req, &job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Client) Report(ctx context.Context, upd port.JobUpdate) (bool, error) {
	req := jobUpdateRequest{
		JobID:    upd.JobID,
		WorkerID: upd.WorkerID,
		Progress: upd.Progress,
		Status:   string(upd.Status),
		Error:    upd.Error,
	}
	var resp updateResponse
	if err := c.postJSON(ctx, "/job-update", req, &resp); err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

func (c *Client) Renew(ctx context.Context, jobID, workerID string) (bool, error) {
	var resp updateResponse
	if err := c.postJSON(ctx, "/renew-lease", renewLeaseRequest{JobID: jobID, WorkerID: workerID}, &resp); err != nil {
		return false, err
	}
	if !resp.Success {
		return false, ErrLeaseLost
	}
	return resp.CancelRequested, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("dispatcher returned %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
