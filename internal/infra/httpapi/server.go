package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/entity"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/domain/port"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/ws"
	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/usecase"
)

// Server is the dispatcher's HTTP surface: job intake over /broadcast, the
// worker lease protocol, and the WebSocket upgrade endpoint.
type Server struct {
	svc    *usecase.DispatchService
	hub    *ws.Hub
	logger *zap.Logger
}

func NewServer(svc *usecase.DispatchService, hub *ws.Hub, logger *zap.Logger) *Server {
	return &Server{svc: svc, hub: hub, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/broadcast", s.handleBroadcast)
	mux.HandleFunc("/get-job", s.handleGetJob)
	mux.HandleFunc("/job-update", s.handleJobUpdate)
	mux.HandleFunc("/renew-lease", s.handleRenewLease)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	return s.withLogging(mux)
}

type successResponse struct {
	Success bool `json:"success"`
}

type updateResponse struct {
	Success         bool `json:"success"`
	CancelRequested bool `json:"cancelRequested"`
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
	Error    string  `json:"error"`
}

type renewLeaseRequest struct {
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req usecase.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	if err := s.svc.Broadcast(r.Context(), req); err != nil {
		if errors.Is(err, usecase.ErrNoVideos) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("broadcast failed", zap.String("type", req.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req getJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	workerType, ok := entity.ParseJobType(req.WorkerType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown workerType")
		return
	}

	wait := time.Duration(req.WaitSeconds) * time.Second
	job, err := s.svc.LeaseNext(r.Context(), workerType, req.WorkerID, wait)
	if err != nil {
		// The poller went away mid-wait; nobody is reading the response.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Error("lease failed", zap.String("worker_id", req.WorkerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lease failed")
		return
	}

	// A nil job serializes as null: the long poll timed out empty.
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "jobId and workerId are required")
		return
	}

	status := entity.JobStatus(req.Status)
	if req.Status != "" {
		switch status {
		case entity.JobStatusProcessing, entity.JobStatusCompleted, entity.JobStatusFailed:
		default:
			// Workers report outcomes; queued and cancelled are the
			// dispatcher's to assign.
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}

	_, cancelRequested, err := s.svc.Report(r.Context(), port.JobUpdate{
		JobID:    req.JobID,
		WorkerID: req.WorkerID,
		Progress: req.Progress,
		Status:   status,
		Error:    req.Error,
	})
	if err != nil {
		if errors.Is(err, port.ErrUnknownJob) {
			writeError(w, http.StatusBadRequest, "unknown job")
			return
		}
		s.logger.Error("job update failed", zap.String("job_id", req.JobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, CancelRequested: cancelRequested})
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req renewLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "jobId and workerId are required")
		return
	}

	cancelRequested, err := s.svc.RenewLease(r.Context(), req.JobID, req.WorkerID)
	if err != nil {
		// The lease is gone (expired, reclaimed, or never this worker's).
		// That is an answer, not a server error: the worker must abandon.
		writeJSON(w, http.StatusOK, updateResponse{Success: false, CancelRequested: false})
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, CancelRequested: cancelRequested})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
