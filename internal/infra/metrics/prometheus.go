package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatcher metrics.
var (
	JobsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_jobs_created_total",
		Help: "Total number of jobs accepted, by job type",
	}, []string{"type"})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status",
	}, []string{"status"})

	LeasesGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_leases_granted_total",
		Help: "Total number of job leases handed to workers, by job type",
	}, []string{"type"})

	LeasesReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unpuzzle_leases_reclaimed_total",
		Help: "Total number of expired leases returned to the queue",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unpuzzle_queue_depth",
		Help: "Jobs currently waiting in the queue, by job type",
	}, []string{"type"})

	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unpuzzle_active_leases",
		Help: "Jobs currently leased to workers",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unpuzzle_ws_clients",
		Help: "WebSocket clients currently connected",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_events_published_total",
		Help: "Total number of job events fanned out, by event type",
	}, []string{"type"})
)

// Worker metrics.
var (
	WorkerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_worker_jobs_total",
		Help: "Total number of jobs a worker finished, by job type and outcome",
	}, []string{"type", "outcome"})

	VideoProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unpuzzle_video_processing_duration_seconds",
		Help:    "Per-video processing time, by job type",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unpuzzle_active_workers",
		Help: "Worker loops currently processing a job",
	})
)

// Gateway metrics.
var (
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_gateway_requests_total",
		Help: "Total gateway requests, by HTTP status and cache disposition",
	}, []string{"status", "cache"})

	OriginFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "unpuzzle_gateway_origin_fetch_duration_seconds",
		Help:    "Latency of upstream origin fetches",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	TokenRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpuzzle_token_rejections_total",
		Help: "Signed URL tokens rejected, by reason",
	}, []string{"reason"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unpuzzle_gateway_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unpuzzle_gateway_cache_evictions_total",
		Help: "Cache entries evicted to stay under the byte budget",
	})
)
