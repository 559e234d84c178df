// Package metrics exposes the worker's operational gauges and counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the custom prometheus registry for worker metrics.
	Registry = prometheus.NewRegistry()

	// TradesExecuted counts filled orders by signal kind.
	TradesExecuted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcetfagent",
			Subsystem: "executor",
			Name:      "trades_executed_total",
			Help:      "Filled orders by signal kind",
		},
		[]string{"signal", "mode"},
	)

	// DuplicatesBlocked counts same-day duplicate signals rejected.
	DuplicatesBlocked = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "btcetfagent",
			Subsystem: "executor",
			Name:      "duplicates_blocked_total",
			Help:      "Duplicate same-day signals blocked",
		},
	)

	// ApprovalResults counts approval outcomes.
	ApprovalResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcetfagent",
			Subsystem: "executor",
			Name:      "approval_results_total",
			Help:      "Approval request outcomes",
		},
		[]string{"result"},
	)

	// JobErrors counts scheduler job failures by job id.
	JobErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcetfagent",
			Subsystem: "scheduler",
			Name:      "job_errors_total",
			Help:      "Scheduled job failures",
		},
		[]string{"job"},
	)

	// JobRuns counts scheduler job executions by job id.
	JobRuns = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btcetfagent",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions",
		},
		[]string{"job"},
	)

	// SchedulerPaused is 1 while the global pause flag is set.
	SchedulerPaused = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btcetfagent",
			Subsystem: "scheduler",
			Name:      "paused",
			Help:      "1 while the scheduler is paused",
		},
	)

	// HeartbeatTimestamp is the unix time of the last scheduler heartbeat.
	HeartbeatTimestamp = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btcetfagent",
			Subsystem: "scheduler",
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time of the last heartbeat",
		},
	)

	// PaperCapital tracks the paper account's cash.
	PaperCapital = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btcetfagent",
			Subsystem: "executor",
			Name:      "paper_capital",
			Help:      "Paper account cash",
		},
	)
)

// Server serves /metrics.
type Server struct {
	srv *http.Server
}

// NewServer creates the metrics HTTP server on addr (e.g. ":9090").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
