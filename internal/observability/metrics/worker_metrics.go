package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	"gorm.io/gorm"
)

const (
	WorkerJobPoll   = "poll_backends"
	WorkerJobSweep  = "sweep_stale_jobs"
	WorkerJobAudit  = "audit_ledger"
	WorkerJobRefund = "reconcile_refunds"
)

const (
	WorkerReasonDeadlineExceeded     = "deadline_exceeded"
	WorkerReasonDBLockTimeout        = "db_lock_timeout"
	WorkerReasonSerializationFailure = "serialization_failure"
	WorkerReasonUniqueViolation      = "unique_violation"
	WorkerReasonBackend              = "backend"
	WorkerReasonUnknown              = "unknown"
)

// WorkerMetrics captures background worker health: poll loops, sweeps, audits.
type WorkerMetrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobErrors     *prometheus.CounterVec
	itemsHandled  *prometheus.CounterVec
	inFlightJobs  prometheus.Gauge
	ledgerDrift   prometheus.Gauge
	dispatchQueue prometheus.Gauge
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// NewWorkerMetrics returns the process-wide worker metrics registered on the default registerer.
func NewWorkerMetrics(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genbroker_worker_job_runs_total",
		Help:        "Worker job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "genbroker_worker_job_duration_seconds",
		Help:        "Worker job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genbroker_worker_job_errors_total",
		Help:        "Worker job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	itemsHandled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genbroker_worker_items_processed_total",
		Help:        "Items handled per worker job and outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	inFlightJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "genbroker_jobs_in_flight",
		Help:        "Generation jobs awaiting a backend result.",
		ConstLabels: constLabels,
	})
	ledgerDrift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "genbroker_ledger_drift_accounts",
		Help:        "Accounts whose cached balance disagrees with their transaction history.",
		ConstLabels: constLabels,
	})
	dispatchQueue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "genbroker_dispatch_pending",
		Help:        "Dispatches waiting for a worker slot.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobErrors,
		itemsHandled,
		inFlightJobs,
		ledgerDrift,
		dispatchQueue,
	)

	return &WorkerMetrics{
		jobRuns:       jobRuns,
		jobDuration:   jobDuration,
		jobErrors:     jobErrors,
		itemsHandled:  itemsHandled,
		inFlightJobs:  inFlightJobs,
		ledgerDrift:   ledgerDrift,
		dispatchQueue: dispatchQueue,
	}
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "genbroker"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// ObserveRun records a completed worker run and its latency.
func (m *WorkerMetrics) ObserveRun(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job, ClassifyWorkerReason(err)).Inc()
	}
}

// AddProcessed increments processed items for a job by outcome.
func (m *WorkerMetrics) AddProcessed(job, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.itemsHandled.WithLabelValues(job, outcome).Add(float64(count))
}

func (m *WorkerMetrics) SetInFlight(count int) {
	if m == nil {
		return
	}
	m.inFlightJobs.Set(float64(count))
}

func (m *WorkerMetrics) SetLedgerDrift(count int) {
	if m == nil {
		return
	}
	m.ledgerDrift.Set(float64(count))
}

func (m *WorkerMetrics) DispatchQueued() {
	if m == nil {
		return
	}
	m.dispatchQueue.Inc()
}

func (m *WorkerMetrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.dispatchQueue.Dec()
}

func isBackendError(err error) bool {
	return errors.Is(err, backenddomain.ErrUnavailable) ||
		errors.Is(err, backenddomain.ErrMalformedResponse) ||
		errors.Is(err, backenddomain.ErrRejected)
}

// ClassifyWorkerReason maps an error to a low-cardinality reason label.
func ClassifyWorkerReason(err error) string {
	if err == nil {
		return WorkerReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WorkerReasonDeadlineExceeded
	}
	if isBackendError(err) {
		return WorkerReasonBackend
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return WorkerReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if reason := reasonForSQLState(pgErr.Code); reason != "" {
			return reason
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if reason := reasonForSQLState(string(pqErr.Code)); reason != "" {
			return reason
		}
	}
	return WorkerReasonUnknown
}

func reasonForSQLState(code string) string {
	switch code {
	case "55P03":
		return WorkerReasonDBLockTimeout
	case "40001":
		return WorkerReasonSerializationFailure
	case "23505":
		return WorkerReasonUniqueViolation
	default:
		return ""
	}
}
