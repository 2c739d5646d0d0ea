package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	"gorm.io/gorm"
)

func TestClassifyWorkerReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: WorkerReasonDeadlineExceeded},
		{name: "backend", err: fmt.Errorf("poll: %w", backenddomain.ErrUnavailable), want: WorkerReasonBackend},
		{name: "backend_malformed", err: fmt.Errorf("poll: %w", backenddomain.ErrMalformedResponse), want: WorkerReasonBackend},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: WorkerReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: WorkerReasonSerializationFailure},
		{name: "pq_unique_violation", err: &pq.Error{Code: "23505"}, want: WorkerReasonUniqueViolation},
		{name: "gorm_unique_violation", err: gorm.ErrDuplicatedKey, want: WorkerReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: WorkerReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyWorkerReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveRunCountsErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWorkerMetrics(registry, Config{ServiceName: "genbroker", Environment: "test"})

	m.ObserveRun(WorkerJobSweep, 10*time.Millisecond, nil)
	m.ObserveRun(WorkerJobSweep, 10*time.Millisecond, &pgconn.PgError{Code: "40001"})

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues(WorkerJobSweep)); got != 2 {
		t.Fatalf("expected 2 runs, got %v", got)
	}
	got := testutil.ToFloat64(m.jobErrors.WithLabelValues(WorkerJobSweep, WorkerReasonSerializationFailure))
	if got != 1 {
		t.Fatalf("expected 1 serialization failure, got %v", got)
	}
}

func TestAddProcessedIgnoresNonPositive(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWorkerMetrics(registry, Config{})

	m.AddProcessed(WorkerJobPoll, "completed", 3)
	m.AddProcessed(WorkerJobPoll, "completed", 0)

	if got := testutil.ToFloat64(m.itemsHandled.WithLabelValues(WorkerJobPoll, "completed")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}
