package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/smallbiznis/genbroker/internal/observability/metrics"
	"github.com/smallbiznis/genbroker/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100
	runLockName      = "sweeper:"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	Clock         clock.Clock `optional:"true"`
	Generations   generationdomain.Service
	Credits       creditdomain.Service
	Redis         *redis.Client          `optional:"true"`
	WorkerMetrics *metrics.WorkerMetrics `optional:"true"`
}

// Sweeper closes out jobs the happy path abandoned and audits the ledger.
type Sweeper struct {
	log           *zap.Logger
	cfg           config.WorkerConfig
	clock         clock.Clock
	generations   generationdomain.Service
	credits       creditdomain.Service
	locker        *ratelimit.Locker
	workerMetrics *metrics.WorkerMetrics
	batchSize     int
}

func New(p Params) *Sweeper {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	cfg := p.Config.Workers
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}
	if cfg.MaxJobDuration <= 0 {
		cfg.MaxJobDuration = 30 * time.Minute
	}
	return &Sweeper{
		log:           p.Log.Named("sweeper"),
		cfg:           cfg,
		clock:         clk,
		generations:   p.Generations,
		credits:       p.Credits,
		locker:        ratelimit.NewLocker(p.Redis),
		workerMetrics: p.WorkerMetrics,
		batchSize:     defaultBatchSize,
	}
}

// RunOnce runs every sweep job and joins their errors.
func (s *Sweeper) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) (int, error)
	}{
		{metrics.WorkerJobSweep, s.SweepStale},
		{metrics.WorkerJobRefund, s.ReconcileRefunds},
	}
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, 30*time.Second, job.Run))
	}
	return err
}

// SweepStale fails jobs that never reached a backend and jobs the backend
// has held past the maximum duration.
func (s *Sweeper) SweepStale(ctx context.Context) (int, error) {
	now := s.clock.Now()

	pending, err := s.generations.FailStalePending(ctx, now.Add(-s.cfg.DispatchTimeout), s.batchSize)
	if err != nil {
		return pending, err
	}
	overdue, err := s.generations.FailOverdue(ctx, now.Add(-s.cfg.MaxJobDuration), s.batchSize)
	return pending + overdue, err
}

// ReconcileRefunds retries refunds that failed after a job failed.
func (s *Sweeper) ReconcileRefunds(ctx context.Context) (int, error) {
	return s.generations.ReconcileRefunds(ctx, s.batchSize)
}

// Audit compares every account balance against its transaction history.
func (s *Sweeper) Audit(parent context.Context) error {
	return s.runJob(parent, metrics.WorkerJobAudit, 10*time.Minute, func(ctx context.Context) (int, error) {
		drifted, err := s.credits.AuditAll(ctx, 0)
		if err != nil {
			return 0, err
		}
		s.workerMetrics.SetLedgerDrift(len(drifted))
		return len(drifted), nil
	})
}

func (s *Sweeper) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))

	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, runLockName+name, timeout)
		switch {
		case errors.Is(err, ratelimit.ErrLockBusy):
			log.Debug("another instance holds the run lock")
			return nil
		case err != nil:
			log.Warn("run lock unavailable, running unguarded", zap.Error(err))
		default:
			defer func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(parent), time.Second)
				defer releaseCancel()
				if err := lease.Release(releaseCtx); err != nil {
					log.Warn("failed to release run lock", zap.Error(err))
				}
			}()
		}
	}

	count, err := fn(ctx)
	s.workerMetrics.ObserveRun(name, time.Since(start), err)
	s.workerMetrics.AddProcessed(name, "handled", count)
	if count > 0 {
		log.Info("sweep job handled items", zap.Int("count", count))
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next run picks up the remainder
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Start registers both schedules on a new cron runner and starts it.
func (s *Sweeper) Start() (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{log: s.log}
	runner := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx := context.Background()
	if _, err := runner.AddFunc(s.cfg.SweepSchedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	if _, err := runner.AddFunc(s.cfg.AuditSchedule, func() {
		if err := s.Audit(ctx); err != nil {
			s.log.Warn("ledger audit failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("audit schedule %q: %w", s.cfg.AuditSchedule, err)
	}

	runner.Start()
	return runner, nil
}

type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
