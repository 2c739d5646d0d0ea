package jobstatus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/genbroker/internal/backend"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	"github.com/smallbiznis/genbroker/internal/config"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	generationservice "github.com/smallbiznis/genbroker/internal/generation/service"
	"github.com/smallbiznis/genbroker/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	pollConcurrency     = 8
	pollAttempts        = 3
	defaultPollInterval = 2 * time.Second
)

type PollerParams struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	Generations   generationdomain.Service
	Backends      *backend.Registry
	WorkerMetrics *metrics.WorkerMetrics `optional:"true"`
}

// Poller advances in-flight jobs by asking their backend for status.
// Transient errors never change job state.
type Poller struct {
	log           *zap.Logger
	interval      time.Duration
	batchSize     int
	pollTimeout   time.Duration
	generations   generationdomain.Service
	backends      *backend.Registry
	workerMetrics *metrics.WorkerMetrics
	newBackOff    func() backoff.BackOff
}

func NewPoller(p PollerParams) *Poller {
	interval := p.Config.Workers.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := p.Config.Workers.PollBatchSize
	if batch <= 0 {
		batch = 50
	}
	timeout := p.Config.Backends.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		log:           p.Log.Named("jobstatus.poller"),
		interval:      interval,
		batchSize:     batch,
		pollTimeout:   timeout,
		generations:   p.Generations,
		backends:      p.Backends,
		workerMetrics: p.WorkerMetrics,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// RunOnce polls every in-flight job once and returns how many advanced.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	var (
		after    snowflake.ID
		advanced int
		total    int
		mu       sync.Mutex
	)
	for {
		jobs, err := p.generations.InFlight(ctx, after, p.batchSize)
		if err != nil {
			p.workerMetrics.ObserveRun(metrics.WorkerJobPoll, time.Since(start), err)
			return advanced, err
		}
		total += len(jobs)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pollConcurrency)
		for _, job := range jobs {
			g.Go(func() error {
				changed, err := p.pollJob(gctx, job)
				if err != nil {
					p.log.Warn("poll failed",
						zap.String("job_id", job.ID.String()),
						zap.String("provider", job.Provider),
						zap.Error(err),
					)
					return nil
				}
				if changed {
					mu.Lock()
					advanced++
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(jobs) < p.batchSize {
			break
		}
		after = jobs[len(jobs)-1].ID
	}

	p.workerMetrics.SetInFlight(total)
	p.workerMetrics.AddProcessed(metrics.WorkerJobPoll, "advanced", advanced)
	p.workerMetrics.ObserveRun(metrics.WorkerJobPoll, time.Since(start), nil)
	return advanced, nil
}

func (p *Poller) pollJob(ctx context.Context, job generationdomain.Job) (bool, error) {
	if job.ExternalRef == nil {
		return false, nil
	}
	dispatcher, err := p.backends.Get(job.Provider)
	if err != nil {
		return false, err
	}

	status, err := backoff.Retry(ctx, func() (*backenddomain.Status, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
		defer cancel()
		status, err := dispatcher.Poll(callCtx, *job.ExternalRef)
		if err != nil && backenddomain.IsPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return status, err
	}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxTries(pollAttempts))

	if err != nil {
		if errors.Is(err, backenddomain.ErrMalformedResponse) {
			_, changed, applyErr := p.generations.ApplyUpdate(ctx, job.ID, generationdomain.Update{
				State:        generationdomain.StateFailed,
				ErrorMessage: "backend returned an unreadable response",
			})
			if applyErr != nil {
				return false, applyErr
			}
			return changed, nil
		}
		return false, err
	}

	_, changed, err := p.generations.ApplyUpdate(ctx, job.ID, generationservice.UpdateFromStatus(status))
	return changed, err
}

// Run polls on a fixed interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("poll run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
