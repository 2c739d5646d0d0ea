package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/artifact"
	"github.com/smallbiznis/genbroker/internal/backend"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	"github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/smallbiznis/genbroker/internal/observability/metrics"
	"github.com/smallbiznis/genbroker/internal/ratelimit"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxSeed                = 2147483647
	defaultCreativity      = 50
	transitionAttempts     = 3
	maxErrorLength         = 1000
	maxProgressLabelLength = 128
)

type Params struct {
	fx.In

	Lifecycle     fx.Lifecycle `optional:"true"`
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Config        config.Config
	Catalog       *config.Catalog
	Repo          domain.Repository
	Resolver      resolverdomain.Service
	Credits       creditdomain.Service
	Backends      *backend.Registry
	Artifacts     artifact.Store
	Clock         clock.Clock              `optional:"true"`
	Publisher     domain.EventPublisher    `optional:"true"`
	Limiter       *ratelimit.SubmitLimiter `optional:"true"`
	Metrics       *metrics.Metrics         `optional:"true"`
	WorkerMetrics *metrics.WorkerMetrics   `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	cfg           config.Config
	catalog       *config.Catalog
	repo          domain.Repository
	resolver      resolverdomain.Service
	credits       creditdomain.Service
	backends      *backend.Registry
	artifacts     artifact.Store
	clock         clock.Clock
	publisher     domain.EventPublisher
	limiter       *ratelimit.SubmitLimiter
	metrics       *metrics.Metrics
	workerMetrics *metrics.WorkerMetrics

	dispatchSem *semaphore.Weighted
	dispatchWG  sync.WaitGroup
	baseCtx     context.Context
	stop        context.CancelFunc
	closed      sync.Once

	// admitMu orders dispatchWG.Add against the Wait in Shutdown.
	admitMu sync.Mutex
	closing bool
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	workers := p.Config.Backends.DispatchWorkers
	if workers <= 0 {
		workers = 16
	}
	baseCtx, stop := context.WithCancel(context.Background())

	svc := &Service{
		db:            p.DB,
		log:           p.Log.Named("generation.service"),
		genID:         p.GenID,
		cfg:           p.Config,
		catalog:       p.Catalog,
		repo:          p.Repo,
		resolver:      p.Resolver,
		credits:       p.Credits,
		backends:      p.Backends,
		artifacts:     p.Artifacts,
		clock:         clk,
		publisher:     p.Publisher,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
		workerMetrics: p.WorkerMetrics,
		dispatchSem:   semaphore.NewWeighted(workers),
		baseCtx:       baseCtx,
		stop:          stop,
	}
	if svc.catalog == nil {
		svc.catalog = config.DefaultCatalog()
	}
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: svc.Shutdown,
		})
	}
	return svc
}

func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	input, cost, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	if !s.admit() {
		return nil, domain.ErrShuttingDown
	}
	dispatched := false
	defer func() {
		if !dispatched {
			s.dispatchWG.Done()
		}
	}()

	if s.limiter.Enabled() {
		result, err := s.limiter.AllowAccount(ctx, req.AccountID)
		if err != nil {
			// Fail open: the ledger still serializes charges.
			s.log.Warn("submit rate limit check failed", zap.Error(err))
		} else if !result.Allowed {
			s.metrics.RecordRateLimitDenied(ctx, "generation_submit")
			return nil, domain.ErrRateLimited
		}
	}

	input.Seed = rand.Int64N(maxSeed)
	resolved := s.resolver.Resolve(input)
	snapshot, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode request snapshot: %w", err)
	}

	now := s.clock.Now()
	jobID := s.genID.Generate()
	job := domain.Job{
		ID:                jobID,
		AccountID:         strings.TrimSpace(req.AccountID),
		Kind:              resolved.Kind,
		State:             domain.StateQueued,
		Provider:          backend.ProviderFor(resolved.Family),
		Backend:           resolved.ResolvedBackend,
		RequestSnapshot:   datatypes.JSON(snapshot),
		EstimatedCostUSD:  resolved.EstimatedCostUSD,
		Duration:          strings.TrimSpace(req.Duration),
		SourceImageURL:    strings.TrimSpace(req.SourceImageURL),
		SecondaryImageURL: strings.TrimSpace(req.SecondaryImageURL),
		AspectRatio:       strings.TrimSpace(req.AspectRatio),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	reservation, err := s.credits.Reserve(ctx, creditdomain.ReserveRequest{
		AccountID: job.AccountID,
		Cost:      cost,
		JobID:     jobID,
	}, func(tx *gorm.DB, auth creditdomain.Authorization) error {
		job.UsedFreeTier = auth.UsedFreeTier
		job.CreditsCharged = auth.Charged()
		return s.repo.Insert(ctx, tx, &job)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSubmission(ctx, job.Backend, string(job.Kind), reservation.UsedFreeTier)
	s.log.Info("generation submitted",
		zap.String("job_id", jobID.String()),
		zap.String("account_id", job.AccountID),
		zap.String("backend", job.Backend),
		zap.Bool("used_free_tier", reservation.UsedFreeTier),
		zap.Int64("cost", cost),
	)

	s.dispatchAsync(jobID)
	dispatched = true

	return &domain.SubmitResult{
		Job: job,
		Charged: domain.Charge{
			UsedFreeTier: reservation.UsedFreeTier,
			Cost:         reservation.Charged(),
		},
		ResolvedBackend:  resolved.ResolvedBackend,
		EstimatedSeconds: resolved.EstimatedSeconds,
	}, nil
}

func (s *Service) Preview(ctx context.Context, req domain.SubmitRequest) (*domain.Preview, error) {
	input, cost, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return &domain.Preview{Request: s.resolver.Resolve(input), Cost: cost}, nil
}

// prepare validates a submission and prices it.
func (s *Service) prepare(req domain.SubmitRequest) (resolverdomain.ResolveInput, int64, error) {
	var input resolverdomain.ResolveInput

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" || len(accountID) > 128 {
		return input, 0, domain.ErrInvalidAccount
	}
	if strings.TrimSpace(req.SourceImageURL) == "" {
		return input, 0, domain.ErrMissingSourceImage
	}

	kind := resolverdomain.Kind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	if kind == "" {
		kind = resolverdomain.KindImage
	}

	creativity := defaultCreativity
	if req.Creativity != nil {
		creativity = *req.Creativity
	}

	var cost int64
	switch kind {
	case resolverdomain.KindImage:
		cost = s.catalog.ImageCost()
	case resolverdomain.KindVideo:
		duration, ok := s.catalog.DurationCost(strings.TrimSpace(req.Duration))
		if !ok {
			return input, 0, domain.ErrInvalidDuration
		}
		cost = duration.Credits
	default:
		return input, 0, domain.ErrInvalidKind
	}

	input = resolverdomain.ResolveInput{
		Kind:           kind,
		DomainCategory: req.DomainCategory,
		ServiceType:    req.ServiceType,
		Style:          req.Style,
		Tool:           req.Tool,
		Creativity:     creativity,
		FreeformText:   req.FreeformText,
	}
	return input, cost, nil
}

func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*domain.Job, error) {
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (s *Service) FindByExternalRef(ctx context.Context, provider, externalRef string) (*domain.Job, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalRef = strings.TrimSpace(externalRef)
	if provider == "" || externalRef == "" {
		return nil, domain.ErrNotFound
	}
	job, err := s.repo.FindByExternalRef(ctx, s.db, provider, externalRef)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// ApplyUpdate moves a job forward when the update is a valid transition and
// reports whether anything changed. Stale or out-of-order updates are no-ops.
func (s *Service) ApplyUpdate(ctx context.Context, jobID snowflake.ID, update domain.Update) (*domain.Job, bool, error) {
	if !update.State.Valid() {
		return nil, false, domain.ErrInvalidRequest
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if !domain.CanTransition(job.State, job.Progress, update.State, update.Progress) {
			return job, false, nil
		}

		next := update
		if next.State == domain.StateCompleted {
			next = s.persistArtifact(ctx, job, next)
		}

		now := s.clock.Now()
		changes := s.changesFor(job, next, now)
		ok, err := s.repo.Transition(ctx, s.db, job.ID, job.State, job.Progress, changes)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}

		updated, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		s.afterTransition(ctx, job.State, updated)
		return updated, true, nil
	}

	job, err := s.Get(ctx, jobID)
	return job, false, err
}

func (s *Service) persistArtifact(ctx context.Context, job *domain.Job, update domain.Update) domain.Update {
	url, err := s.artifacts.Persist(ctx, job.ID, update.OutputURL)
	if err != nil {
		s.log.Warn("artifact persistence failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return domain.Update{
			State:        domain.StateFailed,
			ErrorMessage: "could not store the generated result: " + err.Error(),
		}
	}
	update.OutputURL = url
	return update
}

func (s *Service) changesFor(job *domain.Job, update domain.Update, now time.Time) map[string]any {
	changes := map[string]any{
		"state":      update.State,
		"updated_at": now,
	}

	progress := max(job.Progress, min(max(update.Progress, 0), 100))
	switch update.State {
	case domain.StateCompleted:
		progress = 100
		changes["result_artifact_url"] = update.OutputURL
		changes["completed_at"] = now
		changes["progress_label"] = ""
	case domain.StateFailed:
		message := strings.TrimSpace(update.ErrorMessage)
		if message == "" {
			message = "generation failed"
		}
		changes["error_message"] = truncate(message, maxErrorLength)
		changes["completed_at"] = now
		changes["progress_label"] = ""
	default:
		changes["progress_label"] = truncate(strings.TrimSpace(update.ProgressLabel), maxProgressLabelLength)
	}
	changes["progress"] = progress

	if ref := strings.TrimSpace(update.ExternalRef); ref != "" && job.ExternalRef == nil {
		changes["external_ref"] = ref
		changes["dispatched_at"] = now
	}
	return changes
}

func (s *Service) afterTransition(ctx context.Context, from domain.State, job *domain.Job) {
	s.metrics.RecordTransition(ctx, string(from), string(job.State))
	s.log.Info("generation transitioned",
		zap.String("job_id", job.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(job.State)),
		zap.Int("progress", job.Progress),
	)

	if s.publisher != nil {
		event := domain.Event{
			JobID:         job.ID,
			AccountID:     job.AccountID,
			From:          from,
			State:         job.State,
			Progress:      job.Progress,
			ProgressLabel: job.ProgressLabel,
			UpdatedAt:     job.UpdatedAt,
		}
		if job.ResultArtifactURL != nil {
			event.ArtifactURL = *job.ResultArtifactURL
		}
		if job.ErrorMessage != nil {
			event.ErrorMessage = *job.ErrorMessage
		}
		s.publisher.Publish(ctx, event)
	}

	if job.State == domain.StateFailed {
		s.refund(ctx, job)
	}
}

// refund returns paid credits for a failed job. Failures are left for the
// sweeper, which retries jobs without refunded_at.
func (s *Service) refund(ctx context.Context, job *domain.Job) {
	if !job.Paid() || job.RefundedAt != nil {
		return
	}
	reason := "generation failed"
	if job.ErrorMessage != nil {
		reason = *job.ErrorMessage
	}
	_, err := s.credits.Refund(ctx, creditdomain.RefundRequest{
		AccountID: job.AccountID,
		Cost:      job.CreditsCharged,
		JobID:     job.ID,
		Reason:    reason,
	})
	if err != nil && !errors.Is(err, creditdomain.ErrRefundNotApplicable) {
		s.log.Error("refund failed",
			zap.String("job_id", job.ID.String()),
			zap.String("account_id", job.AccountID),
			zap.Error(err),
		)
		return
	}
	if err := s.repo.MarkRefunded(ctx, s.db, job.ID, s.clock.Now()); err != nil {
		s.log.Error("mark refunded failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// admit reserves a dispatch slot for a new submission. It fails once
// Shutdown has begun.
func (s *Service) admit() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.closing {
		return false
	}
	s.dispatchWG.Add(1)
	return true
}

// dispatchAsync hands the job to its backend on the bounded dispatch pool.
// The caller must hold a slot from admit.
func (s *Service) dispatchAsync(jobID snowflake.ID) {
	s.workerMetrics.DispatchQueued()
	go func() {
		defer s.dispatchWG.Done()
		if err := s.dispatchSem.Acquire(s.baseCtx, 1); err != nil {
			s.workerMetrics.DispatchStarted()
			return
		}
		defer s.dispatchSem.Release(1)
		s.workerMetrics.DispatchStarted()

		ctx := s.baseCtx
		if timeout := s.cfg.Workers.DispatchTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := s.dispatch(ctx, jobID); err != nil {
			s.log.Error("dispatch failed", zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}()
}

func (s *Service) dispatch(ctx context.Context, jobID snowflake.ID) error {
	job, changed, err := s.ApplyUpdate(ctx, jobID, domain.Update{State: domain.StateDispatching})
	if err != nil {
		return err
	}
	if !changed || job.State != domain.StateDispatching {
		return nil
	}

	var request resolverdomain.GenerationRequest
	if err := json.Unmarshal(job.RequestSnapshot, &request); err != nil {
		return s.failDispatch(ctx, job, fmt.Errorf("decode request snapshot: %w", err))
	}

	dispatcher, err := s.backends.Get(job.Provider)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}

	req := backenddomain.DispatchRequest{
		JobID:             job.ID,
		Request:           request,
		SourceImageURL:    job.SourceImageURL,
		SecondaryImageURL: job.SecondaryImageURL,
		AspectRatio:       job.AspectRatio,
		WebhookURL:        s.webhookURL(job.Provider),
	}
	if job.Duration != "" {
		if duration, ok := s.catalog.DurationCost(job.Duration); ok {
			req.DurationSeconds = duration.Seconds
		}
	}

	status, err := dispatcher.Dispatch(ctx, req)
	if err != nil {
		return s.failDispatch(ctx, job, err)
	}

	update := UpdateFromStatus(status)
	if update.State == domain.StateQueued {
		update.State = startedState(request.Family)
	}
	_, _, err = s.ApplyUpdate(context.WithoutCancel(ctx), job.ID, update)
	return err
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// startedState is the state of a job the backend accepted but has not
// started. Video pipelines begin with keyframes, which shares a rank with
// processing.
func startedState(family resolverdomain.Family) domain.State {
	if family == resolverdomain.FamilyVideoPipeline {
		return domain.StateGeneratingKeyframes
	}
	return domain.StateProcessing
}

func (s *Service) failDispatch(ctx context.Context, job *domain.Job, cause error) error {
	s.metrics.RecordDispatchFailure(ctx, job.Backend)
	s.log.Warn("backend handoff failed",
		zap.String("job_id", job.ID.String()),
		zap.String("provider", job.Provider),
		zap.Error(cause),
	)
	_, _, err := s.ApplyUpdate(context.WithoutCancel(ctx), job.ID, domain.Update{
		State:        domain.StateFailed,
		ErrorMessage: "could not start generation: " + cause.Error(),
	})
	return err
}

func (s *Service) webhookURL(provider string) string {
	base := strings.TrimRight(strings.TrimSpace(s.cfg.Backends.PublicBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/api/backends/" + provider + "/webhooks"
}

func (s *Service) InFlight(ctx context.Context, after snowflake.ID, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.repo.ListInFlight(ctx, s.db, after, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(items))
	for _, item := range items {
		jobs = append(jobs, *item)
	}
	return jobs, nil
}

// FailStalePending fails jobs that never reached a backend before cutoff.
func (s *Service) FailStalePending(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	jobs, err := s.repo.ListStale(ctx, s.db, domain.PendingStates, "updated_at", cutoff, limit)
	if err != nil {
		return 0, err
	}
	return s.failAll(ctx, jobs, "generation could not be started in time")
}

// FailOverdue fails in-flight jobs the backend has not finished before cutoff.
func (s *Service) FailOverdue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	jobs, err := s.repo.ListStale(ctx, s.db, domain.InFlightStates, "dispatched_at", cutoff, limit)
	if err != nil {
		return 0, err
	}
	return s.failAll(ctx, jobs, "backend timed out")
}

func (s *Service) failAll(ctx context.Context, jobs []*domain.Job, message string) (int, error) {
	failed := 0
	for _, job := range jobs {
		_, changed, err := s.ApplyUpdate(ctx, job.ID, domain.Update{
			State:        domain.StateFailed,
			ErrorMessage: message,
		})
		if err != nil {
			return failed, err
		}
		if changed {
			failed++
		}
	}
	return failed, nil
}

// ReconcileRefunds retries refunds for failed paid jobs that lack one.
func (s *Service) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	jobs, err := s.repo.ListUnrefunded(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, job := range jobs {
		s.refund(ctx, job)
		current, err := s.repo.FindByID(ctx, s.db, job.ID)
		if err != nil {
			return refunded, err
		}
		if current != nil && current.RefundedAt != nil {
			refunded++
		}
	}
	return refunded, nil
}

// Shutdown stops accepting submissions and waits for in-flight handoffs.
func (s *Service) Shutdown(ctx context.Context) error {
	s.admitMu.Lock()
	s.closing = true
	s.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.closed.Do(s.stop)
		return nil
	case <-ctx.Done():
		s.closed.Do(s.stop)
		return ctx.Err()
	}
}
