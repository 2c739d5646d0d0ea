package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGenerations struct {
	generationdomain.Service

	pendingCutoff time.Time
	overdueCutoff time.Time
	refundCalls   int
	failed        int
	overdueErr    error
}

func (f *fakeGenerations) FailStalePending(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	f.pendingCutoff = cutoff
	return f.failed, nil
}

func (f *fakeGenerations) FailOverdue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	f.overdueCutoff = cutoff
	return 1, f.overdueErr
}

func (f *fakeGenerations) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	f.refundCalls++
	return 0, nil
}

type fakeCredits struct {
	creditdomain.Service

	reports []creditdomain.ReconcileReport
	err     error
}

func (f *fakeCredits) AuditAll(ctx context.Context, batchSize int) ([]creditdomain.ReconcileReport, error) {
	return f.reports, f.err
}

func newTestSweeper(gens *fakeGenerations, credits *fakeCredits) (*Sweeper, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{Workers: config.WorkerConfig{
		DispatchTimeout: 2 * time.Minute,
		MaxJobDuration:  30 * time.Minute,
		SweepSchedule:   "@every 1m",
		AuditSchedule:   "@hourly",
	}}
	return New(Params{
		Log:         zap.NewNop(),
		Config:      cfg,
		Clock:       clk,
		Generations: gens,
		Credits:     credits,
	}), clk
}

func TestRunOnceUsesConfiguredCutoffs(t *testing.T) {
	gens := &fakeGenerations{failed: 2}
	sweeper, clk := newTestSweeper(gens, &fakeCredits{})

	require.NoError(t, sweeper.RunOnce(context.Background()))
	assert.Equal(t, clk.Now().Add(-2*time.Minute), gens.pendingCutoff)
	assert.Equal(t, clk.Now().Add(-30*time.Minute), gens.overdueCutoff)
	assert.Equal(t, 1, gens.refundCalls)
}

func TestRunOnceJoinsErrorsAndKeepsGoing(t *testing.T) {
	gens := &fakeGenerations{overdueErr: errors.New("db down")}
	sweeper, _ := newTestSweeper(gens, &fakeCredits{})

	err := sweeper.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep_stale_jobs")
	assert.Equal(t, 1, gens.refundCalls, "refund reconciliation still runs")
}

func TestRunJobTreatsDeadlineAsSoft(t *testing.T) {
	sweeper, _ := newTestSweeper(&fakeGenerations{}, &fakeCredits{})

	err := sweeper.runJob(context.Background(), "slow", time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.NoError(t, err)
}

func TestAuditReportsErrors(t *testing.T) {
	sweeper, _ := newTestSweeper(&fakeGenerations{}, &fakeCredits{err: errors.New("boom")})
	assert.Error(t, sweeper.Audit(context.Background()))

	sweeper, _ = newTestSweeper(&fakeGenerations{}, &fakeCredits{reports: []creditdomain.ReconcileReport{{AccountID: "acct", Drift: true}}})
	assert.NoError(t, sweeper.Audit(context.Background()))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sweeper, _ := newTestSweeper(&fakeGenerations{}, &fakeCredits{})
	sweeper.cfg.SweepSchedule = "not a schedule"

	_, err := sweeper.Start()
	assert.Error(t, err)

	sweeper.cfg.SweepSchedule = "*/5 * * * *"
	runner, err := sweeper.Start()
	require.NoError(t, err)
	<-runner.Stop().Done()
}
