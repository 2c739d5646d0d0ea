package jobstatus

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/backend"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGenerations serves jobs from memory and applies the real transition rule.
type fakeGenerations struct {
	generationdomain.Service

	mu      sync.Mutex
	jobs    map[snowflake.ID]*generationdomain.Job
	updates []generationdomain.Update
}

func newFakeGenerations(jobs ...generationdomain.Job) *fakeGenerations {
	f := &fakeGenerations{jobs: map[snowflake.ID]*generationdomain.Job{}}
	for i := range jobs {
		job := jobs[i]
		f.jobs[job.ID] = &job
	}
	return f
}

func (f *fakeGenerations) Get(ctx context.Context, id snowflake.ID) (*generationdomain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, generationdomain.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (f *fakeGenerations) InFlight(ctx context.Context, after snowflake.ID, limit int) ([]generationdomain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []generationdomain.Job
	for _, job := range f.jobs {
		if job.ID > after && job.ExternalRef != nil && !job.State.Terminal() && job.State.Rank() >= generationdomain.StateProcessing.Rank() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeGenerations) ApplyUpdate(ctx context.Context, id snowflake.ID, update generationdomain.Update) (*generationdomain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	job := f.jobs[id]
	if !generationdomain.CanTransition(job.State, job.Progress, update.State, update.Progress) {
		return job, false, nil
	}
	job.State = update.State
	job.Progress = update.Progress
	if update.ErrorMessage != "" {
		msg := update.ErrorMessage
		job.ErrorMessage = &msg
	}
	return job, true, nil
}

func (f *fakeGenerations) Updates() []generationdomain.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generationdomain.Update(nil), f.updates...)
}

func TestSnapshotReadsJob(t *testing.T) {
	artifact := "https://cdn.example/out.jpg"
	gens := newFakeGenerations(generationdomain.Job{ID: 1, State: generationdomain.StateCompleted, Progress: 100, ResultArtifactURL: &artifact})
	svc := NewService(ServiceParams{Log: zap.NewNop(), Generations: gens, Hub: NewHub()})

	snap, err := svc.Snapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateCompleted, snap.State)
	assert.Equal(t, artifact, snap.ArtifactURL)

	_, err = svc.Snapshot(context.Background(), 2)
	assert.ErrorIs(t, err, generationdomain.ErrNotFound)
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	gens := newFakeGenerations(generationdomain.Job{ID: 7, State: generationdomain.StateProcessing, Progress: 10})
	hub := NewHub()
	svc := NewService(ServiceParams{Log: zap.NewNop(), Generations: gens, Hub: hub})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := svc.Subscribe(ctx, 7, "")
	require.NoError(t, err)

	first := <-stream
	assert.Equal(t, generationdomain.StateProcessing, first.Snapshot.State)
	assert.Empty(t, first.ID)

	hub.Publish(ctx, event(7, generationdomain.StateProcessing, 5))
	hub.Publish(ctx, event(7, generationdomain.StatePostProcessing, 80))
	hub.Publish(ctx, generationdomain.Event{JobID: 7, State: generationdomain.StateCompleted, Progress: 100, ArtifactURL: "https://x"})

	var got []StreamEvent
	for ev := range stream {
		got = append(got, ev)
	}
	require.Len(t, got, 2, "stale progress is filtered and the stream ends at terminal")
	assert.Equal(t, generationdomain.StatePostProcessing, got[0].Snapshot.State)
	assert.Equal(t, generationdomain.StateCompleted, got[1].Snapshot.State)
	assert.Equal(t, "https://x", got[1].Snapshot.ArtifactURL)
	assert.NotEmpty(t, got[1].ID)
}

func TestSubscribeFallsBackToStoredRow(t *testing.T) {
	gens := newFakeGenerations(generationdomain.Job{ID: 11, State: generationdomain.StateProcessing, Progress: 20})
	svc := NewService(ServiceParams{Log: zap.NewNop(), Generations: gens, Hub: NewHub()})
	svc.recheck = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := svc.Subscribe(ctx, 11, "")
	require.NoError(t, err)

	first := <-stream
	assert.Equal(t, generationdomain.StateProcessing, first.Snapshot.State)

	// Completed elsewhere; nothing reaches this hub.
	_, _, err = gens.ApplyUpdate(ctx, 11, generationdomain.Update{State: generationdomain.StateCompleted, Progress: 100})
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range stream {
		got = append(got, ev)
	}
	require.NoError(t, ctx.Err(), "stream must close on the stored terminal state")
	require.Len(t, got, 1)
	assert.Equal(t, generationdomain.StateCompleted, got[0].Snapshot.State)
}

func TestSubscribeTerminalJobEmitsOnce(t *testing.T) {
	gens := newFakeGenerations(generationdomain.Job{ID: 3, State: generationdomain.StateFailed})
	svc := NewService(ServiceParams{Log: zap.NewNop(), Generations: gens, Hub: NewHub()})

	stream, err := svc.Subscribe(context.Background(), 3, "")
	require.NoError(t, err)

	var count int
	for range stream {
		count++
	}
	assert.Equal(t, 1, count)
}

type pollDispatcher struct {
	name     string
	mu       sync.Mutex
	calls    int
	statuses []*backenddomain.Status
	errs     []error
}

func (d *pollDispatcher) Name() string { return d.name }

func (d *pollDispatcher) Dispatch(ctx context.Context, req backenddomain.DispatchRequest) (*backenddomain.Status, error) {
	return nil, backenddomain.ErrRejected
}

func (d *pollDispatcher) Poll(ctx context.Context, ref string) (*backenddomain.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.statuses) {
		return d.statuses[i], nil
	}
	return d.statuses[len(d.statuses)-1], nil
}

func (d *pollDispatcher) VerifyWebhook([]byte, http.Header) error { return nil }

func (d *pollDispatcher) ParseWebhook([]byte) (*backenddomain.Status, error) { return nil, nil }

func newTestPoller(gens generationdomain.Service, dispatchers ...backenddomain.Dispatcher) *Poller {
	p := NewPoller(PollerParams{
		Log:         zap.NewNop(),
		Generations: gens,
		Backends:    backend.NewRegistry(dispatchers...),
	})
	p.interval = 10 * time.Millisecond
	return p
}

func TestPollerRetriesTransientErrors(t *testing.T) {
	ref := "pred_1"
	gens := newFakeGenerations(generationdomain.Job{ID: 11, Provider: "replicate", State: generationdomain.StateProcessing, ExternalRef: &ref})
	dispatcher := &pollDispatcher{
		name:     "replicate",
		errs:     []error{backenddomain.ErrUnavailable, nil},
		statuses: []*backenddomain.Status{nil, {ExternalRef: ref, Phase: backenddomain.PhaseSucceeded, OutputURL: "https://x"}},
	}

	advanced, err := newTestPoller(gens, dispatcher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)
	assert.Equal(t, 2, dispatcher.calls)

	job, err := gens.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateCompleted, job.State)
}

func TestPollerLeavesStateOnExhaustedTransientErrors(t *testing.T) {
	ref := "pred_2"
	gens := newFakeGenerations(generationdomain.Job{ID: 12, Provider: "replicate", State: generationdomain.StateProcessing, ExternalRef: &ref})
	dispatcher := &pollDispatcher{
		name:     "replicate",
		errs:     []error{backenddomain.ErrUnavailable, backenddomain.ErrUnavailable, backenddomain.ErrUnavailable, backenddomain.ErrUnavailable},
		statuses: []*backenddomain.Status{nil},
	}

	advanced, err := newTestPoller(gens, dispatcher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, advanced)
	assert.Equal(t, pollAttempts, dispatcher.calls)
	assert.Empty(t, gens.Updates())
}

func TestPollerFailsJobOnMalformedResponse(t *testing.T) {
	ref := "tl_1"
	gens := newFakeGenerations(generationdomain.Job{ID: 13, Provider: "timelapse", State: generationdomain.StateMerging, ExternalRef: &ref})
	dispatcher := &pollDispatcher{
		name:     "timelapse",
		errs:     []error{backenddomain.ErrMalformedResponse},
		statuses: []*backenddomain.Status{nil},
	}

	advanced, err := newTestPoller(gens, dispatcher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)
	assert.Equal(t, 1, dispatcher.calls, "permanent errors are not retried")

	job, err := gens.Get(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateFailed, job.State)
}
