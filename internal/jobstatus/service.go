package jobstatus

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/config"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Snapshot is the client-facing view of a job.
type Snapshot struct {
	JobID         snowflake.ID           `json:"job_id"`
	State         generationdomain.State `json:"state"`
	ProgressLabel string                 `json:"progress_label,omitempty"`
	Progress      int                    `json:"progress"`
	ArtifactURL   string                 `json:"artifact_url,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func (s Snapshot) Terminal() bool {
	return s.State.Terminal()
}

// StreamEvent is one item of a subscription stream.
type StreamEvent struct {
	ID       string
	Snapshot Snapshot
}

type ServiceParams struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config `optional:"true"`
	Generations generationdomain.Service
	Hub         *Hub
}

type Service struct {
	log         *zap.Logger
	generations generationdomain.Service
	hub         *Hub
	// recheck is how often an open subscription re-reads the row to catch
	// transitions applied by another process or dropped by the hub.
	recheck time.Duration
}

func NewService(p ServiceParams) *Service {
	recheck := p.Config.Workers.PollInterval
	if recheck <= 0 {
		recheck = defaultPollInterval
	}
	return &Service{
		log:         p.Log.Named("jobstatus.service"),
		generations: p.Generations,
		hub:         p.Hub,
		recheck:     recheck,
	}
}

// Snapshot reads the authoritative row.
func (s *Service) Snapshot(ctx context.Context, jobID snowflake.ID) (*Snapshot, error) {
	job, err := s.generations.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snapshot := FromJob(job)
	return &snapshot, nil
}

// Subscribe emits the current snapshot and then each newer transition. The
// channel closes after a terminal event or when ctx ends.
func (s *Service) Subscribe(ctx context.Context, jobID snowflake.ID, lastEventID string) (<-chan StreamEvent, error) {
	sub, replay := s.hub.Subscribe(jobID, lastEventID)

	current, err := s.Snapshot(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan StreamEvent, s.hub.bufferSize)
	go func() {
		defer close(out)
		defer sub.Close()

		last := *current
		if !send(ctx, out, StreamEvent{Snapshot: last}) || last.Terminal() {
			return
		}

		forward := func(msg Message) bool {
			next := fromEvent(msg.Event)
			if !generationdomain.CanTransition(last.State, last.Progress, next.State, next.Progress) {
				return true
			}
			last = next
			if !send(ctx, out, StreamEvent{ID: msg.ID, Snapshot: next}) {
				return false
			}
			return !next.Terminal()
		}

		for _, msg := range replay {
			if !forward(msg) {
				return
			}
		}
		ticker := time.NewTicker(s.recheck)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.C:
				if !forward(msg) {
					return
				}
			case <-ticker.C:
				if !s.recheckSnapshot(ctx, jobID, &last, out) {
					return
				}
			}
		}
	}()
	return out, nil
}

// recheckSnapshot emits the stored row when it is ahead of what the
// subscriber has seen. It returns false once the stream should end.
func (s *Service) recheckSnapshot(ctx context.Context, jobID snowflake.ID, last *Snapshot, out chan<- StreamEvent) bool {
	current, err := s.Snapshot(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.log.Debug("subscription recheck failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return true
	}
	if !generationdomain.CanTransition(last.State, last.Progress, current.State, current.Progress) {
		return true
	}
	*last = *current
	if !send(ctx, out, StreamEvent{Snapshot: *current}) {
		return false
	}
	return !current.Terminal()
}

func send(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func FromJob(job *generationdomain.Job) Snapshot {
	snapshot := Snapshot{
		JobID:         job.ID,
		State:         job.State,
		ProgressLabel: job.ProgressLabel,
		Progress:      job.Progress,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.ResultArtifactURL != nil {
		snapshot.ArtifactURL = *job.ResultArtifactURL
	}
	if job.ErrorMessage != nil {
		snapshot.ErrorMessage = *job.ErrorMessage
	}
	return snapshot
}

func fromEvent(event generationdomain.Event) Snapshot {
	return Snapshot{
		JobID:         event.JobID,
		State:         event.State,
		ProgressLabel: event.ProgressLabel,
		Progress:      event.Progress,
		ArtifactURL:   event.ArtifactURL,
		ErrorMessage:  event.ErrorMessage,
		UpdatedAt:     event.UpdatedAt,
	}
}
