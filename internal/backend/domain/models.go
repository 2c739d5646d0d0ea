package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
)

// Phase is the backend-reported lifecycle stage of a remote job.
type Phase string

const (
	PhaseQueued              Phase = "queued"
	PhaseProcessing          Phase = "processing"
	PhaseGeneratingKeyframes Phase = "generating_keyframes"
	PhaseGeneratingClips     Phase = "generating_clips"
	PhaseMerging             Phase = "merging"
	PhasePostProcessing      Phase = "post_processing"
	PhaseSucceeded           Phase = "succeeded"
	PhaseFailed              Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

type DispatchRequest struct {
	JobID             snowflake.ID
	Request           resolverdomain.GenerationRequest
	SourceImageURL    string
	SecondaryImageURL string
	AspectRatio       string
	DurationSeconds   int
	WebhookURL        string
}

// Status is one observation of a remote job.
type Status struct {
	ExternalRef   string
	Phase         Phase
	Progress      int
	ProgressLabel string
	OutputURL     string
	Error         string
}

// Dispatcher hands jobs to one external generation service and reads back
// their progress. Implementations must be safe for concurrent use.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req DispatchRequest) (*Status, error)
	Poll(ctx context.Context, externalRef string) (*Status, error)
	VerifyWebhook(payload []byte, headers http.Header) error
	ParseWebhook(payload []byte) (*Status, error)
}
