package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"gorm.io/datatypes"
)

type Job struct {
	ID                snowflake.ID        `gorm:"primaryKey" json:"id"`
	AccountID         string              `gorm:"type:varchar(128);not null;index:ix_generation_jobs_account_created,priority:1" json:"account_id"`
	Kind              resolverdomain.Kind `gorm:"type:varchar(16);not null" json:"kind"`
	State             State               `gorm:"type:varchar(32);not null;index:ix_generation_jobs_state_updated,priority:1" json:"state"`
	Provider          string              `gorm:"type:varchar(32);not null;index:ix_generation_jobs_provider_ref,priority:1" json:"provider"`
	Backend           string              `gorm:"type:varchar(64);not null" json:"backend"`
	RequestSnapshot   datatypes.JSON      `gorm:"type:json;not null" json:"request"`
	EstimatedCostUSD  decimal.Decimal     `gorm:"type:numeric(12,4);not null;default:0" json:"estimated_cost_usd"`
	Duration          string              `gorm:"type:varchar(16)" json:"duration,omitempty"`
	SourceImageURL    string              `gorm:"type:text;not null" json:"source_image_url"`
	SecondaryImageURL string              `gorm:"type:text" json:"secondary_image_url,omitempty"`
	AspectRatio       string              `gorm:"type:varchar(16)" json:"aspect_ratio,omitempty"`
	ProgressLabel     string              `gorm:"type:varchar(128)" json:"progress_label,omitempty"`
	Progress          int                 `gorm:"not null;default:0;check:chk_generation_jobs_progress,progress >= 0 AND progress <= 100" json:"progress"`
	CreditsCharged    int64               `gorm:"not null;default:0" json:"credits_charged"`
	UsedFreeTier      bool                `gorm:"not null;default:false" json:"used_free_tier"`
	ExternalRef       *string             `gorm:"type:varchar(128);index:ix_generation_jobs_provider_ref,priority:2" json:"external_ref,omitempty"`
	ResultArtifactURL *string             `gorm:"type:text" json:"result_artifact_url,omitempty"`
	ErrorMessage      *string             `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt         time.Time           `gorm:"not null;index:ix_generation_jobs_account_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"not null;index:ix_generation_jobs_state_updated,priority:2" json:"updated_at"`
	DispatchedAt      *time.Time          `json:"dispatched_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	RefundedAt        *time.Time          `json:"refunded_at,omitempty"`
}

func (Job) TableName() string { return "generation_jobs" }

// Paid reports whether the job consumed paid credits.
func (j Job) Paid() bool {
	return !j.UsedFreeTier && j.CreditsCharged > 0
}

// Update is one progress signal for a job, from dispatch, polling, a
// webhook or the sweeper.
type Update struct {
	State         State
	Progress      int
	ProgressLabel string
	ExternalRef   string
	OutputURL     string
	ErrorMessage  string
}

type SubmitRequest struct {
	AccountID         string              `json:"account_id"`
	Kind              resolverdomain.Kind `json:"kind"`
	DomainCategory    string              `json:"domain_category"`
	ServiceType       string              `json:"service_type"`
	Style             string              `json:"style"`
	Tool              string              `json:"tool"`
	Creativity        *int                `json:"creativity"`
	FreeformText      string              `json:"freeform_text"`
	Duration          string              `json:"duration"`
	SourceImageURL    string              `json:"source_image_url"`
	SecondaryImageURL string              `json:"secondary_image_url"`
	AspectRatio       string              `json:"aspect_ratio"`
}

type Charge struct {
	UsedFreeTier bool  `json:"used_free_tier"`
	Cost         int64 `json:"cost"`
}

type SubmitResult struct {
	Job              Job    `json:"-"`
	Charged          Charge `json:"charged"`
	ResolvedBackend  string `json:"resolved_backend"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

type Preview struct {
	Request resolverdomain.GenerationRequest `json:"request"`
	Cost    int64                            `json:"cost"`
}

// Event describes an applied transition.
type Event struct {
	JobID         snowflake.ID `json:"job_id"`
	AccountID     string       `json:"account_id"`
	From          State        `json:"from"`
	State         State        `json:"state"`
	Progress      int          `json:"progress"`
	ProgressLabel string       `json:"progress_label,omitempty"`
	ArtifactURL   string       `json:"artifact_url,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// EventPublisher receives every applied transition. Publish must not block.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Preview(ctx context.Context, req SubmitRequest) (*Preview, error)
	Get(ctx context.Context, jobID snowflake.ID) (*Job, error)
	FindByExternalRef(ctx context.Context, provider, externalRef string) (*Job, error)
	ApplyUpdate(ctx context.Context, jobID snowflake.ID, update Update) (*Job, bool, error)
	InFlight(ctx context.Context, after snowflake.ID, limit int) ([]Job, error)
	FailStalePending(ctx context.Context, cutoff time.Time, limit int) (int, error)
	FailOverdue(ctx context.Context, cutoff time.Time, limit int) (int, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
	Shutdown(ctx context.Context) error
}
