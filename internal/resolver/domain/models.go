package domain

import "github.com/shopspring/decimal"

// Family groups backends that share parameter semantics.
type Family string

const (
	FamilyStructurePreserving Family = "structure_preserving"
	FamilyStyleTransfer       Family = "style_transfer"
	FamilyVideoPipeline       Family = "video_pipeline"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// BackendConfig is the static description of one external model.
type BackendConfig struct {
	Key            string          `json:"key" yaml:"key"`
	Family         Family          `json:"family" yaml:"family"`
	ModelID        string          `json:"model_id" yaml:"model_id"`
	Version        string          `json:"version,omitempty" yaml:"version,omitempty"`
	Strength       float64         `json:"strength,omitempty" yaml:"strength,omitempty"`
	Scale          float64         `json:"scale,omitempty" yaml:"scale,omitempty"`
	Guidance       float64         `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	Steps          int             `json:"steps,omitempty" yaml:"steps,omitempty"`
	Resolution     int             `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	UnitCostUSD    decimal.Decimal `json:"unit_cost_usd" yaml:"-"`
	AverageSeconds int             `json:"average_seconds" yaml:"average_seconds"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// Params are the numeric generation parameters sent to a backend.
type Params struct {
	Strength           float64 `json:"strength" yaml:"strength"`
	Guidance           float64 `json:"guidance" yaml:"guidance"`
	Scale              float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Steps              int     `json:"steps,omitempty" yaml:"steps,omitempty"`
	Resolution         int     `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	StrengthOverridden bool    `json:"strength_overridden,omitempty" yaml:"strength_overridden,omitempty"`
}

type ResolveInput struct {
	Kind           Kind
	DomainCategory string
	ServiceType    string
	Style          string
	Tool           string
	Creativity     int
	FreeformText   string
	Seed           int64
}

// GenerationRequest is the immutable bundle produced once per submission.
type GenerationRequest struct {
	Kind             Kind            `json:"kind" yaml:"kind"`
	DomainCategory   string          `json:"domain_category" yaml:"domain_category"`
	ServiceType      string          `json:"service_type" yaml:"service_type"`
	Style            string          `json:"style" yaml:"style"`
	Tool             string          `json:"tool" yaml:"tool"`
	Creativity       int             `json:"creativity" yaml:"creativity"`
	FreeformText     string          `json:"freeform_text,omitempty" yaml:"freeform_text,omitempty"`
	ResolvedBackend  string          `json:"resolved_backend" yaml:"resolved_backend"`
	Family           Family          `json:"family" yaml:"family"`
	ModelID          string          `json:"model_id" yaml:"model_id"`
	ModelVersion     string          `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	Params           Params          `json:"params" yaml:"params"`
	Prompt           string          `json:"prompt" yaml:"prompt"`
	Seed             int64           `json:"seed" yaml:"seed"`
	EstimatedCostUSD decimal.Decimal `json:"estimated_cost_usd" yaml:"-"`
	EstimatedSeconds int             `json:"estimated_seconds" yaml:"estimated_seconds"`
}

// Service resolves creative requests into backend parameters. It performs no I/O.
type Service interface {
	Resolve(in ResolveInput) GenerationRequest
	Backend(key string) (BackendConfig, bool)
	Backends() []BackendConfig
}
