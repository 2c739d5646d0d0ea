package service

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/genbroker/internal/resolver/domain"
	"github.com/smallbiznis/genbroker/internal/resolver/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger `optional:"true"`
}

type Service struct {
	log *zap.Logger
}

func NewService(p Params) domain.Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log.Named("resolver.service")}
}

// Resolve is total: unknown keys fall back through the registry and
// out-of-range creativity is clamped.
func (s *Service) Resolve(in domain.ResolveInput) domain.GenerationRequest {
	service := registry.NormalizeService(in.ServiceType)
	category := registry.NormalizeCategory(in.DomainCategory)
	style := registry.NormalizeStyle(in.Style)
	tool := registry.NormalizeTool(in.Tool)
	creativity := clampCreativity(in.Creativity)

	kind := in.Kind
	var backend domain.BackendConfig
	if kind == domain.KindVideo {
		backend = registry.MustBackend(registry.BackendTimelapseVideo)
	} else {
		kind = domain.KindImage
		backend = registry.SelectBackend(service, category, style)
	}

	params := deriveParams(backend, creativity)
	if t, ok := registry.LookupTool(service, tool); ok {
		params.Strength = t.Strength
		params.StrengthOverridden = true
	}

	req := domain.GenerationRequest{
		Kind:             kind,
		DomainCategory:   category,
		ServiceType:      service,
		Style:            style,
		Tool:             tool,
		Creativity:       creativity,
		FreeformText:     strings.TrimSpace(in.FreeformText),
		ResolvedBackend:  backend.Key,
		Family:           backend.Family,
		ModelID:          backend.ModelID,
		ModelVersion:     backend.Version,
		Params:           params,
		Prompt:           assemblePrompt(service, category, style, tool, in.FreeformText),
		Seed:             in.Seed,
		EstimatedCostUSD: backend.UnitCostUSD,
		EstimatedSeconds: backend.AverageSeconds,
	}

	s.log.Debug("resolved generation request",
		zap.String("service_type", service),
		zap.String("domain_category", category),
		zap.String("style", style),
		zap.String("backend", backend.Key),
		zap.Int("creativity", creativity),
	)
	return req
}

func (s *Service) Backend(key string) (domain.BackendConfig, bool) {
	return registry.Backend(key)
}

func (s *Service) Backends() []domain.BackendConfig {
	return registry.Backends()
}

func clampCreativity(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

var (
	hundred       = decimal.NewFromInt(100)
	guidanceFloor = decimal.NewFromInt(10)
	guidanceSpan  = decimal.NewFromInt(50)
	strengthFloor = decimal.RequireFromString("0.30")
	strengthSpan  = decimal.RequireFromString("0.65")
	fixedStrength = 0.8
	fixedGuidance = 30.0
)

// deriveParams maps creativity onto the family's fidelity control. Decimal
// arithmetic keeps the curve endpoints exact.
func deriveParams(backend domain.BackendConfig, creativity int) domain.Params {
	ratio := decimal.NewFromInt(int64(creativity)).Div(hundred)
	params := domain.Params{
		Scale:      backend.Scale,
		Steps:      backend.Steps,
		Resolution: backend.Resolution,
	}

	switch backend.Family {
	case domain.FamilyStructurePreserving:
		params.Guidance = guidanceFloor.Add(ratio.Mul(guidanceSpan)).Round(4).InexactFloat64()
		params.Strength = fixedStrength
	case domain.FamilyStyleTransfer:
		params.Strength = strengthFloor.Add(ratio.Mul(strengthSpan)).Round(4).InexactFloat64()
		params.Guidance = fixedGuidance
	default:
		params.Strength = backend.Strength
		params.Guidance = backend.Guidance
	}
	return params
}
