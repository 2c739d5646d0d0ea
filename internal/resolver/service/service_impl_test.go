package service

import (
	"strings"
	"testing"

	"github.com/smallbiznis/genbroker/internal/resolver/domain"
	"github.com/smallbiznis/genbroker/internal/resolver/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService() domain.Service {
	return NewService(Params{Log: zap.NewNop()})
}

func TestResolveIsTotal(t *testing.T) {
	svc := newTestService()

	services := append(registry.Services(), "unknown_service", "", "Dekorasyon")
	for _, service := range services {
		categories := append(registry.Categories(registry.NormalizeService(service)), "nowhere", "", "ev")
		for _, category := range categories {
			styles := append(registry.Styles(registry.NormalizeService(service), registry.NormalizeCategory(category)), "no_such_style", "")
			for _, style := range styles {
				req := svc.Resolve(domain.ResolveInput{
					ServiceType:    service,
					DomainCategory: category,
					Style:          style,
					Tool:           "redesign",
					Creativity:     50,
				})
				_, ok := registry.Backend(req.ResolvedBackend)
				require.Truef(t, ok, "no backend for (%q, %q, %q)", service, category, style)
				require.NotEmpty(t, req.Prompt)
			}
		}
	}
}

func TestResolveFallbackChain(t *testing.T) {
	svc := newTestService()

	cases := []struct {
		name     string
		in       domain.ResolveInput
		expected string
	}{
		{
			name:     "exact match",
			in:       domain.ResolveInput{ServiceType: "structure", DomainCategory: "commercial", Style: "office_building"},
			expected: registry.BackendFluxDepthPro,
		},
		{
			name:     "unknown style uses first bound backend of category",
			in:       domain.ResolveInput{ServiceType: "decoration", DomainCategory: "commercial", Style: "nightclub"},
			expected: registry.BackendCommercialSpaces,
		},
		{
			name:     "unknown category uses default",
			in:       domain.ResolveInput{ServiceType: "decoration", DomainCategory: "orbital", Style: "modern"},
			expected: registry.DefaultBackend,
		},
		{
			name:     "climate has no bound backend",
			in:       domain.ResolveInput{ServiceType: "climate", DomainCategory: "residential", Style: "insulation"},
			expected: registry.DefaultBackend,
		},
		{
			name:     "legacy keys are aliased",
			in:       domain.ResolveInput{ServiceType: "yapi", DomainCategory: "endustriyel", Style: "enerji_santrali"},
			expected: registry.BackendFluxDepthPro,
		},
		{
			name:     "display names are normalized",
			in:       domain.ResolveInput{ServiceType: "Decoration", DomainCategory: "Residential", Style: "Art Deco"},
			expected: registry.BackendLuxuryInterior,
		},
		{
			name:     "video always uses the video pipeline",
			in:       domain.ResolveInput{Kind: domain.KindVideo, ServiceType: "decoration", DomainCategory: "residential", Style: "modern"},
			expected: registry.BackendTimelapseVideo,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := svc.Resolve(tc.in)
			assert.Equal(t, tc.expected, req.ResolvedBackend)
		})
	}
}

func TestCreativityBoundaries(t *testing.T) {
	svc := newTestService()

	styleTransfer := func(c int) domain.GenerationRequest {
		return svc.Resolve(domain.ResolveInput{ServiceType: "decoration", DomainCategory: "residential", Style: "modern", Creativity: c})
	}
	structure := func(c int) domain.GenerationRequest {
		return svc.Resolve(domain.ResolveInput{ServiceType: "structure", DomainCategory: "residential", Style: "steel_villa", Creativity: c})
	}

	assert.Equal(t, domain.FamilyStyleTransfer, styleTransfer(0).Family)
	assert.Equal(t, 0.30, styleTransfer(0).Params.Strength)
	assert.Equal(t, 0.95, styleTransfer(100).Params.Strength)
	assert.Equal(t, 30.0, styleTransfer(100).Params.Guidance)

	assert.Equal(t, domain.FamilyStructurePreserving, structure(0).Family)
	assert.Equal(t, 10.0, structure(0).Params.Guidance)
	assert.Equal(t, 60.0, structure(100).Params.Guidance)
	assert.Equal(t, 0.8, structure(100).Params.Strength)

	// clamped, not rejected
	assert.Equal(t, 0.30, styleTransfer(-40).Params.Strength)
	assert.Equal(t, 0, styleTransfer(-40).Creativity)
	assert.Equal(t, 0.95, styleTransfer(250).Params.Strength)
	assert.Equal(t, 60.0, structure(1000).Params.Guidance)
}

func TestToolOverrideWins(t *testing.T) {
	svc := newTestService()

	for c := 0; c <= 100; c += 5 {
		req := svc.Resolve(domain.ResolveInput{
			ServiceType:    "decoration",
			DomainCategory: "residential",
			Style:          "modern",
			Tool:           "remove",
			Creativity:     c,
		})
		require.Equalf(t, 0.95, req.Params.Strength, "creativity %d", c)
		require.True(t, req.Params.StrengthOverridden)
	}

	req := svc.Resolve(domain.ResolveInput{ServiceType: "structure", DomainCategory: "outdoor", Style: "facade", Tool: "transform", Creativity: 0})
	assert.Equal(t, 0.75, req.Params.Strength)

	req = svc.Resolve(domain.ResolveInput{ServiceType: "decoration", DomainCategory: "residential", Style: "modern", Tool: "sketch", Creativity: 0})
	assert.False(t, req.Params.StrengthOverridden)
	assert.Equal(t, 0.30, req.Params.Strength)
}

func TestPromptOrdering(t *testing.T) {
	svc := newTestService()

	withText := svc.Resolve(domain.ResolveInput{
		ServiceType:    "structure",
		DomainCategory: "residential",
		Style:          "x",
		Tool:           "transform",
		FreeformText:   "add a pool",
	})
	assert.Equal(t,
		"Transform this building/area, residential building structure, architectural design, steel construction, x style, add a pool, "+registry.QualitySuffix,
		withText.Prompt,
	)

	withoutText := svc.Resolve(domain.ResolveInput{
		ServiceType:    "structure",
		DomainCategory: "residential",
		Style:          "x",
		Tool:           "transform",
	})
	assert.NotContains(t, withoutText.Prompt, ",,")
	assert.NotContains(t, withoutText.Prompt, ", ,")
	assert.False(t, strings.HasSuffix(withoutText.Prompt, ","))
	assert.True(t, strings.HasSuffix(withoutText.Prompt, registry.QualitySuffix))
}

func TestPromptIncludesStyleKeywordsBeforeUserText(t *testing.T) {
	svc := newTestService()

	req := svc.Resolve(domain.ResolveInput{
		ServiceType:    "decoration",
		DomainCategory: "residential",
		Style:          "japandi",
		Tool:           "furnish",
		FreeformText:   "  warm lighting ,  ",
	})

	keywords := registry.StyleKeywords("japandi")
	require.NotEmpty(t, keywords)
	assert.True(t, strings.HasPrefix(req.Prompt, "Add furniture to empty room, residential interior design, japandi style, "))
	assert.Less(t, strings.Index(req.Prompt, keywords), strings.Index(req.Prompt, "warm lighting"))
	assert.Less(t, strings.Index(req.Prompt, "warm lighting"), strings.Index(req.Prompt, registry.QualitySuffix))
	assert.NotContains(t, req.Prompt, ",,")
}

func TestResolveIsDeterministic(t *testing.T) {
	svc := newTestService()
	in := domain.ResolveInput{ServiceType: "decoration", DomainCategory: "commercial", Style: "spa", Tool: "redesign", Creativity: 37, Seed: 42}

	first := svc.Resolve(in)
	second := svc.Resolve(in)
	assert.Equal(t, first.Prompt, second.Prompt)
	assert.Equal(t, first.Params, second.Params)
	assert.Equal(t, int64(42), first.Seed)
	assert.True(t, first.EstimatedCostUSD.Equal(second.EstimatedCostUSD))
}
