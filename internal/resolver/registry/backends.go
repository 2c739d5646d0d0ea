package registry

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/genbroker/internal/resolver/domain"
)

const (
	BackendInteriorDesign     = "interior_design"
	BackendControlnetInterior = "controlnet_interior"
	BackendLuxuryInterior     = "luxury_interior"
	BackendCommercialSpaces   = "commercial_spaces"
	BackendOutdoorDesign      = "outdoor_design"
	BackendFluxCannyPro       = "flux_canny_pro"
	BackendFluxDepthPro       = "flux_depth_pro"
	BackendTimelapseVideo     = "timelapse_video"

	// DefaultBackend terminates every fallback chain.
	DefaultBackend = BackendInteriorDesign
)

const interiorDesignVersion = "76604baddc85b1b4616e1c6475eca080da339c8875bd4996705440484a6eac38"

var backends = map[string]domain.BackendConfig{
	BackendInteriorDesign: {
		Key:            BackendInteriorDesign,
		Family:         domain.FamilyStyleTransfer,
		ModelID:        "adirik/interior-design",
		Version:        interiorDesignVersion,
		Strength:       0.8,
		Scale:          9,
		Guidance:       30,
		Steps:          30,
		Resolution:     768,
		UnitCostUSD:    decimal.RequireFromString("0.007"),
		AverageSeconds: 8,
		Description:    "general interior design, fast and balanced",
	},
	BackendControlnetInterior: {
		Key:            BackendControlnetInterior,
		Family:         domain.FamilyStyleTransfer,
		ModelID:        "jagilley/controlnet-interior-design",
		Strength:       0.85,
		Scale:          8.5,
		Guidance:       30,
		Steps:          25,
		Resolution:     768,
		UnitCostUSD:    decimal.RequireFromString("0.01"),
		AverageSeconds: 12,
		Description:    "structure-aware interior redesign",
	},
	BackendLuxuryInterior: {
		Key:            BackendLuxuryInterior,
		Family:         domain.FamilyStyleTransfer,
		ModelID:        "adirik/t2i-adapter-sdxl-depth-midas",
		Strength:       0.7,
		Scale:          11,
		Guidance:       30,
		Steps:          40,
		Resolution:     1024,
		UnitCostUSD:    decimal.RequireFromString("0.025"),
		AverageSeconds: 20,
		Description:    "detailed high-end interiors",
	},
	BackendCommercialSpaces: {
		Key:            BackendCommercialSpaces,
		Family:         domain.FamilyStyleTransfer,
		ModelID:        "timbrooks/instruct-pix2pix",
		Strength:       0.75,
		Scale:          9,
		Guidance:       30,
		Steps:          30,
		Resolution:     768,
		UnitCostUSD:    decimal.RequireFromString("0.012"),
		AverageSeconds: 10,
		Description:    "controlled edits for commercial spaces",
	},
	BackendOutdoorDesign: {
		Key:            BackendOutdoorDesign,
		Family:         domain.FamilyStyleTransfer,
		ModelID:        "adirik/interior-design",
		Version:        interiorDesignVersion,
		Strength:       0.75,
		Scale:          9,
		Guidance:       30,
		Steps:          30,
		Resolution:     768,
		UnitCostUSD:    decimal.RequireFromString("0.007"),
		AverageSeconds: 8,
		Description:    "outdoor and garden design",
	},
	BackendFluxCannyPro: {
		Key:            BackendFluxCannyPro,
		Family:         domain.FamilyStructurePreserving,
		ModelID:        "black-forest-labs/flux-canny-pro",
		Strength:       0.8,
		Guidance:       30,
		Steps:          35,
		Resolution:     1024,
		UnitCostUSD:    decimal.RequireFromString("0.02"),
		AverageSeconds: 15,
		Description:    "edge-guided retexture that keeps the building form",
	},
	BackendFluxDepthPro: {
		Key:            BackendFluxDepthPro,
		Family:         domain.FamilyStructurePreserving,
		ModelID:        "black-forest-labs/flux-depth-pro",
		Strength:       0.8,
		Guidance:       30,
		Steps:          30,
		Resolution:     1024,
		UnitCostUSD:    decimal.RequireFromString("0.022"),
		AverageSeconds: 14,
		Description:    "depth-guided retexture that keeps 3D structure",
	},
	BackendTimelapseVideo: {
		Key:            BackendTimelapseVideo,
		Family:         domain.FamilyVideoPipeline,
		ModelID:        "timelapse/before-after",
		UnitCostUSD:    decimal.RequireFromString("0.35"),
		AverageSeconds: 180,
		Description:    "before/after timelapse video pipeline",
	},
}

// Backend returns a copy of the named backend config.
func Backend(key string) (domain.BackendConfig, bool) {
	cfg, ok := backends[key]
	return cfg, ok
}

// MustBackend panics on unknown keys; only used for keys declared in this package.
func MustBackend(key string) domain.BackendConfig {
	cfg, ok := backends[key]
	if !ok {
		panic("registry: unknown backend " + key)
	}
	return cfg
}

func Backends() []domain.BackendConfig {
	out := make([]domain.BackendConfig, 0, len(backends))
	for _, cfg := range backends {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
