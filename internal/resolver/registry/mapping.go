package registry

import "github.com/smallbiznis/genbroker/internal/resolver/domain"

const (
	ServiceDecoration = "decoration"
	ServiceStructure  = "structure"
	ServiceClimate    = "climate"
)

const (
	CategoryResidential = "residential"
	CategoryCommercial  = "commercial"
	CategoryIndustrial  = "industrial"
	CategoryOutdoor     = "outdoor"
)

// binding maps a style to a backend key; an empty backend means no model serves it.
type binding struct {
	style   string
	backend string
}

type categoryTable struct {
	category string
	styles   []binding
}

type serviceTable struct {
	service    string
	categories []categoryTable
}

// Declaration order is load-bearing: it decides the per-category fallback.
var mapping = []serviceTable{
	{
		service: ServiceDecoration,
		categories: []categoryTable{
			{CategoryResidential, []binding{
				{"modern", BackendInteriorDesign},
				{"minimalist", BackendInteriorDesign},
				{"scandinavian", BackendInteriorDesign},
				{"bohemian", BackendControlnetInterior},
				{"rustic", BackendControlnetInterior},
				{"luxury", BackendLuxuryInterior},
				{"classic", BackendLuxuryInterior},
				{"art_deco", BackendLuxuryInterior},
				{"japandi", BackendInteriorDesign},
				{"industrial_chic", BackendInteriorDesign},
			}},
			{CategoryCommercial, []binding{
				{"hotel_lobby", BackendCommercialSpaces},
				{"restaurant", BackendCommercialSpaces},
				{"office", BackendCommercialSpaces},
				{"cafe", BackendCommercialSpaces},
				{"store", BackendCommercialSpaces},
				{"boutique", BackendCommercialSpaces},
				{"spa", BackendLuxuryInterior},
			}},
			{CategoryIndustrial, []binding{
				{"factory_office", BackendInteriorDesign},
				{"showroom", BackendCommercialSpaces},
				{"meeting_room", BackendCommercialSpaces},
				{"cafeteria", BackendInteriorDesign},
			}},
			{CategoryOutdoor, []binding{
				{"garden", BackendOutdoorDesign},
				{"terrace", BackendOutdoorDesign},
				{"balcony", BackendOutdoorDesign},
				{"poolside", BackendOutdoorDesign},
			}},
		},
	},
	{
		service: ServiceStructure,
		categories: []categoryTable{
			{CategoryResidential, []binding{
				{"steel_villa", BackendFluxCannyPro},
				{"container_home", BackendFluxCannyPro},
				{"prefabricated", BackendFluxCannyPro},
				{"tiny_house", BackendFluxCannyPro},
				{"penthouse", BackendFluxCannyPro},
				{"duplex", BackendFluxCannyPro},
			}},
			{CategoryCommercial, []binding{
				{"steel_store", BackendFluxCannyPro},
				{"office_building", BackendFluxDepthPro},
				{"parking_garage", BackendFluxCannyPro},
				{"shopping_mall", BackendFluxDepthPro},
				{"hotel_building", BackendFluxCannyPro},
			}},
			{CategoryIndustrial, []binding{
				{"steel_factory", BackendFluxCannyPro},
				{"warehouse_hangar", BackendFluxCannyPro},
				{"workshop", BackendFluxCannyPro},
				{"greenhouse", BackendFluxCannyPro},
				{"cold_storage", BackendFluxCannyPro},
				{"power_plant", BackendFluxDepthPro},
			}},
			{CategoryOutdoor, []binding{
				{"facade", BackendFluxCannyPro},
				{"steel_pergola", BackendFluxCannyPro},
				{"railing", BackendFluxCannyPro},
				{"pool_structure", BackendFluxCannyPro},
				{"sports_facility", BackendFluxCannyPro},
			}},
		},
	},
	{
		service: ServiceClimate,
		categories: []categoryTable{
			{CategoryResidential, []binding{
				{"central_heating", ""},
				{"air_conditioning", ""},
				{"insulation", ""},
				{"solar_energy", ""},
				{"ventilation", ""},
			}},
			{CategoryCommercial, []binding{
				{"vrf", ""},
				{"chiller", ""},
				{"rooftop", ""},
				{"clean_room", ""},
				{"kitchen_ventilation", ""},
			}},
			{CategoryIndustrial, []binding{
				{"factory_ventilation", ""},
				{"industrial_cooling", ""},
				{"waste_heat_recovery", ""},
			}},
			{CategoryOutdoor, []binding{
				{"pool_heating", ""},
				{"greenhouse_climate", ""},
				{"ground_source", ""},
				{"outdoor_heating", ""},
			}},
		},
	},
}

// SelectBackend walks (service, category, style), then the first bound backend in
// the category, then DefaultBackend. Keys must already be normalized.
func SelectBackend(service, category, style string) domain.BackendConfig {
	table, ok := findCategory(service, category)
	if !ok {
		return MustBackend(DefaultBackend)
	}
	for _, b := range table.styles {
		if b.style == style && b.backend != "" {
			return MustBackend(b.backend)
		}
	}
	for _, b := range table.styles {
		if b.backend != "" {
			return MustBackend(b.backend)
		}
	}
	return MustBackend(DefaultBackend)
}

func findCategory(service, category string) (categoryTable, bool) {
	for _, svc := range mapping {
		if svc.service != service {
			continue
		}
		for _, cat := range svc.categories {
			if cat.category == category {
				return cat, true
			}
		}
	}
	return categoryTable{}, false
}

func Services() []string {
	out := make([]string, 0, len(mapping))
	for _, svc := range mapping {
		out = append(out, svc.service)
	}
	return out
}

func Categories(service string) []string {
	for _, svc := range mapping {
		if svc.service != service {
			continue
		}
		out := make([]string, 0, len(svc.categories))
		for _, cat := range svc.categories {
			out = append(out, cat.category)
		}
		return out
	}
	return nil
}

func Styles(service, category string) []string {
	table, ok := findCategory(service, category)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(table.styles))
	for _, b := range table.styles {
		out = append(out, b.style)
	}
	return out
}
