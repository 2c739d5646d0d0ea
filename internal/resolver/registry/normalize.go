package registry

import (
	"strings"

	"github.com/gosimple/slug"
)

var serviceAliases = map[string]string{
	"dekorasyon":    ServiceDecoration,
	"yapi":          ServiceStructure,
	"iklimlendirme": ServiceClimate,
}

var categoryAliases = map[string]string{
	"ev":          CategoryResidential,
	"ticari":      CategoryCommercial,
	"endustriyel": CategoryIndustrial,
	"diger":       CategoryOutdoor,
}

// Keys from the legacy mapping table, folded onto the authoritative names.
var styleAliases = map[string]string{
	"iskandinav":        "scandinavian",
	"bohem":             "bohemian",
	"rustik":            "rustic",
	"luks":              "luxury",
	"klasik":            "classic",
	"endustriyel_sik":   "industrial_chic",
	"otel_lobisi":       "hotel_lobby",
	"restoran":          "restaurant",
	"ofis":              "office",
	"kafe":              "cafe",
	"magaza":            "store",
	"butik":             "boutique",
	"fabrika_ofisi":     "factory_office",
	"toplanti_salonu":   "meeting_room",
	"yemekhane":         "cafeteria",
	"bahce_dekor":       "garden",
	"teras_dekor":       "terrace",
	"balkon_dekor":      "balcony",
	"havuz_cevresi":     "poolside",
	"celik_villa":       "steel_villa",
	"konteyner_ev":      "container_home",
	"prefabrik":         "prefabricated",
	"cati_kati":         "penthouse",
	"dubleks":           "duplex",
	"celik_magaza":      "steel_store",
	"ofis_binasi":       "office_building",
	"otopark":           "parking_garage",
	"avm":               "shopping_mall",
	"otel_binasi":       "hotel_building",
	"celik_fabrika":     "steel_factory",
	"depo_hangar":       "warehouse_hangar",
	"atolye":            "workshop",
	"sera":              "greenhouse",
	"soguk_hava_deposu": "cold_storage",
	"enerji_santrali":   "power_plant",
	"dis_cephe":         "facade",
	"celik_pergola":     "steel_pergola",
	"korkuluk":          "railing",
	"havuz_yapisi":      "pool_structure",
	"spor_tesisi":       "sports_facility",
}

// NormalizeKey lowercases, transliterates and snake-cases a registry key.
func NormalizeKey(raw string) string {
	s := slug.Make(strings.TrimSpace(raw))
	return strings.ReplaceAll(s, "-", "_")
}

func NormalizeService(raw string) string {
	return alias(serviceAliases, NormalizeKey(raw))
}

func NormalizeCategory(raw string) string {
	return alias(categoryAliases, NormalizeKey(raw))
}

func NormalizeStyle(raw string) string {
	return alias(styleAliases, NormalizeKey(raw))
}

func NormalizeTool(raw string) string {
	return NormalizeKey(raw)
}

func alias(table map[string]string, key string) string {
	if canonical, ok := table[key]; ok {
		return canonical
	}
	return key
}
