package registry

var styleKeywords = map[string]string{
	"modern":           "clean lines, contemporary furniture, neutral colors, open space, natural light",
	"minimalist":       "minimal furniture, white walls, simple design, uncluttered, Scandinavian style",
	"scandinavian":     "light wood, white and gray tones, cozy textiles, hygge atmosphere, functional design",
	"luxury":           "elegant furniture, marble surfaces, chandeliers, rich textures, gold accents, high-end materials",
	"classic":          "traditional furniture, ornate details, warm colors, timeless design, crown molding",
	"art_deco":         "geometric patterns, bold colors, metallic accents, vintage glamour, 1920s style",
	"bohemian":         "colorful textiles, plants, eclectic mix, layered textures, artistic pieces",
	"rustic":           "natural wood, exposed beams, stone accents, earthy tones, cozy atmosphere",
	"japandi":          "Japanese minimalism, Scandinavian warmth, natural materials, wabi-sabi, neutral palette",
	"industrial_chic":  "exposed brick, metal fixtures, raw materials, urban loft, industrial elegance",
	"hotel_lobby":      "luxury hospitality, grand entrance, elegant lobby, premium furnishings",
	"restaurant":       "dining atmosphere, ambient lighting, table settings, warm ambiance",
	"office":           "professional workspace, ergonomic furniture, collaborative areas, corporate design",
	"cafe":             "cozy seating, coffee bar, casual atmosphere, natural light, welcoming ambiance",
	"store":            "retail display, well-lit space, product showcasing, modern shelving",
	"boutique":         "exclusive atmosphere, curated displays, premium finishes, intimate space",
	"spa":              "serene atmosphere, natural materials, water elements, calming tones, zen design",
	"steel_villa":      "modern steel structure, large windows, contemporary architecture, industrial elegance",
	"container_home":   "shipping container home, creative adaptation, compact living, industrial chic",
	"prefabricated":    "prefabricated building, modular design, quick assembly, modern finish",
	"tiny_house":       "compact living, smart storage, minimalist design, mobile home",
	"steel_factory":    "industrial steel building, wide span, high ceiling, functional layout",
	"warehouse_hangar": "warehouse structure, steel frame, large doors, efficient storage",
	"greenhouse":       "greenhouse structure, glass and steel, climate controlled, agricultural",
	"garden":           "lush plants, outdoor furniture, natural landscaping, pathways, water features",
	"terrace":          "outdoor seating, pergola, planters, ambient lighting, entertainment area",
	"balcony":          "small space design, railing planters, cozy seating, vertical garden",
	"poolside":         "pool surroundings, sun loungers, cabana, tropical plants",
	"facade":           "building facade, modern cladding, architectural lighting, curb appeal",
	"steel_pergola":    "steel pergola, outdoor shade, climbing plants, modern design",
	"factory_office":   "industrial office, exposed brick, open ceiling, modern furnishings",
	"showroom":         "product display space, dramatic lighting, clean layout, brand-focused",
	"meeting_room":     "conference room, large table, tech-equipped, professional atmosphere",
}

// StyleKeywords returns the static keyword enhancement for a style, or "".
func StyleKeywords(style string) string {
	return styleKeywords[style]
}

// Tool pairs an instruction phrase with a strength override.
type Tool struct {
	Phrase   string
	Strength float64
}

var tools = map[string]map[string]Tool{
	ServiceDecoration: {
		"redesign":  {Phrase: "Redesign this space", Strength: 0.8},
		"furnish":   {Phrase: "Add furniture to empty room", Strength: 0.7},
		"remove":    {Phrase: "Remove furniture and objects, clean empty room", Strength: 0.95},
		"wallpaint": {Phrase: "Change wall color", Strength: 0.9},
		"floor":     {Phrase: "Change floor material", Strength: 0.85},
	},
	ServiceStructure: {
		"redesign":  {Phrase: "Design a new structure", Strength: 0.8},
		"transform": {Phrase: "Transform this building/area", Strength: 0.75},
	},
}

var defaultToolPhrase = map[string]string{
	ServiceDecoration: "Redesign this space",
	ServiceStructure:  "Design a new structure",
}

// LookupTool returns the tool registered for the service, if any.
func LookupTool(service, tool string) (Tool, bool) {
	t, ok := tools[service][tool]
	return t, ok
}

func DefaultToolPhrase(service string) string {
	if phrase, ok := defaultToolPhrase[service]; ok {
		return phrase
	}
	return "Redesign this space"
}

var categoryWords = map[string]string{
	CategoryResidential: "residential",
	CategoryCommercial:  "commercial",
	CategoryIndustrial:  "industrial",
	CategoryOutdoor:     "outdoor",
}

// ContextPhrase describes the space and service for the prompt.
func ContextPhrase(service, category string) string {
	words, ok := categoryWords[category]
	if !ok {
		words = categoryWords[CategoryResidential]
	}
	switch service {
	case ServiceDecoration:
		return words + " interior design"
	case ServiceStructure:
		return words + " building structure, architectural design, steel construction"
	default:
		return words
	}
}

const QualitySuffix = "professional, photorealistic, high quality, 8k, maintain room structure"
