package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CreditPack is a purchasable bundle of credits.
type CreditPack struct {
	ID       string          `mapstructure:"id" json:"id"`
	Name     string          `mapstructure:"name" json:"name"`
	Credits  int64           `mapstructure:"credits" json:"credits"`
	Price    decimal.Decimal `mapstructure:"-" json:"price"`
	RawPrice string          `mapstructure:"price" json:"-"`
	Currency string          `mapstructure:"currency" json:"currency"`
	Popular  bool            `mapstructure:"popular" json:"popular,omitempty"`
}

// DurationCost prices a video by its length.
type DurationCost struct {
	Duration string `mapstructure:"duration" json:"duration"`
	Seconds  int    `mapstructure:"seconds" json:"seconds"`
	Credits  int64  `mapstructure:"credits" json:"credits"`
}

type catalogFile struct {
	FreeAllowance int64          `mapstructure:"freeAllowance"`
	ImageCost     int64          `mapstructure:"imageCost"`
	Packs         []CreditPack   `mapstructure:"packs"`
	Durations     []DurationCost `mapstructure:"durations"`
}

// Catalog is the immutable pricing table loaded once at startup.
type Catalog struct {
	freeAllowance int64
	imageCost     int64
	packs         map[string]CreditPack
	packOrder     []string
	durations     map[string]DurationCost
	durationOrder []string
}

func defaultCatalogFile() catalogFile {
	return catalogFile{
		FreeAllowance: 3,
		ImageCost:     1,
		Packs: []CreditPack{
			{ID: "starter", Name: "Starter", Credits: 50, RawPrice: "149", Currency: "TRY"},
			{ID: "pro", Name: "Professional", Credits: 150, RawPrice: "399", Currency: "TRY"},
			{ID: "agency", Name: "Agency", Credits: 500, RawPrice: "999", Currency: "TRY", Popular: true},
			{ID: "enterprise", Name: "Enterprise", Credits: 1500, RawPrice: "2499", Currency: "TRY"},
		},
		Durations: []DurationCost{
			{Duration: "20s", Seconds: 20, Credits: 3},
			{Duration: "30s", Seconds: 30, Credits: 5},
			{Duration: "40s", Seconds: 40, Credits: 8},
			{Duration: "60s", Seconds: 60, Credits: 12},
		},
	}
}

// DefaultCatalog returns the built-in catalog without reading any file.
func DefaultCatalog() *Catalog {
	c, err := buildCatalog(defaultCatalogFile())
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog reads catalog.yml when present and falls back to the built-in tables.
func NewCatalog() (*Catalog, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/genbroker")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GENBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := defaultCatalogFile()
	v.SetDefault("catalog.freeAllowance", defaults.FreeAllowance)
	v.SetDefault("catalog.imageCost", defaults.ImageCost)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		v.SetDefault("catalog.packs", defaults.Packs)
		v.SetDefault("catalog.durations", defaults.Durations)
	}

	var file catalogFile
	if err := v.UnmarshalKey("catalog", &file); err != nil {
		return nil, err
	}
	if len(file.Packs) == 0 {
		file.Packs = defaults.Packs
	}
	if len(file.Durations) == 0 {
		file.Durations = defaults.Durations
	}

	return buildCatalog(file)
}

func buildCatalog(file catalogFile) (*Catalog, error) {
	if file.FreeAllowance < 0 {
		return nil, errors.New("catalog.freeAllowance cannot be negative")
	}
	if file.ImageCost <= 0 {
		return nil, errors.New("catalog.imageCost must be positive")
	}

	c := &Catalog{
		freeAllowance: file.FreeAllowance,
		imageCost:     file.ImageCost,
		packs:         make(map[string]CreditPack, len(file.Packs)),
		durations:     make(map[string]DurationCost, len(file.Durations)),
	}

	for _, pack := range file.Packs {
		id := strings.ToLower(strings.TrimSpace(pack.ID))
		if id == "" {
			return nil, errors.New("catalog.packs: id is required")
		}
		if pack.Credits <= 0 {
			return nil, fmt.Errorf("catalog.packs[%s]: credits must be positive", id)
		}
		if _, exists := c.packs[id]; exists {
			return nil, fmt.Errorf("catalog.packs[%s]: duplicate id", id)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(pack.RawPrice))
		if err != nil {
			return nil, fmt.Errorf("catalog.packs[%s]: invalid price: %w", id, err)
		}
		pack.ID = id
		pack.Price = price
		c.packs[id] = pack
		c.packOrder = append(c.packOrder, id)
	}

	for _, d := range file.Durations {
		key := strings.ToLower(strings.TrimSpace(d.Duration))
		if key == "" || d.Credits <= 0 {
			return nil, fmt.Errorf("catalog.durations: invalid entry %q", d.Duration)
		}
		d.Duration = key
		c.durations[key] = d
		c.durationOrder = append(c.durationOrder, key)
	}
	sort.SliceStable(c.durationOrder, func(i, j int) bool {
		return c.durations[c.durationOrder[i]].Seconds < c.durations[c.durationOrder[j]].Seconds
	})

	return c, nil
}

func (c *Catalog) FreeAllowance() int64 { return c.freeAllowance }

func (c *Catalog) ImageCost() int64 { return c.imageCost }

func (c *Catalog) Pack(id string) (CreditPack, bool) {
	pack, ok := c.packs[strings.ToLower(strings.TrimSpace(id))]
	return pack, ok
}

func (c *Catalog) Packs() []CreditPack {
	out := make([]CreditPack, 0, len(c.packOrder))
	for _, id := range c.packOrder {
		out = append(out, c.packs[id])
	}
	return out
}

// DurationCost accepts "30s", "30" or "30 s".
func (c *Catalog) DurationCost(duration string) (DurationCost, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(duration), " ", ""))
	if key != "" && !strings.HasSuffix(key, "s") {
		key += "s"
	}
	d, ok := c.durations[key]
	return d, ok
}

func (c *Catalog) Durations() []DurationCost {
	out := make([]DurationCost, 0, len(c.durationOrder))
	for _, key := range c.durationOrder {
		out = append(out, c.durations[key])
	}
	return out
}
