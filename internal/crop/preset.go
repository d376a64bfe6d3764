package crop

import (
	"fmt"
	"sort"
	"strings"
)

// Preset is a named output format: the crop ratio and the exact pixel size the
// cropped region is scaled to.
type Preset struct {
	Name   string  `mapstructure:"name" json:"name"`
	Ratio  float64 `mapstructure:"ratio" json:"ratio"`
	Width  int     `mapstructure:"width" json:"width"`
	Height int     `mapstructure:"height" json:"height"`
}

// Built-in marketplace presets.
var (
	Instagram = Preset{Name: "instagram", Ratio: 1.0, Width: 1080, Height: 1080}
	Shopee    = Preset{Name: "shopee", Ratio: 4.0 / 5.0, Width: 1080, Height: 1350}
	Amazon    = Preset{Name: "amazon", Ratio: 1.0, Width: 2000, Height: 2000}
)

// Presets is a registry of presets keyed by lower-case name.
type Presets map[string]Preset

// DefaultPresets returns the built-in presets.
func DefaultPresets() Presets {
	return Presets{
		Instagram.Name: Instagram,
		Shopee.Name:    Shopee,
		Amazon.Name:    Amazon,
	}
}

// With returns a copy of p extended (or overridden) by extra.
func (p Presets) With(extra ...Preset) (Presets, error) {
	out := make(Presets, len(p)+len(extra))
	for k, v := range p {
		out[k] = v
	}
	for _, e := range extra {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		out[strings.ToLower(e.Name)] = e
	}
	return out, nil
}

// Lookup returns the preset with the given name.
func (p Presets) Lookup(name string) (Preset, error) {
	preset, ok := p[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, fmt.Errorf("invalid preset %q, choose one of: %s", name, strings.Join(p.Names(), ", "))
	}
	return preset, nil
}

// Names lists the registered preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the preset can drive a crop and resize.
func (p Preset) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("preset name is required")
	}
	if p.Ratio <= 0 || p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("preset %q: ratio and size must be positive", p.Name)
	}
	return nil
}
