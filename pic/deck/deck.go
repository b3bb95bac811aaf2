// Package deck loads a run deck, the declarative description of a run's
// grid, applied fields and file-injected species, and builds the engine
// from it.
package deck

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/picsim/extinit/pic"
)

// Field kinds.
const (
	KindStatic = "static"
	KindRF     = "rf"
)

var validKinds = map[string]bool{KindStatic: true, KindRF: true}

// Deck is a parsed run deck.
type Deck struct {
	Geometry      string               `yaml:"geometry" toml:"geometry"`
	Grid          GridConfig           `yaml:"grid" toml:"grid"`
	Dt            float64              `yaml:"dt" toml:"dt"`
	GammaBoost    float64              `yaml:"gamma_boost" toml:"gamma_boost"`
	Subdomain     *SubdomainConfig     `yaml:"subdomain" toml:"subdomain"`
	AppliedFields []AppliedFieldConfig `yaml:"applied_fields" toml:"applied_fields"`
	Species       []SpeciesConfig      `yaml:"species" toml:"species"`

	// dir is the directory relative file paths resolve against.
	dir string
}

// GridConfig is the node-centered grid.
type GridConfig struct {
	Lower []float64 `yaml:"lower" toml:"lower"`
	Upper []float64 `yaml:"upper" toml:"upper"`
	Cells []int     `yaml:"cells" toml:"cells"`
}

// SubdomainConfig is the half-open node box owned by this process.
type SubdomainConfig struct {
	Lo []int `yaml:"lo" toml:"lo"`
	Hi []int `yaml:"hi" toml:"hi"`
}

// AppliedFieldConfig loads one field file.
type AppliedFieldConfig struct {
	Kind               string `yaml:"kind" toml:"kind"`
	ReadFieldsFromPath string `yaml:"read_fields_from_path" toml:"read_fields_from_path"`
	LoadE              bool   `yaml:"load_E" toml:"load_E"`
	LoadB              bool   `yaml:"load_B" toml:"load_B"`
}

// SpeciesConfig is one species. Nil pointers are "not set".
type SpeciesConfig struct {
	Name         string           `yaml:"name" toml:"name"`
	Charge       *float64         `yaml:"charge" toml:"charge"`
	Mass         *float64         `yaml:"mass" toml:"mass"`
	DensityScale *float64         `yaml:"density_scale" toml:"density_scale"`
	Injection    *InjectionConfig `yaml:"injection" toml:"injection"`
}

// InjectionConfig reads a species' initial particles from a file.
type InjectionConfig struct {
	File               string   `yaml:"file" toml:"file"`
	FileSpecies        string   `yaml:"file_species" toml:"file_species"`
	Charge             *float64 `yaml:"charge" toml:"charge"`
	Mass               *float64 `yaml:"mass" toml:"mass"`
	ZShift             *float64 `yaml:"z_shift" toml:"z_shift"`
	ImposeTLabFromFile *bool    `yaml:"impose_t_lab_from_file" toml:"impose_t_lab_from_file"`
	QTot               float64  `yaml:"q_tot" toml:"q_tot"`
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) deck. Unknown keys are
// rejected in both formats.
func Load(path string) (*Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run deck: %w", err)
	}
	var d Deck
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&d); err != nil {
			return nil, fmt.Errorf("parsing run deck %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &d)
		if err != nil {
			return nil, fmt.Errorf("parsing run deck %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing run deck %s: unknown keys %v", path, undecoded)
		}
	default:
		return nil, fmt.Errorf("run deck %s: unknown extension %q; valid: .yaml, .yml, .toml", path, ext)
	}
	d.dir = filepath.Dir(path)
	return &d, nil
}

// Config returns the engine configuration described by the deck.
func (d *Deck) Config() pic.Config {
	cfg := pic.Config{
		Grid: pic.Grid{
			Geometry: pic.Geometry(d.Geometry),
			Lower:    d.Grid.Lower,
			Upper:    d.Grid.Upper,
			Cells:    d.Grid.Cells,
		},
		Dt:         d.Dt,
		GammaBoost: d.GammaBoost,
	}
	if d.Subdomain != nil {
		cfg.Subdomain = &pic.Box{Lo: d.Subdomain.Lo, Hi: d.Subdomain.Hi}
	}
	return cfg
}

// Validate checks the deck without touching any data file.
func (d *Deck) Validate() error {
	if _, err := pic.ParseGeometry(d.Geometry); err != nil {
		return err
	}
	if err := d.Config().Grid.Validate(); err != nil {
		return err
	}
	if d.Dt < 0 || math.IsNaN(d.Dt) || math.IsInf(d.Dt, 0) {
		return pic.Configurationf("dt must be finite and non-negative, got %g", d.Dt)
	}
	if d.GammaBoost < 0 || math.IsNaN(d.GammaBoost) || math.IsInf(d.GammaBoost, 0) {
		return pic.Configurationf("gamma_boost must be finite and non-negative, got %g", d.GammaBoost)
	}
	for i, af := range d.AppliedFields {
		if !validKinds[af.Kind] {
			return pic.Configurationf("applied_fields[%d]: unknown kind %q; valid: static, rf", i, af.Kind)
		}
		if af.ReadFieldsFromPath == "" {
			return pic.Configurationf("applied_fields[%d]: read_fields_from_path is required", i)
		}
	}
	seen := map[string]bool{}
	for i, sc := range d.Species {
		if sc.Name == "" {
			return pic.Configurationf("species[%d]: name is required", i)
		}
		if seen[sc.Name] {
			return pic.Configurationf("species[%d]: duplicate name %q", i, sc.Name)
		}
		seen[sc.Name] = true
		if sc.Mass != nil && !(*sc.Mass > 0) {
			return pic.Configurationf("species %s: mass must be positive, got %g", sc.Name, *sc.Mass)
		}
		if sc.Injection != nil && sc.Injection.File == "" {
			return pic.Configurationf("species %s: injection.file is required", sc.Name)
		}
		if sc.Injection != nil && sc.DensityScale != nil {
			return pic.Configurationf("species %s: density_scale cannot be used with an external file injection", sc.Name)
		}
	}
	return nil
}

// resolve makes a deck-relative path usable from the working directory.
func (d *Deck) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || d.dir == "" {
		return p
	}
	return filepath.Join(d.dir, p)
}
