package selection

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnknownCriterion = errors.New("unknown selection function")

// BandTable maps an instrument filter code to a band label.
type BandTable map[int]string

// ZTFBands is the band table of the reference instrument.
var ZTFBands = BandTable{1: "g", 2: "r", 3: "i"}

// Label returns the band label for a filter code. Unknown codes report false.
func (b BandTable) Label(code int) (string, bool) {
	label, ok := b[code]
	return label, ok
}

// Code returns the filter code for a band label.
func (b BandTable) Code(label string) (int, bool) {
	for code, l := range b {
		if l == label {
			return code, true
		}
	}
	return 0, false
}

// Criterion is a named selection function. It is read-only once loaded and
// is passed explicitly to every evaluation.
type Criterion struct {
	Name         string    `yaml:"-"`
	Filters      []string  `yaml:"filters"`
	Significance float64   `yaml:"significance"`
	MinBands     int       `yaml:"minBands"`
	MinNights    int       `yaml:"minNights"`
	MagLimit     float64   `yaml:"magLimit"`
	Bands        BandTable `yaml:"bands,omitempty"`
}

// BandTable returns the criterion's band table, defaulting to ZTF.
func (c Criterion) BandTable() BandTable {
	if len(c.Bands) == 0 {
		return ZTFBands
	}
	return c.Bands
}

func (c Criterion) wantsBand(label string) bool {
	for _, f := range c.Filters {
		if f == label {
			return true
		}
	}
	return false
}

// Validate reports configuration problems. An invalid criterion never
// passes an object; Validate exists so misconfiguration is caught at load.
func (c Criterion) Validate() error {
	if len(c.Filters) == 0 {
		return fmt.Errorf("selection %q: filters must not be empty", c.Name)
	}
	if c.Significance <= 0 || math.IsNaN(c.Significance) {
		return fmt.Errorf("selection %q: significance must be positive", c.Name)
	}
	if c.MinBands < 1 {
		return fmt.Errorf("selection %q: minBands must be at least 1", c.Name)
	}
	if c.MinNights < 1 {
		return fmt.Errorf("selection %q: minNights must be at least 1", c.Name)
	}
	if math.IsNaN(c.MagLimit) || c.MagLimit == 0 {
		return fmt.Errorf("selection %q: magLimit is required", c.Name)
	}
	table := c.BandTable()
	for _, f := range c.Filters {
		if _, ok := table.Code(f); !ok {
			return fmt.Errorf("selection %q: filter %q has no band code", c.Name, f)
		}
	}
	return nil
}

// Functions is a file of named selection functions.
type Functions map[string]Criterion

// LoadFunctions reads a YAML file of named selection functions.
func LoadFunctions(path string) (Functions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selection functions: %w", err)
	}
	return ParseFunctions(raw)
}

// ParseFunctions decodes selection functions from YAML.
func ParseFunctions(raw []byte) (Functions, error) {
	var fns Functions
	if err := yaml.Unmarshal(raw, &fns); err != nil {
		return nil, fmt.Errorf("decode selection functions: %w", err)
	}
	for name, c := range fns {
		c.Name = name
		fns[name] = c
	}
	return fns, nil
}

// Get returns the named, validated criterion.
func (f Functions) Get(name string) (Criterion, error) {
	c, ok := f[name]
	if !ok {
		return Criterion{}, fmt.Errorf("%w: %q (have %v)", ErrUnknownCriterion, name, f.names())
	}
	if err := c.Validate(); err != nil {
		return Criterion{}, err
	}
	return c, nil
}

func (f Functions) names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
