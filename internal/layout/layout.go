package layout

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stackyard/internal/domain"
	"stackyard/internal/grid"
	"stackyard/internal/warehouse"
)

//go:embed default.yaml
var defaultYAML []byte

type Cell struct {
	X int `yaml:"x"`
	Z int `yaml:"z"`
}

func (c Cell) Lane() domain.LaneCoord {
	return domain.LaneCoord{X: c.X, Z: c.Z}
}

type Box struct {
	Width        float64 `yaml:"width"`
	Depth        float64 `yaml:"depth"`
	Height       float64 `yaml:"height"`
	SpacingRatio float64 `yaml:"spacing_ratio"`
}

type Target struct {
	Label string `yaml:"label"`
	X     int    `yaml:"x"`
	Z     int    `yaml:"z"`
}

type Car struct {
	Label string `yaml:"label"`
	X     int    `yaml:"x"`
	Z     int    `yaml:"z"`
}

// Layout describes the warehouse floor: stack dimensions, box metrics, unload
// bays, shipping targets and car starting cells.
type Layout struct {
	Width           int      `yaml:"width"`
	Depth           int      `yaml:"depth"`
	Height          int      `yaml:"height"`
	Box             Box      `yaml:"box"`
	Bays            []Cell   `yaml:"bays"`
	ShippingTargets []Target `yaml:"shipping_targets"`
	Cars            []Car    `yaml:"cars"`
}

func Default() Layout {
	l, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded layout: %v", err))
	}
	return l
}

// Load reads a layout file. An empty path yields Default().
func Load(path string) (Layout, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout %s: %w", path, err)
	}
	l, err := Parse(raw)
	if err != nil {
		return Layout{}, fmt.Errorf("layout %s: %w", path, err)
	}
	return l, nil
}

func Parse(raw []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return Layout{}, fmt.Errorf("decode layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) Validate() error {
	if l.Width <= 0 || l.Depth <= 0 || l.Height <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", grid.ErrInvalidDimensions, l.Width, l.Depth, l.Height)
	}
	var errs []error
	for _, b := range l.Bays {
		if !l.inBounds(b.X, b.Z) {
			errs = append(errs, fmt.Errorf("%w: bay %d-%d", domain.ErrInvalidCoordinate, b.X, b.Z))
		}
	}
	if len(l.ShippingTargets) == 0 {
		errs = append(errs, errors.New("layout needs at least one shipping target"))
	}
	for _, t := range l.ShippingTargets {
		if strings.TrimSpace(t.Label) == "" {
			errs = append(errs, fmt.Errorf("shipping target %d-%d has no label", t.X, t.Z))
		}
		if !l.inBounds(t.X, t.Z) {
			errs = append(errs, fmt.Errorf("%w: shipping target %s at %d-%d", domain.ErrInvalidCoordinate, t.Label, t.X, t.Z))
		}
	}
	for _, c := range l.Cars {
		if !l.inBounds(c.X, c.Z) {
			errs = append(errs, fmt.Errorf("%w: car %q at %d-%d", domain.ErrInvalidCoordinate, c.Label, c.X, c.Z))
		}
	}
	return errors.Join(errs...)
}

func (l Layout) inBounds(x, z int) bool {
	return x >= 0 && x < l.Width && z >= 0 && z < l.Depth
}

func (l Layout) Geometry() (*grid.Geometry, error) {
	bays := make([]domain.LaneCoord, 0, len(l.Bays))
	for _, b := range l.Bays {
		bays = append(bays, b.Lane())
	}
	return grid.New(l.Width, l.Depth, l.Height, grid.Metrics{
		BoxWidth:     l.Box.Width,
		BoxDepth:     l.Box.Depth,
		BoxHeight:    l.Box.Height,
		SpacingRatio: l.Box.SpacingRatio,
	}, bays)
}

func (l Layout) CarSpecs() []warehouse.CarSpec {
	out := make([]warehouse.CarSpec, 0, len(l.Cars))
	for _, c := range l.Cars {
		out = append(out, warehouse.CarSpec{Label: c.Label, Start: domain.LaneCoord{X: c.X, Z: c.Z}})
	}
	return out
}

func (l Layout) Targets() []domain.ShippingTarget {
	out := make([]domain.ShippingTarget, 0, len(l.ShippingTargets))
	for _, t := range l.ShippingTargets {
		out = append(out, domain.ShippingTarget{Label: t.Label, Cell: domain.LaneCoord{X: t.X, Z: t.Z}})
	}
	return out
}
