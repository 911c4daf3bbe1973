package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stackyard/internal/domain"
)

func TestDefaultLayout(t *testing.T) {
	l := Default()
	geom, err := l.Geometry()
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	if geom.Width() != 5 || geom.Depth() != 10 || geom.Height() != 5 {
		t.Fatalf("dims=%dx%dx%d want=5x10x5", geom.Width(), geom.Depth(), geom.Height())
	}
	if geom.MaxBoxID() != 230 {
		t.Fatalf("max box id=%d want=230", geom.MaxBoxID())
	}
	cars := l.CarSpecs()
	if len(cars) != 2 || cars[0].Label != "horizontal car" || cars[1].Start != (domain.LaneCoord{X: 4, Z: 0}) {
		t.Fatalf("cars=%+v", cars)
	}
	targets := l.Targets()
	if len(targets) != 2 || targets[1].Label != "X4Y1" || targets[1].Cell != (domain.LaneCoord{X: 3, Z: 0}) {
		t.Fatalf("targets=%+v", targets)
	}
}

func TestParseRejectsOutOfRangeCells(t *testing.T) {
	raw := []byte(`
width: 3
depth: 3
height: 2
bays:
  - {x: 5, z: 0}
shipping_targets:
  - {label: A, x: 0, z: 3}
cars:
  - {label: c, x: -1, z: 0}
`)
	_, err := Parse(raw)
	if !errors.Is(err, domain.ErrInvalidCoordinate) {
		t.Fatalf("err=%v want invalid coordinate", err)
	}
}

func TestParseRejectsEmptyDimensions(t *testing.T) {
	if _, err := Parse([]byte("width: 0\ndepth: 3\nheight: 1\n")); err == nil {
		t.Fatalf("expected error for zero width")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	body := `
width: 2
depth: 3
height: 4
box: {width: 2, depth: 2, height: 1, spacing_ratio: 0.5}
shipping_targets:
  - {label: dock, x: 1, z: 2}
cars:
  - {label: solo, x: 0, z: 0}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	l, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	geom, err := l.Geometry()
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	if geom.MaxBoxID() != 24 {
		t.Fatalf("max box id=%d want=24", geom.MaxBoxID())
	}
	if l.Targets()[0].Cell != (domain.LaneCoord{X: 1, Z: 2}) {
		t.Fatalf("target=%+v", l.Targets()[0])
	}

	def, err := Load("")
	if err != nil || def.Width != 5 {
		t.Fatalf("empty path layout=%+v err=%v", def, err)
	}
}
