package grid

import (
	"errors"
	"fmt"
	"math"

	"stackyard/internal/domain"
)

var ErrInvalidDimensions = errors.New("grid dimensions must be positive")

// Metrics is the physical size of one storage box and the spacing ratio
// between neighbouring boxes along each axis.
type Metrics struct {
	BoxWidth     float64
	BoxDepth     float64
	BoxHeight    float64
	SpacingRatio float64
}

func (m Metrics) withDefaults() Metrics {
	if m.BoxWidth <= 0 {
		m.BoxWidth = 1
	}
	if m.BoxDepth <= 0 {
		m.BoxDepth = 1
	}
	if m.BoxHeight <= 0 {
		m.BoxHeight = 1
	}
	if m.SpacingRatio < 0 {
		m.SpacingRatio = 0
	}
	return m
}

// Geometry is immutable after New and safe for concurrent reads.
type Geometry struct {
	width  int
	depth  int
	height int

	metrics Metrics
	pitchX  float64
	pitchY  float64
	pitchZ  float64
	startX  float64
	startY  float64
	startZ  float64
	trackY  float64

	bays    map[domain.LaneCoord]struct{}
	bayList []domain.LaneCoord
}

func New(width, depth, height int, metrics Metrics, bays []domain.LaneCoord) (*Geometry, error) {
	if width <= 0 || depth <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, depth, height)
	}
	metrics = metrics.withDefaults()

	g := &Geometry{
		width:   width,
		depth:   depth,
		height:  height,
		metrics: metrics,
		bays:    make(map[domain.LaneCoord]struct{}, len(bays)),
	}
	spacingX := metrics.BoxWidth * metrics.SpacingRatio
	spacingZ := metrics.BoxDepth * metrics.SpacingRatio
	g.pitchX = metrics.BoxWidth + spacingX
	g.pitchZ = metrics.BoxDepth + spacingZ
	g.pitchY = metrics.BoxHeight

	totalWidth := float64(width)*metrics.BoxWidth + float64(width-1)*spacingX
	totalDepth := float64(depth)*metrics.BoxDepth + float64(depth-1)*spacingZ
	totalHeight := float64(height) * metrics.BoxHeight
	g.startX = -totalWidth/2 + metrics.BoxWidth/2
	g.startZ = -totalDepth/2 + metrics.BoxDepth/2
	g.startY = -totalHeight/2 + metrics.BoxHeight/2

	topY := g.startY + float64(height-1)*g.pitchY + metrics.BoxHeight/2
	pillarTopY := topY + metrics.BoxHeight
	g.trackY = pillarTopY + metrics.BoxHeight*0.7

	for _, bay := range bays {
		if !g.InBounds(bay) {
			return nil, fmt.Errorf("%w: bay %s outside %dx%d", domain.ErrInvalidCoordinate, bay.Key(), width, depth)
		}
		if _, dup := g.bays[bay]; dup {
			continue
		}
		g.bays[bay] = struct{}{}
		g.bayList = append(g.bayList, bay)
	}
	return g, nil
}

func (g *Geometry) Width() int  { return g.width }
func (g *Geometry) Depth() int  { return g.depth }
func (g *Geometry) Height() int { return g.height }

func (g *Geometry) Metrics() Metrics { return g.metrics }

func (g *Geometry) Bays() []domain.LaneCoord {
	out := make([]domain.LaneCoord, len(g.bayList))
	copy(out, g.bayList)
	return out
}

func (g *Geometry) IsBay(c domain.LaneCoord) bool {
	_, ok := g.bays[c]
	return ok
}

func (g *Geometry) InBounds(c domain.LaneCoord) bool {
	return c.X >= 0 && c.X < g.width && c.Z >= 0 && c.Z < g.depth
}

// Validate returns ErrInvalidCoordinate for cells outside the lane plane.
func (g *Geometry) Validate(c domain.LaneCoord) error {
	if !g.InBounds(c) {
		return fmt.Errorf("%w: %s outside %dx%d", domain.ErrInvalidCoordinate, c.Key(), g.width, g.depth)
	}
	return nil
}

// ParseCell decodes an "x-z" key and checks it against the lane plane.
func (g *Geometry) ParseCell(key string) (domain.LaneCoord, error) {
	c, err := domain.ParseCellKey(key)
	if err != nil {
		return domain.LaneCoord{}, err
	}
	if err := g.Validate(c); err != nil {
		return domain.LaneCoord{}, err
	}
	return c, nil
}

// MaxBoxID is the number of storable slots: every layer of every non-bay cell.
func (g *Geometry) MaxBoxID() int {
	return g.width*g.depth*g.height - len(g.bayList)*g.height
}

// Clamp pulls c into the lane plane.
func (g *Geometry) Clamp(c domain.LaneCoord) domain.LaneCoord {
	return domain.LaneCoord{
		X: clampInt(c.X, 0, g.width-1),
		Z: clampInt(c.Z, 0, g.depth-1),
	}
}

// LaneToWorld is the waypoint an agent occupies above cell c.
func (g *Geometry) LaneToWorld(c domain.LaneCoord) domain.Vec3 {
	return domain.Vec3{
		X: g.startX + float64(c.X)*g.pitchX,
		Y: g.trackY,
		Z: g.startZ + float64(c.Z)*g.pitchZ,
	}
}

// WorldToLane inverts LaneToWorld without clamping.
func (g *Geometry) WorldToLane(p domain.Vec3) domain.LaneCoord {
	return domain.LaneCoord{
		X: int(math.Round((p.X - g.startX) / g.pitchX)),
		Z: int(math.Round((p.Z - g.startZ) / g.pitchZ)),
	}
}

// SlotToWorld is the centre of storage slot c.
func (g *Geometry) SlotToWorld(c domain.GridCoord) domain.Vec3 {
	return domain.Vec3{
		X: g.startX + float64(c.X)*g.pitchX,
		Y: g.startY + float64(c.Y)*g.pitchY,
		Z: g.startZ + float64(c.Z)*g.pitchZ,
	}
}

// WorldToGrid rounds a box position to its slot. Lane axes clamp to the
// plane; the layer clamps to height+2 to allow for stacks grown at bays.
func (g *Geometry) WorldToGrid(p domain.Vec3) domain.GridCoord {
	x := int(math.Round((p.X - g.startX) / g.pitchX))
	y := int(math.Round((p.Y - g.startY) / g.pitchY))
	z := int(math.Round((p.Z - g.startZ) / g.pitchZ))
	return domain.GridCoord{
		X: clampInt(x, 0, g.width-1),
		Y: clampInt(y, 0, g.height+2),
		Z: clampInt(z, 0, g.depth-1),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
