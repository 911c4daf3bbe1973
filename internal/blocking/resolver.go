package blocking

import (
	"fmt"

	"stackyard/internal/domain"
)

// StackIndex is the live view of which boxes stand on a lane cell.
type StackIndex interface {
	StackAt(c domain.LaneCoord) []domain.CargoBox
}

// Bounds clamps neighbour candidates to the lane plane.
type Bounds interface {
	Clamp(c domain.LaneCoord) domain.LaneCoord
}

// Axis neighbours first, then diagonals. The first least-loaded cell wins.
var stagingOffsets = [8]domain.LaneCoord{
	{X: 1, Z: 0},
	{X: -1, Z: 0},
	{X: 0, Z: 1},
	{X: 0, Z: -1},
	{X: 1, Z: 1},
	{X: 1, Z: -1},
	{X: -1, Z: 1},
	{X: -1, Z: -1},
}

type Resolver struct {
	bounds Bounds
	stacks StackIndex
}

func New(bounds Bounds, stacks StackIndex) *Resolver {
	return &Resolver{bounds: bounds, stacks: stacks}
}

// Next returns the relocation that uncovers target, or ok=false when target
// is already on top.
func (r *Resolver) Next(target domain.CargoBox, orderItems map[int]struct{}, shipping domain.LaneCoord) (domain.RelocationStep, bool, error) {
	if !target.Located {
		return domain.RelocationStep{}, false, fmt.Errorf("%w: box %d", domain.ErrItemLocationMissing, target.ID)
	}
	column := target.Coord.Lane()
	stack := r.stacks.StackAt(column)
	if !containsBox(stack, target.ID) {
		return domain.RelocationStep{}, false, fmt.Errorf("%w: box %d is no longer at %s", domain.ErrItemNotFound, target.ID, column.Key())
	}
	top := stack[0]
	if top.ID == target.ID {
		return domain.RelocationStep{}, false, nil
	}
	step := r.stepFor(top, column, orderItems, shipping, nil)
	if step.Destination == column {
		return domain.RelocationStep{}, false, fmt.Errorf("%w: no staging cell next to %s", domain.ErrUnreachable, column.Key())
	}
	return step, true, nil
}

// Resolve plans every relocation needed to uncover target without moving
// anything. Each step's staging choice accounts for the boxes earlier steps
// would have placed.
func (r *Resolver) Resolve(target domain.CargoBox, orderItems map[int]struct{}, shipping domain.LaneCoord) ([]domain.RelocationStep, error) {
	if !target.Located {
		return nil, fmt.Errorf("%w: box %d", domain.ErrItemLocationMissing, target.ID)
	}
	column := target.Coord.Lane()
	stack := r.stacks.StackAt(column)
	if !containsBox(stack, target.ID) {
		return nil, fmt.Errorf("%w: box %d is no longer at %s", domain.ErrItemNotFound, target.ID, column.Key())
	}

	added := make(map[domain.LaneCoord]int)
	var steps []domain.RelocationStep
	for _, box := range stack {
		if box.ID == target.ID {
			break
		}
		step := r.stepFor(box, column, orderItems, shipping, added)
		if step.Destination == column {
			return nil, fmt.Errorf("%w: no staging cell next to %s", domain.ErrUnreachable, column.Key())
		}
		added[step.Destination]++
		steps = append(steps, step)
	}
	return steps, nil
}

func (r *Resolver) stepFor(box domain.CargoBox, column domain.LaneCoord, orderItems map[int]struct{}, shipping domain.LaneCoord, added map[domain.LaneCoord]int) domain.RelocationStep {
	if _, ok := orderItems[box.ID]; ok {
		return domain.RelocationStep{Box: box, Destination: shipping, ToShipping: true}
	}
	return domain.RelocationStep{Box: box, Destination: r.stagingCell(column, added)}
}

// StagingCell picks the least-loaded neighbour of center.
func (r *Resolver) StagingCell(center domain.LaneCoord) domain.LaneCoord {
	return r.stagingCell(center, nil)
}

func (r *Resolver) stagingCell(center domain.LaneCoord, added map[domain.LaneCoord]int) domain.LaneCoord {
	best := center
	bestHeight := -1
	for _, off := range stagingOffsets {
		cell := r.bounds.Clamp(domain.LaneCoord{X: center.X + off.X, Z: center.Z + off.Z})
		if cell == center {
			continue
		}
		height := len(r.stacks.StackAt(cell)) + added[cell]
		if bestHeight < 0 || height < bestHeight {
			best = cell
			bestHeight = height
		}
	}
	return best
}

func containsBox(stack []domain.CargoBox, id int) bool {
	for _, box := range stack {
		if box.ID == id {
			return true
		}
	}
	return false
}
