package planner

import (
	"fmt"

	"stackyard/internal/domain"
)

// Bounds is the lane plane a Planner searches.
type Bounds interface {
	Width() int
	Depth() int
}

// Expansion order is fixed so that equal-length routes resolve the same way
// on every run.
var neighbourOffsets = [4]domain.LaneCoord{
	{X: 1, Z: 0},
	{X: -1, Z: 0},
	{X: 0, Z: 1},
	{X: 0, Z: -1},
}

type Planner struct {
	width   int
	depth   int
	blocked map[domain.LaneCoord]struct{}
}

func New(bounds Bounds) *Planner {
	return &Planner{
		width:   bounds.Width(),
		depth:   bounds.Depth(),
		blocked: make(map[domain.LaneCoord]struct{}),
	}
}

// Block marks cells impassable. The warehouse floor is open, so the
// simulation never calls this; it exists for obstacle-aware callers.
func (p *Planner) Block(cells ...domain.LaneCoord) {
	for _, c := range cells {
		p.blocked[c] = struct{}{}
	}
}

func (p *Planner) inBounds(c domain.LaneCoord) bool {
	return c.X >= 0 && c.X < p.width && c.Z >= 0 && c.Z < p.depth
}

func (p *Planner) passable(c domain.LaneCoord) bool {
	_, blocked := p.blocked[c]
	return p.inBounds(c) && !blocked
}

// FindPath returns the cells from start to goal inclusive.
func (p *Planner) FindPath(start, goal domain.LaneCoord) ([]domain.LaneCoord, error) {
	if !p.inBounds(start) {
		return nil, fmt.Errorf("%w: start %s", domain.ErrInvalidCoordinate, start.Key())
	}
	if !p.inBounds(goal) {
		return nil, fmt.Errorf("%w: goal %s", domain.ErrInvalidCoordinate, goal.Key())
	}
	if start == goal {
		return []domain.LaneCoord{start}, nil
	}
	if !p.passable(goal) {
		return nil, fmt.Errorf("%w: goal %s is blocked", domain.ErrUnreachable, goal.Key())
	}

	parent := map[domain.LaneCoord]domain.LaneCoord{start: start}
	queue := []domain.LaneCoord{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == goal {
			return backtrace(parent, start, goal), nil
		}
		for _, off := range neighbourOffsets {
			next := domain.LaneCoord{X: cur.X + off.X, Z: cur.Z + off.Z}
			if !p.passable(next) {
				continue
			}
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: no route %s -> %s", domain.ErrUnreachable, start.Key(), goal.Key())
}

func backtrace(parent map[domain.LaneCoord]domain.LaneCoord, start, goal domain.LaneCoord) []domain.LaneCoord {
	var path []domain.LaneCoord
	for cur := goal; ; cur = parent[cur] {
		path = append(path, cur)
		if cur == start {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
