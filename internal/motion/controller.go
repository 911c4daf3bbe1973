package motion

import (
	"context"
	"fmt"
	"math"
	"sync"

	"stackyard/internal/domain"
)

// Geometry converts lane cells to waypoints and validates them.
type Geometry interface {
	LaneToWorld(c domain.LaneCoord) domain.Vec3
	Validate(c domain.LaneCoord) error
}

// PathFinder plans a lane route from start to goal inclusive.
type PathFinder interface {
	FindPath(start, goal domain.LaneCoord) ([]domain.LaneCoord, error)
}

type waypoint struct {
	coord domain.LaneCoord
	world domain.Vec3
}

type agent struct {
	id      string
	label   string
	coord   domain.LaneCoord
	pos     domain.Vec3
	heading float64
	state   domain.MotionState

	path   []waypoint
	cursor int
	target *domain.LaneCoord

	carrying int
	// arrived is closed when the current trip ends. Nil unless en-route.
	arrived chan struct{}
}

// Controller owns every agent's pose. All methods are safe for concurrent use.
type Controller struct {
	geom    Geometry
	planner PathFinder
	speed   float64

	mu     sync.Mutex
	agents map[string]*agent
	order  []string
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func New(geom Geometry, planner PathFinder, speed float64) *Controller {
	if speed <= 0 {
		speed = 2.0
	}
	return &Controller{
		geom:    geom,
		planner: planner,
		speed:   speed,
		agents:  make(map[string]*agent),
	}
}

func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Controller) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
}

// Add registers an idle agent at start.
func (c *Controller) Add(id, label string, start domain.LaneCoord) error {
	if err := c.geom.Validate(start); err != nil {
		return fmt.Errorf("add agent %s: %w", id, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[id]; exists {
		return fmt.Errorf("agent %s already registered", id)
	}
	c.agents[id] = &agent{
		id:    id,
		label: label,
		coord: start,
		pos:   c.geom.LaneToWorld(start),
		state: domain.MotionStateIdle,
	}
	c.order = append(c.order, id)
	return nil
}

// IDs lists agents in registration order.
func (c *Controller) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Controller) lookup(id string) (*agent, error) {
	a, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return a, nil
}

// SetDestination plans from the agent's current lane cell to cell. A failed
// plan leaves the existing path untouched.
func (c *Controller) SetDestination(id string, cell domain.LaneCoord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.geom.Validate(cell); err != nil {
		return err
	}
	route, err := c.planner.FindPath(a.coord, cell)
	if err != nil {
		return err
	}

	path := make([]waypoint, len(route))
	for i, lane := range route {
		path[i] = waypoint{coord: lane, world: c.geom.LaneToWorld(lane)}
	}
	target := cell
	a.path = path
	a.cursor = 0
	a.target = &target

	if len(path) == 1 && a.pos == path[0].world {
		a.coord = path[0].coord
		c.finishLocked(a)
		return nil
	}
	if a.state != domain.MotionStateEnRoute {
		a.arrived = make(chan struct{})
	}
	a.state = domain.MotionStateEnRoute
	return nil
}

func (c *Controller) finishLocked(a *agent) {
	a.state = domain.MotionStateArrived
	a.cursor = len(a.path)
	if a.arrived != nil {
		close(a.arrived)
		a.arrived = nil
	}
}

// Advance moves one agent along its path by speed*dt.
func (c *Controller) Advance(id string, dt float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.advanceLocked(a, dt)
	return nil
}

// Update advances every agent and returns their poses after the step.
func (c *Controller) Update(dt float64) []domain.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	poses := make([]domain.Pose, 0, len(c.order))
	for _, id := range c.order {
		a := c.agents[id]
		c.advanceLocked(a, dt)
		poses = append(poses, poseOf(a))
	}
	return poses
}

func (c *Controller) advanceLocked(a *agent, dt float64) {
	if a.state != domain.MotionStateEnRoute || dt <= 0 {
		return
	}
	remaining := c.speed * dt
	for remaining > 0 && a.cursor < len(a.path) {
		wp := a.path[a.cursor]
		delta := wp.world.Sub(a.pos)
		dist := delta.Length()
		if dist > 0 {
			a.heading = math.Atan2(delta.X, delta.Z)
		}
		if dist <= remaining {
			a.pos = wp.world
			a.coord = wp.coord
			remaining -= dist
			if a.cursor == len(a.path)-1 {
				c.finishLocked(a)
				return
			}
			a.cursor++
			continue
		}
		a.pos = a.pos.Add(delta.Scale(remaining / dist))
		remaining = 0
	}
}

// Stop ends the current trip on the last lane cell the agent reached and marks
// it arrived there. A carried box stays attached. Stopping a ready agent is a
// no-op.
func (c *Controller) Stop(id string) (domain.LaneCoord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return domain.LaneCoord{}, err
	}
	if a.state == domain.MotionStateEnRoute {
		a.pos = c.geom.LaneToWorld(a.coord)
		a.path = []waypoint{{coord: a.coord, world: a.pos}}
		c.finishLocked(a)
	}
	return a.coord, nil
}

// IsReady reports whether the agent has no outstanding motion.
// A freshly registered agent is ready.
func (c *Controller) IsReady(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	return a.state != domain.MotionStateEnRoute, nil
}

// Ready returns a channel that is closed once the agent stops moving.
func (c *Controller) Ready(id string) (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.state != domain.MotionStateEnRoute || a.arrived == nil {
		return closedCh, nil
	}
	return a.arrived, nil
}

// WaitReady blocks until the agent is ready or ctx ends.
func (c *Controller) WaitReady(ctx context.Context, id string) error {
	ch, err := c.Ready(id)
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", id, ctx.Err())
	}
}

func (c *Controller) Pose(id string) (domain.Pose, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return domain.Pose{}, err
	}
	return poseOf(a), nil
}

// Route returns the lane cells of the agent's assigned path.
func (c *Controller) Route(id string) ([]domain.LaneCoord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LaneCoord, len(a.path))
	for i, wp := range a.path {
		out[i] = wp.coord
	}
	return out, nil
}

func (c *Controller) Poses() []domain.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	poses := make([]domain.Pose, 0, len(c.order))
	for _, id := range c.order {
		poses = append(poses, poseOf(c.agents[id]))
	}
	return poses
}

// Attach records that the agent carries boxID. The agent must be idle,
// empty-handed and standing on cell.
func (c *Controller) Attach(id string, boxID int, cell domain.LaneCoord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case a.carrying != 0:
		return fmt.Errorf("%w: %s already carries box %d", domain.ErrPickConflict, id, a.carrying)
	case a.state == domain.MotionStateEnRoute:
		return fmt.Errorf("%w: %s is still moving", domain.ErrPickConflict, id)
	case a.coord != cell:
		return fmt.Errorf("%w: %s is at %s, box is at %s", domain.ErrPickConflict, id, a.coord.Key(), cell.Key())
	}
	a.carrying = boxID
	return nil
}

// Detach clears the carried box and returns it with the cell it is dropped on.
func (c *Controller) Detach(id string) (int, domain.LaneCoord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.lookup(id)
	if err != nil {
		return 0, domain.LaneCoord{}, err
	}
	if a.carrying == 0 {
		return 0, domain.LaneCoord{}, fmt.Errorf("%w: %s carries nothing", domain.ErrDropConflict, id)
	}
	if a.state == domain.MotionStateEnRoute {
		return 0, domain.LaneCoord{}, fmt.Errorf("%w: %s is still moving", domain.ErrDropConflict, id)
	}
	boxID := a.carrying
	a.carrying = 0
	return boxID, a.coord, nil
}

func poseOf(a *agent) domain.Pose {
	p := domain.Pose{
		AgentID:     a.id,
		Label:       a.label,
		Coord:       a.coord,
		World:       a.pos,
		Heading:     a.heading,
		State:       a.state,
		CarryingBox: a.carrying,
	}
	if a.target != nil && a.state == domain.MotionStateEnRoute {
		t := *a.target
		p.Destination = &t
	}
	return p
}
