// Package warehouse hosts the simulation core. Update returns every pose on
// every tick, but poses go to the bus and the tick log only on ticks where
// something changed: an agent was moving, an agent stopped, or a pick, drop or
// stop changed a pose since the last published tick. Idle ticks publish
// nothing, so subscribers keep the last poses they received.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"stackyard/internal/domain"
	"stackyard/internal/grid"
	"stackyard/internal/inventory"
	"stackyard/internal/motion"
)

type Bus interface {
	Publish(evt domain.Event) error
}

type TickLog interface {
	WriteTick(rec domain.TickRecord) error
}

type CarSpec struct {
	Label string
	Start domain.LaneCoord
}

// DefaultCars places a horizontal car on the first column and a vertical car
// on the last one, both on row 0.
func DefaultCars(geom *grid.Geometry) []CarSpec {
	return []CarSpec{
		{Label: "horizontal car", Start: domain.LaneCoord{X: 0, Z: 0}},
		{Label: "vertical car", Start: domain.LaneCoord{X: geom.Width() - 1, Z: 0}},
	}
}

// Core is the host-facing surface of the simulation: car control, cargo
// handling and the tick that drives motion.
type Core struct {
	geom   *grid.Geometry
	motion *motion.Controller
	cargo  *inventory.Store
	bus    Bus
	ticks  TickLog
	logger *log.Logger

	// handMu serialises pick and drop so agent and box state change together.
	handMu sync.Mutex

	tick       atomic.Uint64
	wasMoving  atomic.Bool
	dirty      atomic.Bool
	maxTickDur time.Duration
}

func New(geom *grid.Geometry, ctrl *motion.Controller, cargo *inventory.Store, bus Bus, ticks TickLog, logger *log.Logger) *Core {
	if logger == nil {
		logger = log.Default()
	}
	return &Core{
		geom:       geom,
		motion:     ctrl,
		cargo:      cargo,
		bus:        bus,
		ticks:      ticks,
		logger:     logger,
		maxTickDur: 100 * time.Millisecond,
	}
}

func (c *Core) Geometry() *grid.Geometry { return c.geom }

// CreateCars registers one agent per CarSpec as car-1, car-2, ...
func (c *Core) CreateCars(specs []CarSpec) ([]domain.CarOption, error) {
	out := make([]domain.CarOption, 0, len(specs))
	offset := len(c.motion.IDs())
	for i, spec := range specs {
		id := fmt.Sprintf("car-%d", offset+i+1)
		if err := c.motion.Add(id, spec.Label, spec.Start); err != nil {
			return out, err
		}
		out = append(out, domain.CarOption{ID: id, Label: spec.Label})
	}
	return out, nil
}

func (c *Core) AgentIDs() []string {
	return c.motion.IDs()
}

// SetDestination accepts an "x-z" cell key.
func (c *Core) SetDestination(agentID, cellKey string) domain.ActionResult {
	cell, err := c.geom.ParseCell(cellKey)
	if err == nil {
		err = c.MoveTo(agentID, cell)
	}
	if err != nil {
		return domain.Result(err, "")
	}
	return domain.Result(nil, fmt.Sprintf("%s heading to %s", agentID, cell.Key()))
}

func (c *Core) MoveTo(agentID string, cell domain.LaneCoord) error {
	return c.motion.SetDestination(agentID, cell)
}

// Stop halts the agent on the last lane cell it reached.
func (c *Core) Stop(agentID string) error {
	if _, err := c.motion.Stop(agentID); err != nil {
		return err
	}
	c.dirty.Store(true)
	return nil
}

func (c *Core) IsCarReady(agentID string) bool {
	ready, err := c.motion.IsReady(agentID)
	return err == nil && ready
}

func (c *Core) WaitReady(ctx context.Context, agentID string) error {
	return c.motion.WaitReady(ctx, agentID)
}

// PickUpCargo lifts the top box of the stack the agent stands on.
func (c *Core) PickUpCargo(agentID string) domain.ActionResult {
	pose, err := c.motion.Pose(agentID)
	if err != nil {
		return domain.Result(err, "")
	}
	stack := c.cargo.StackAt(pose.Coord)
	if len(stack) == 0 {
		return domain.Result(fmt.Errorf("%w: no cargo at %s", domain.ErrItemNotFound, pose.Coord.Key()), "")
	}
	if err := c.PickUp(agentID, stack[0].ID); err != nil {
		return domain.Result(err, "")
	}
	return domain.Result(nil, fmt.Sprintf("%s picked up box %d", agentID, stack[0].ID))
}

// PickUp attaches boxID to the agent. The agent must be stopped on the box's
// cell with empty hands and the box must be on top of its stack.
func (c *Core) PickUp(agentID string, boxID int) error {
	c.handMu.Lock()
	defer c.handMu.Unlock()

	box, ok := c.cargo.Get(boxID)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrItemNotFound, boxID)
	}
	if !box.Located {
		return fmt.Errorf("%w: box %d", domain.ErrItemLocationMissing, boxID)
	}
	if err := c.motion.Attach(agentID, boxID, box.Coord.Lane()); err != nil {
		return err
	}
	if _, err := c.cargo.Claim(boxID, agentID); err != nil {
		if _, _, undoErr := c.motion.Detach(agentID); undoErr != nil {
			c.logger.Printf("undo attach failed agent=%s box=%d: %v", agentID, boxID, undoErr)
		}
		return err
	}
	c.dirty.Store(true)
	return nil
}

func (c *Core) DropCargo(agentID string) domain.ActionResult {
	box, err := c.Drop(agentID)
	if err != nil {
		return domain.Result(err, "")
	}
	return domain.Result(nil, fmt.Sprintf("%s dropped box %d at %s", agentID, box.ID, box.Coord.Lane().Key()))
}

// Drop sets the carried box on top of the stack under the agent.
func (c *Core) Drop(agentID string) (domain.CargoBox, error) {
	c.handMu.Lock()
	defer c.handMu.Unlock()

	boxID, cell, err := c.motion.Detach(agentID)
	if err != nil {
		return domain.CargoBox{}, err
	}
	box, err := c.cargo.Release(boxID, agentID, cell)
	if err != nil {
		if reErr := c.motion.Attach(agentID, boxID, cell); reErr != nil {
			c.logger.Printf("reattach failed agent=%s box=%d: %v", agentID, boxID, reErr)
		}
		return domain.CargoBox{}, err
	}
	c.dirty.Store(true)
	return box, nil
}

func (c *Core) Poses() []domain.Pose {
	return c.motion.Poses()
}

// Cargo lists every box; carried boxes report their carrier's position.
func (c *Core) Cargo() []domain.CargoBox {
	boxes := c.cargo.Snapshot()
	carriers := make(map[string]domain.Vec3)
	for _, pose := range c.motion.Poses() {
		carriers[pose.AgentID] = pose.World
	}
	for i := range boxes {
		if !boxes[i].IsPicked {
			continue
		}
		if pos, ok := carriers[boxes[i].AttachedAgentID]; ok {
			boxes[i].World = pos
		}
	}
	return boxes
}

func (c *Core) Heights() [][]int {
	return c.cargo.Heights()
}

func (c *Core) Tick() uint64 {
	return c.tick.Load()
}

func (c *Core) Speed() float64 {
	return c.motion.Speed()
}

// SetSpeed changes the car speed for every agent. Non-positive values are
// ignored.
func (c *Core) SetSpeed(speed float64) {
	c.motion.SetSpeed(speed)
}

// Update advances all agents by dt seconds and publishes their poses.
func (c *Core) Update(dt float64) []domain.Pose {
	poses := c.motion.Update(dt)
	tick := c.tick.Add(1)

	moving := false
	for _, p := range poses {
		if p.State == domain.MotionStateEnRoute {
			moving = true
			break
		}
	}
	// Log the tick that stops the last agent as well.
	wasMoving := c.wasMoving.Swap(moving)
	dirty := c.dirty.Swap(false)
	if !moving && !wasMoving && !dirty {
		return poses
	}

	now := time.Now().UTC()
	if c.bus != nil {
		payload, err := json.Marshal(poses)
		if err == nil {
			_ = c.bus.Publish(domain.Event{Type: domain.EventTypePoses, Tick: tick, Payload: payload, At: now})
		}
	}
	if c.ticks != nil {
		if err := c.ticks.WriteTick(domain.TickRecord{Tick: tick, DT: dt, Poses: poses, At: now}); err != nil {
			c.logger.Printf("tick log write failed tick=%d: %v", tick, err)
		}
	}
	return poses
}

// Run drives Update from a ticker until ctx ends.
func (c *Core) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if elapsed > c.maxTickDur {
				elapsed = c.maxTickDur
			}
			c.Update(elapsed.Seconds())
		}
	}
}
