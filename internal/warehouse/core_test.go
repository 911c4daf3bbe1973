package warehouse

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"stackyard/internal/domain"
	"stackyard/internal/grid"
	"stackyard/internal/inventory"
	"stackyard/internal/motion"
	"stackyard/internal/planner"
)

type recordingBus struct {
	events []domain.Event
}

func (b *recordingBus) Publish(evt domain.Event) error {
	b.events = append(b.events, evt)
	return nil
}

func newTestCore(t *testing.T, bus Bus) *Core {
	t.Helper()
	bays := []domain.LaneCoord{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 3, Z: 0}, {X: 4, Z: 0}}
	geom, err := grid.New(5, 10, 5, grid.Metrics{SpacingRatio: 0.2}, bays)
	if err != nil {
		t.Fatalf("new geometry: %v", err)
	}
	cargo := inventory.New(geom)
	cargo.Populate()
	ctrl := motion.New(geom, planner.New(geom), 2.0)
	core := New(geom, ctrl, cargo, bus, nil, log.New(io.Discard, "", 0))
	if _, err := core.CreateCars(DefaultCars(geom)); err != nil {
		t.Fatalf("create cars: %v", err)
	}
	return core
}

func driveUntilReady(t *testing.T, c *Core, agentID string) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if c.IsCarReady(agentID) {
			return
		}
		c.Update(0.05)
	}
	t.Fatalf("%s never became ready", agentID)
}

func TestCreateCarsAtFixedStarts(t *testing.T) {
	c := newTestCore(t, nil)
	poses := c.Poses()
	if len(poses) != 2 {
		t.Fatalf("cars=%d want=2", len(poses))
	}
	if poses[0].AgentID != "car-1" || poses[0].Coord != (domain.LaneCoord{X: 0, Z: 0}) {
		t.Fatalf("car-1 pose=%+v", poses[0])
	}
	if poses[1].AgentID != "car-2" || poses[1].Coord != (domain.LaneCoord{X: 4, Z: 0}) {
		t.Fatalf("car-2 pose=%+v", poses[1])
	}
	if !c.IsCarReady("car-1") || !c.IsCarReady("car-2") {
		t.Fatalf("fresh cars must be ready")
	}
	if c.IsCarReady("car-3") {
		t.Fatalf("unknown car must not be ready")
	}
}

func TestSetDestinationResults(t *testing.T) {
	c := newTestCore(t, nil)
	if res := c.SetDestination("car-1", "2-3"); !res.Success {
		t.Fatalf("set destination failed: %+v", res)
	}
	if res := c.SetDestination("car-1", "9-9"); res.Success || res.Code != "InvalidCoordinate" {
		t.Fatalf("out of range result=%+v", res)
	}
	if res := c.SetDestination("car-1", "two-three"); res.Success || res.Code != "InvalidCoordinate" {
		t.Fatalf("bad key result=%+v", res)
	}
	if res := c.SetDestination("car-7", "1-1"); res.Success || res.Code != "AgentNotFound" {
		t.Fatalf("unknown car result=%+v", res)
	}
}

func TestPickUpAndDropCargo(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCore(t, bus)

	if res := c.DropCargo("car-1"); res.Success || res.Code != "DropConflict" {
		t.Fatalf("empty drop result=%+v", res)
	}
	if res := c.PickUpCargo("car-1"); res.Success || res.Code != "ItemNotFound" {
		t.Fatalf("pick at empty bay result=%+v", res)
	}
	if err := c.PickUp("car-1", 10); !errors.Is(err, domain.ErrPickConflict) {
		t.Fatalf("err=%v want pick conflict away from box", err)
	}

	if res := c.SetDestination("car-1", "0-2"); !res.Success {
		t.Fatalf("set destination: %+v", res)
	}
	driveUntilReady(t, c, "car-1")
	if len(bus.events) == 0 {
		t.Fatalf("expected pose events while moving")
	}

	res := c.PickUpCargo("car-1")
	if !res.Success {
		t.Fatalf("pick up: %+v", res)
	}
	if res := c.PickUpCargo("car-1"); res.Success || res.Code != "PickConflict" {
		t.Fatalf("double pick result=%+v", res)
	}
	for _, box := range c.Cargo() {
		if box.ID == 10 && (!box.IsPicked || box.AttachedAgentID != "car-1") {
			t.Fatalf("box 10=%+v want carried by car-1", box)
		}
	}

	if res := c.SetDestination("car-1", "0-0"); !res.Success {
		t.Fatalf("set destination: %+v", res)
	}
	driveUntilReady(t, c, "car-1")
	if res := c.DropCargo("car-1"); !res.Success {
		t.Fatalf("drop: %+v", res)
	}
	heights := c.Heights()
	if heights[0][0] != 1 || heights[0][2] != 4 {
		t.Fatalf("heights at 0-0=%d 0-2=%d want 1 and 4", heights[0][0], heights[0][2])
	}
}

func TestUpdateSkipsIdleTicks(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCore(t, bus)
	for i := 0; i < 5; i++ {
		c.Update(0.1)
	}
	if len(bus.events) != 0 {
		t.Fatalf("idle ticks published %d events", len(bus.events))
	}
	if c.Tick() != 5 {
		t.Fatalf("tick=%d want=5", c.Tick())
	}
}

func lastPoses(t *testing.T, bus *recordingBus) map[string]domain.Pose {
	t.Helper()
	if len(bus.events) == 0 {
		t.Fatalf("no events published")
	}
	var poses []domain.Pose
	if err := json.Unmarshal(bus.events[len(bus.events)-1].Payload, &poses); err != nil {
		t.Fatalf("decode poses: %v", err)
	}
	out := make(map[string]domain.Pose, len(poses))
	for _, p := range poses {
		out[p.AgentID] = p
	}
	return out
}

func TestUpdatePublishesArrivalAndHandChanges(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCore(t, bus)

	if res := c.SetDestination("car-1", "0-2"); !res.Success {
		t.Fatalf("set destination: %+v", res)
	}
	driveUntilReady(t, c, "car-1")
	if p := lastPoses(t, bus)["car-1"]; p.State != domain.MotionStateArrived || p.Coord != (domain.LaneCoord{X: 0, Z: 2}) {
		t.Fatalf("last published car-1=%+v want arrived at 0-2", p)
	}

	n := len(bus.events)
	c.Update(0.05)
	if len(bus.events) != n {
		t.Fatalf("idle tick published %d events", len(bus.events)-n)
	}

	if res := c.PickUpCargo("car-1"); !res.Success {
		t.Fatalf("pick up: %+v", res)
	}
	c.Update(0.05)
	if len(bus.events) != n+1 {
		t.Fatalf("events=%d want=%d after pick", len(bus.events), n+1)
	}
	if p := lastPoses(t, bus)["car-1"]; p.CarryingBox != 10 {
		t.Fatalf("published car-1 carrying=%d want=10", p.CarryingBox)
	}
	c.Update(0.05)
	if len(bus.events) != n+1 {
		t.Fatalf("idle tick after pick published %d events", len(bus.events)-n-1)
	}
}
