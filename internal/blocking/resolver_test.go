package blocking

import (
	"errors"
	"testing"

	"stackyard/internal/domain"
	"stackyard/internal/grid"
	"stackyard/internal/inventory"
)

var shipping = domain.LaneCoord{X: 0, Z: 0}

func newFixture(t *testing.T) (*Resolver, *inventory.Store, *grid.Geometry) {
	t.Helper()
	bays := []domain.LaneCoord{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 3, Z: 0}, {X: 4, Z: 0}}
	geom, err := grid.New(5, 10, 5, grid.Metrics{SpacingRatio: 0.2}, bays)
	if err != nil {
		t.Fatalf("new geometry: %v", err)
	}
	store := inventory.New(geom)
	store.Populate()
	return New(geom, store), store, geom
}

func mustBox(t *testing.T, store *inventory.Store, id int) domain.CargoBox {
	t.Helper()
	box, ok := store.Get(id)
	if !ok {
		t.Fatalf("box %d missing", id)
	}
	return box
}

func TestResolveStagesBlockersOnLeastLoadedNeighbours(t *testing.T) {
	r, store, _ := newFixture(t)
	steps, err := r.Resolve(mustBox(t, store, 7), map[int]struct{}{7: {}}, shipping)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []struct {
		box  int
		dest domain.LaneCoord
	}{
		{10, domain.LaneCoord{X: 1, Z: 2}},
		{9, domain.LaneCoord{X: 0, Z: 3}},
		{8, domain.LaneCoord{X: 0, Z: 1}},
	}
	if len(steps) != len(want) {
		t.Fatalf("steps=%d want=%d", len(steps), len(want))
	}
	for i, w := range want {
		if steps[i].Box.ID != w.box || steps[i].Destination != w.dest || steps[i].ToShipping {
			t.Fatalf("step[%d]=box %d -> %s want box %d -> %s", i, steps[i].Box.ID, steps[i].Destination, w.box, w.dest)
		}
	}
}

func TestResolveSendsOrderMembersToShipping(t *testing.T) {
	r, store, _ := newFixture(t)
	steps, err := r.Resolve(mustBox(t, store, 7), map[int]struct{}{7: {}, 9: {}}, shipping)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps=%d want=3", len(steps))
	}
	if steps[1].Box.ID != 9 || !steps[1].ToShipping || steps[1].Destination != shipping {
		t.Fatalf("step[1]=%+v want box 9 to shipping", steps[1])
	}
	// Box 8 now sees (0,3) untouched, so it takes the first axis neighbour left.
	if steps[2].Destination != (domain.LaneCoord{X: 0, Z: 3}) {
		t.Fatalf("step[2] dest=%s want=0-3", steps[2].Destination)
	}
}

func TestNextReportsTopTargetAsClear(t *testing.T) {
	r, store, _ := newFixture(t)
	_, ok, err := r.Next(mustBox(t, store, 10), nil, shipping)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatalf("top box needs no relocation")
	}
}

func TestStagingCellClampsAndSkipsCenter(t *testing.T) {
	r, _, _ := newFixture(t)
	// Corner 4-9: +x and +z clamp back onto the centre and are skipped.
	got := r.StagingCell(domain.LaneCoord{X: 4, Z: 9})
	if got != (domain.LaneCoord{X: 3, Z: 9}) {
		t.Fatalf("staging=%s want=3-9", got)
	}
	// Next to the bays the empty bay column is the least loaded neighbour.
	got = r.StagingCell(domain.LaneCoord{X: 2, Z: 0})
	if got != (domain.LaneCoord{X: 3, Z: 0}) {
		t.Fatalf("staging=%s want=3-0", got)
	}
}

func TestResolveMatchesLiveRelocationForEveryBox(t *testing.T) {
	r, store, geom := newFixture(t)
	for id := 1; id <= geom.MaxBoxID(); id += 7 {
		r, store, _ = newFixture(t)
		target := mustBox(t, store, id)
		column := target.Coord.Lane()
		above := 0
		for _, box := range store.StackAt(column) {
			if box.ID == id {
				break
			}
			above++
		}

		planned, err := r.Resolve(target, nil, shipping)
		if err != nil {
			t.Fatalf("resolve box %d: %v", id, err)
		}
		if len(planned) > above {
			t.Fatalf("box %d: %d steps for %d boxes above", id, len(planned), above)
		}

		for i := 0; ; i++ {
			step, ok, err := r.Next(target, nil, shipping)
			if err != nil {
				t.Fatalf("next box %d: %v", id, err)
			}
			if !ok {
				if i != len(planned) {
					t.Fatalf("box %d: live steps=%d planned=%d", id, i, len(planned))
				}
				break
			}
			if i >= len(planned) || planned[i].Box.ID != step.Box.ID || planned[i].Destination != step.Destination {
				t.Fatalf("box %d step %d: live=%+v planned=%+v", id, i, step, planned)
			}
			if _, err := store.Claim(step.Box.ID, "car-1"); err != nil {
				t.Fatalf("claim %d: %v", step.Box.ID, err)
			}
			if _, err := store.Release(step.Box.ID, "car-1", step.Destination); err != nil {
				t.Fatalf("release %d: %v", step.Box.ID, err)
			}
		}
		if top := store.StackAt(column)[0]; top.ID != id {
			t.Fatalf("box %d: top after relocation=%d", id, top.ID)
		}
	}
}

func TestNextFailsForMissingTarget(t *testing.T) {
	r, store, _ := newFixture(t)
	box := mustBox(t, store, 10)
	if _, err := store.Claim(10, "car-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := r.Next(box, nil, shipping); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("err=%v want item not found", err)
	}
	box.Located = false
	if _, _, err := r.Next(box, nil, shipping); !errors.Is(err, domain.ErrItemLocationMissing) {
		t.Fatalf("err=%v want item location missing", err)
	}
}
