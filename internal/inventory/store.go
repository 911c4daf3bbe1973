package inventory

import (
	"fmt"
	"sort"
	"sync"

	"stackyard/internal/domain"
)

// Layout is the geometry the store needs to populate and place boxes.
type Layout interface {
	Width() int
	Depth() int
	Height() int
	IsBay(c domain.LaneCoord) bool
	SlotToWorld(c domain.GridCoord) domain.Vec3
	WorldToGrid(p domain.Vec3) domain.GridCoord
}

// Store holds the live cargo collection. Claim and Release are the only
// transitions of IsPicked and each happens under the store lock.
type Store struct {
	layout Layout

	mu    sync.RWMutex
	boxes map[int]*domain.CargoBox
	ids   []int
}

func New(layout Layout) *Store {
	return &Store{
		layout: layout,
		boxes:  make(map[int]*domain.CargoBox),
	}
}

// Populate fills every non-bay slot, numbering x outer, z middle, y inner.
func (s *Store) Populate() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boxes = make(map[int]*domain.CargoBox)
	s.ids = s.ids[:0]
	id := 0
	for x := 0; x < s.layout.Width(); x++ {
		for z := 0; z < s.layout.Depth(); z++ {
			if s.layout.IsBay(domain.LaneCoord{X: x, Z: z}) {
				continue
			}
			for y := 0; y < s.layout.Height(); y++ {
				id++
				coord := domain.GridCoord{X: x, Y: y, Z: z}
				s.boxes[id] = &domain.CargoBox{
					ID:          id,
					ProductName: fmt.Sprintf("item %d", id),
					Coord:       coord,
					Located:     true,
					World:       s.layout.SlotToWorld(coord),
				}
				s.ids = append(s.ids, id)
			}
		}
	}
	return id
}

// Restore overlays persisted positions onto the populated boxes. Located
// entries keep their slot. Entries without a grid coordinate, such as boxes
// that were being carried, go on top of the stack under their world position
// once every located entry is placed, so no two boxes share a slot.
func (s *Store) Restore(entries []domain.CargoBox) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	var floating []domain.CargoBox
	for _, entry := range entries {
		box, ok := s.boxes[entry.ID]
		if !ok {
			continue
		}
		if !entry.Located {
			floating = append(floating, entry)
			continue
		}
		s.placeLocked(box, entry.Coord, entry.ProductName)
		applied++
	}
	for _, entry := range floating {
		lane := s.layout.WorldToGrid(entry.World).Lane()
		coord := domain.GridCoord{X: lane.X, Y: s.topLocked(lane, entry.ID), Z: lane.Z}
		s.placeLocked(s.boxes[entry.ID], coord, entry.ProductName)
		applied++
	}
	return applied
}

func (s *Store) placeLocked(box *domain.CargoBox, coord domain.GridCoord, name string) {
	box.Coord = coord
	box.Located = true
	box.World = s.layout.SlotToWorld(coord)
	box.IsPicked = false
	box.AttachedAgentID = ""
	if name != "" {
		box.ProductName = name
	}
}

// topLocked is the first free layer above every box resting on c, ignoring skip.
func (s *Store) topLocked(c domain.LaneCoord, skip int) int {
	top := 0
	for id, box := range s.boxes {
		if id == skip || box.IsPicked || !box.Located || box.Coord.Lane() != c {
			continue
		}
		if box.Coord.Y+1 > top {
			top = box.Coord.Y + 1
		}
	}
	return top
}

// Add inserts a box. Used by hosts that materialise inventory themselves.
func (s *Store) Add(box domain.CargoBox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.boxes[box.ID]; exists {
		return fmt.Errorf("box %d already exists", box.ID)
	}
	if box.Located {
		for _, other := range s.boxes {
			if other.Located && !other.IsPicked && other.Coord == box.Coord {
				return fmt.Errorf("slot %+v already holds box %d", box.Coord, other.ID)
			}
		}
	}
	b := box
	s.boxes[b.ID] = &b
	s.ids = append(s.ids, b.ID)
	sort.Ints(s.ids)
	return nil
}

func (s *Store) Get(id int) (domain.CargoBox, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	box, ok := s.boxes[id]
	if !ok {
		return domain.CargoBox{}, false
	}
	return *box, true
}

// FindAvailable returns the box only when it exists and is not being carried.
func (s *Store) FindAvailable(id int) (domain.CargoBox, error) {
	box, ok := s.Get(id)
	if !ok || box.IsPicked {
		return domain.CargoBox{}, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	return box, nil
}

// StackAt lists the unpicked boxes standing on c, topmost first.
func (s *Store) StackAt(c domain.LaneCoord) []domain.CargoBox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stackAtLocked(c)
}

func (s *Store) stackAtLocked(c domain.LaneCoord) []domain.CargoBox {
	var stack []domain.CargoBox
	for _, id := range s.ids {
		box := s.boxes[id]
		if box.IsPicked || !box.Located || box.Coord.Lane() != c {
			continue
		}
		stack = append(stack, *box)
	}
	sort.SliceStable(stack, func(i, j int) bool {
		return stack[i].Coord.Y > stack[j].Coord.Y
	})
	return stack
}

func (s *Store) StackHeight(c domain.LaneCoord) int {
	return len(s.StackAt(c))
}

// Heights returns stack heights indexed [x][z].
func (s *Store) Heights() [][]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]int, s.layout.Width())
	for x := range out {
		out[x] = make([]int, s.layout.Depth())
	}
	for _, box := range s.boxes {
		if box.IsPicked || !box.Located {
			continue
		}
		c := box.Coord
		if c.X < 0 || c.X >= len(out) || c.Z < 0 || c.Z >= len(out[c.X]) {
			continue
		}
		out[c.X][c.Z]++
	}
	return out
}

// Claim marks the box picked by agentID. It fails with ErrPickConflict when
// the box is already carried or is not on top of its stack.
func (s *Store) Claim(id int, agentID string) (domain.CargoBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.boxes[id]
	if !ok {
		return domain.CargoBox{}, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	if box.IsPicked {
		return domain.CargoBox{}, fmt.Errorf("%w: box %d already carried by %s", domain.ErrPickConflict, id, box.AttachedAgentID)
	}
	if !box.Located {
		return domain.CargoBox{}, fmt.Errorf("%w: box %d", domain.ErrItemLocationMissing, id)
	}
	stack := s.stackAtLocked(box.Coord.Lane())
	if len(stack) > 0 && stack[0].ID != id {
		return domain.CargoBox{}, fmt.Errorf("%w: box %d is under box %d", domain.ErrPickConflict, id, stack[0].ID)
	}
	box.IsPicked = true
	box.AttachedAgentID = agentID
	return *box, nil
}

// Release puts a box carried by agentID on top of the stack at cell.
func (s *Store) Release(id int, agentID string, cell domain.LaneCoord) (domain.CargoBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box, ok := s.boxes[id]
	if !ok {
		return domain.CargoBox{}, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	if !box.IsPicked || box.AttachedAgentID != agentID {
		return domain.CargoBox{}, fmt.Errorf("%w: box %d is not carried by %s", domain.ErrDropConflict, id, agentID)
	}
	coord := domain.GridCoord{X: cell.X, Y: len(s.stackAtLocked(cell)), Z: cell.Z}
	box.Coord = coord
	box.Located = true
	box.World = s.layout.SlotToWorld(coord)
	box.IsPicked = false
	box.AttachedAgentID = ""
	return *box, nil
}

// Snapshot copies every box in id order.
func (s *Store) Snapshot() []domain.CargoBox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CargoBox, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, *s.boxes[id])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
