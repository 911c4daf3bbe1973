package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type MotionState string

const (
	MotionStateIdle    MotionState = "idle"
	MotionStateEnRoute MotionState = "en-route"
	MotionStateArrived MotionState = "arrived"
)

type OrderStatus string

const (
	OrderStatusQueued          OrderStatus = "queued"
	OrderStatusAssigning       OrderStatus = "assigning"
	OrderStatusExecuting       OrderStatus = "executing"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusPartiallyFailed OrderStatus = "partially_failed"
	OrderStatusRejected        OrderStatus = "rejected"
)

type EventType string

const (
	EventTypePoses       EventType = "poses"
	EventTypeStatus      EventType = "status"
	EventTypeOrderResult EventType = "order_result"
	EventTypePong        EventType = "pong"
	EventTypeSubscribed  EventType = "subscribed"
)

// LaneCoord is a cell on the lane plane an agent can occupy.
type LaneCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// Key encodes the coordinate as "x-z".
func (c LaneCoord) Key() string {
	return strconv.Itoa(c.X) + "-" + strconv.Itoa(c.Z)
}

func (c LaneCoord) String() string {
	return c.Key()
}

// ManhattanDistance counts lane steps between a and b.
func ManhattanDistance(a, b LaneCoord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	return dx + dz
}

// GridCoord addresses a storage slot. Y is the vertical layer.
type GridCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (c GridCoord) Lane() LaneCoord {
	return LaneCoord{X: c.X, Z: c.Z}
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

type CargoBox struct {
	ID              int       `json:"id"`
	ProductName     string    `json:"product_name"`
	Coord           GridCoord `json:"coord"`
	Located         bool      `json:"located"`
	World           Vec3      `json:"world"`
	IsPicked        bool      `json:"is_picked"`
	AttachedAgentID string    `json:"attached_agent_id,omitempty"`
}

type CarOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Pose struct {
	AgentID     string      `json:"agent_id"`
	Label       string      `json:"label"`
	Coord       LaneCoord   `json:"coord"`
	World       Vec3        `json:"world"`
	Heading     float64     `json:"heading"`
	State       MotionState `json:"state"`
	Destination *LaneCoord  `json:"destination,omitempty"`
	CarryingBox int         `json:"carrying_box,omitempty"`
}

type ShippingTarget struct {
	Label string    `json:"label"`
	Cell  LaneCoord `json:"cell"`
}

type RelocationStep struct {
	Box         CargoBox  `json:"box"`
	Destination LaneCoord `json:"destination"`
	ToShipping  bool      `json:"to_shipping"`
}

// ActionResult is the {success, message} shape returned to hosts.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type OrderRequest struct {
	ID    string `json:"id"`
	Items []int  `json:"items"`
}

type ItemFailure struct {
	ItemID int    `json:"item_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type OrderResult struct {
	OrderID   string         `json:"order_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Target    ShippingTarget `json:"target"`
	Status    OrderStatus    `json:"status"`
	Delivered []int          `json:"delivered"`
	Failures  []ItemFailure  `json:"failures"`
	Relocated int            `json:"relocated"`
}

type BatchResult struct {
	BatchID           string        `json:"batch_id"`
	Success           bool          `json:"success"`
	Message           string        `json:"message"`
	CompletedOrderIDs []string      `json:"completed_order_ids"`
	Orders            []OrderResult `json:"orders"`
	Skipped           []string      `json:"skipped,omitempty"`
	Trail             []string      `json:"trail"`
}

type OrderRecord struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batch_id"`
	AgentID   string         `json:"agent_id"`
	Target    ShippingTarget `json:"target"`
	Items     []int          `json:"items"`
	Status    OrderStatus    `json:"status"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Event struct {
	Type    EventType       `json:"type"`
	Tick    uint64          `json:"tick,omitempty"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// TickRecord is one line of the tick log.
type TickRecord struct {
	Tick  uint64    `json:"tick"`
	DT    float64   `json:"dt"`
	Poses []Pose    `json:"poses"`
	At    time.Time `json:"at"`
}

// ParseCellKey decodes an "x-z" cell key. Range checks belong to the geometry.
func ParseCellKey(key string) (LaneCoord, error) {
	parts := strings.Split(strings.TrimSpace(key), "-")
	if len(parts) != 2 {
		return LaneCoord{}, fmt.Errorf("%w: cell key %q is not x-z", ErrInvalidCoordinate, key)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return LaneCoord{}, fmt.Errorf("%w: cell key %q: %v", ErrInvalidCoordinate, key, err)
	}
	z, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return LaneCoord{}, fmt.Errorf("%w: cell key %q: %v", ErrInvalidCoordinate, key, err)
	}
	return LaneCoord{X: x, Z: z}, nil
}

const MaxItemID = 999

// ParseItemList decodes order content such as "12-34-56".
func ParseItemList(content string) ([]int, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	parts := strings.Split(content, "-")
	items := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("item %q is not a number", part)
		}
		if id < 1 || id > MaxItemID {
			return nil, fmt.Errorf("item %d out of range 1..%d", id, MaxItemID)
		}
		items = append(items, id)
	}
	return items, nil
}
